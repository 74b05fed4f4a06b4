// Package domain contains core business entities and types for rare-disease patient matching
// across the local patient store and a federation of Matchmaker Exchange (MME) peers.
//
// Reference: Philippakis et al. (2015) The Matchmaker Exchange: a platform for rare disease gene discovery.
// Hum Mutat. 36(10):915-21. doi: 10.1002/humu.22858
package domain

import (
	"errors"
	"strings"
)

// Sex represents the reported sex of a patient in a match query.
// Values follow the MME API vocabulary.
type Sex string

const (
	SexMale    Sex = "MALE"
	SexFemale  Sex = "FEMALE"
	SexOther   Sex = "OTHER"
	SexUnknown Sex = "UNKNOWN"
)

// Zygosity represents the number of variant copies observed.
// The numeric values match the MME wire representation.
type Zygosity int

const (
	ZygosityUnknown      Zygosity = 0
	ZygosityHeterozygous Zygosity = 1
	ZygosityHomozygous   Zygosity = 2
)

// MatchType distinguishes results from the local store and from federation peers
type MatchType string

const (
	MatchTypeInternal MatchType = "internal"
	MatchTypeExternal MatchType = "external"
)

// NodeFailureKind classifies why a federation node contributed no results
type NodeFailureKind string

const (
	NodeTimeout        NodeFailureKind = "timeout"
	NodeTransportError NodeFailureKind = "transport_error"
	NodeProtocolError  NodeFailureKind = "protocol_error"
	NodeCancelled      NodeFailureKind = "cancelled"
)

var (
	ErrInvalidSex       = errors.New("invalid sex")
	ErrInvalidZygosity  = errors.New("invalid zygosity")
	ErrInvalidMatchType = errors.New("invalid match type")
)

// ParseSex maps free-form sex labels onto the MME vocabulary.
// Anything unrecognised becomes SexUnknown.
func ParseSex(s string) Sex {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MALE", "M", "1":
		return SexMale
	case "FEMALE", "F", "2":
		return SexFemale
	case "OTHER":
		return SexOther
	default:
		return SexUnknown
	}
}

// IsValid reports whether the sex is one of the MME values
func (s Sex) IsValid() bool {
	switch s {
	case SexMale, SexFemale, SexOther, SexUnknown:
		return true
	default:
		return false
	}
}

func (s Sex) String() string {
	return string(s)
}

// IsValid reports whether the zygosity is one of the known values
func (z Zygosity) IsValid() bool {
	switch z {
	case ZygosityUnknown, ZygosityHeterozygous, ZygosityHomozygous:
		return true
	default:
		return false
	}
}

// Known reports whether the zygosity carries evidence
func (z Zygosity) Known() bool {
	return z == ZygosityHeterozygous || z == ZygosityHomozygous
}

func (z Zygosity) String() string {
	switch z {
	case ZygosityHeterozygous:
		return "heterozygous"
	case ZygosityHomozygous:
		return "homozygous"
	default:
		return "unknown"
	}
}

// IsValid reports whether the match type is internal or external
func (m MatchType) IsValid() bool {
	return m == MatchTypeInternal || m == MatchTypeExternal
}

func (m MatchType) String() string {
	return string(m)
}

func (k NodeFailureKind) String() string {
	return string(k)
}

// InheritanceModel is a mode of inheritance expected for a gene
type InheritanceModel string

const (
	InheritanceAR InheritanceModel = "AR"
	InheritanceAD InheritanceModel = "AD"
	InheritanceXR InheritanceModel = "XR"
	InheritanceXD InheritanceModel = "XD"
	InheritanceX  InheritanceModel = "X" // X-linked, dominance not stated
	InheritanceMT InheritanceModel = "MT"
	InheritanceY  InheritanceModel = "Y"
)

// Fits reports whether a patient carrying variants with the given zygosities
// in one gene is consistent with the model. Two heterozygous variants count
// as compound heterozygous for AR; hemizygous calls are reported homozygous.
func (m InheritanceModel) Fits(zygosities []Zygosity) bool {
	het, hom := 0, 0
	for _, z := range zygosities {
		switch z {
		case ZygosityHeterozygous:
			het++
		case ZygosityHomozygous:
			hom++
		}
	}

	switch m {
	case InheritanceAR:
		return hom > 0 || het > 1
	case InheritanceAD:
		return het > 0
	case InheritanceXR:
		return hom > 0
	case InheritanceXD, InheritanceX, InheritanceMT, InheritanceY:
		return het+hom > 0
	default:
		return false
	}
}
