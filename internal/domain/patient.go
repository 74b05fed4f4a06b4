package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Term is an ontology reference such as an HPO feature or an OMIM disorder
type Term struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	Observed string `json:"observed,omitempty"` // "yes" or "no" per MME; empty means observed
}

// IsObserved reports whether the term describes a present feature
func (t Term) IsObserved() bool {
	return t.Observed == "" || strings.EqualFold(t.Observed, "yes")
}

// Gene identifies a gene by HGNC id, Ensembl id or symbol
type Gene struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol,omitempty"`
}

// Key returns the identity used when comparing genes across profiles
func (g Gene) Key() string {
	if g.ID != "" {
		return strings.ToUpper(strings.TrimSpace(g.ID))
	}
	return strings.ToUpper(strings.TrimSpace(g.Symbol))
}

// Variant is a structured variant description. Either the coordinate
// fields or HGVS may be populated.
type Variant struct {
	Assembly       string `json:"assembly,omitempty"`
	ReferenceName  string `json:"referenceName,omitempty"`
	Start          int64  `json:"start,omitempty"`
	End            int64  `json:"end,omitempty"`
	ReferenceBases string `json:"referenceBases,omitempty"`
	AlternateBases string `json:"alternateBases,omitempty"`
	HGVS           string `json:"hgvs,omitempty"`
}

// IsEmpty reports whether the variant carries no usable description
func (v *Variant) IsEmpty() bool {
	return v == nil || (v.ReferenceName == "" && v.Start == 0 && v.HGVS == "")
}

// GenomicFeature is one candidate gene/variant call for a patient
type GenomicFeature struct {
	Gene     Gene     `json:"gene"`
	Variant  *Variant `json:"variant,omitempty"`
	Type     *Term    `json:"type,omitempty"` // variant effect, e.g. SO:0001583 missense_variant
	Zygosity Zygosity `json:"zygosity,omitempty"`
}

// Contact is the submitter contact returned with external results
type Contact struct {
	Name        string `json:"name"`
	Href        string `json:"href"`
	Institution string `json:"institution,omitempty"`
	Email       string `json:"email,omitempty"`
}

// PatientProfile is the normalized phenotype and genotype evidence of one patient.
// A profile is built once per submission version and not modified afterwards.
type PatientProfile struct {
	ID              string           `json:"id"`
	Label           string           `json:"label,omitempty"`
	CaseID          string           `json:"case_id,omitempty"`
	Contact         *Contact         `json:"contact,omitempty"`
	Sex             Sex              `json:"sex,omitempty"`
	Features        []Term           `json:"features,omitempty"`
	Disorders       []Term           `json:"disorders,omitempty"`
	GenomicFeatures []GenomicFeature `json:"genomicFeatures,omitempty"`
}

// Validate checks the invariants a profile must hold before it can be scored or sent
func (p *PatientProfile) Validate() error {
	if p == nil {
		return NewValidationError("patient", "patient profile is required", nil)
	}
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("id", "patient id is required", p.ID)
	}
	if p.Sex != "" && !p.Sex.IsValid() {
		return NewValidationError("sex", ErrInvalidSex.Error(), p.Sex)
	}
	if len(p.Features) == 0 && len(p.GenomicFeatures) == 0 {
		return NewValidationError("features", "at least one feature or genomic feature is required", nil)
	}
	for i, gf := range p.GenomicFeatures {
		if gf.Gene.Key() == "" {
			return NewValidationError(fmt.Sprintf("genomicFeatures[%d].gene", i), "gene is required", gf.Gene)
		}
		if !gf.Zygosity.IsValid() {
			return NewValidationError(fmt.Sprintf("genomicFeatures[%d].zygosity", i), ErrInvalidZygosity.Error(), gf.Zygosity)
		}
	}
	return nil
}

// ObservedFeatureIDs returns the distinct observed feature ids in lexicographic order
func (p *PatientProfile) ObservedFeatureIDs() []string {
	seen := make(map[string]struct{}, len(p.Features))
	ids := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		id := strings.TrimSpace(f.ID)
		if id == "" || !f.IsObserved() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DisorderIDs returns the distinct disorder ids in lexicographic order
func (p *PatientProfile) DisorderIDs() []string {
	seen := make(map[string]struct{}, len(p.Disorders))
	ids := make([]string, 0, len(p.Disorders))
	for _, d := range p.Disorders {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GeneKeys returns the distinct gene keys of the genomic features in lexicographic order
func (p *PatientProfile) GeneKeys() []string {
	seen := make(map[string]struct{}, len(p.GenomicFeatures))
	keys := make([]string, 0, len(p.GenomicFeatures))
	for _, gf := range p.GenomicFeatures {
		k := gf.Gene.Key()
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasGenomicEvidence reports whether the profile carries at least one gene
func (p *PatientProfile) HasGenomicEvidence() bool {
	return len(p.GeneKeys()) > 0
}

// Submission is one case with its affected individuals
type Submission struct {
	ID        string           `json:"id"`
	CaseID    string           `json:"case_id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Patients  []PatientProfile `json:"patients"`
}

// PatientIDs returns the ids of all patients in the submission, used to
// keep a case from matching against itself.
func (s *Submission) PatientIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.Patients))
	for _, p := range s.Patients {
		ids[p.ID] = struct{}{}
	}
	return ids
}
