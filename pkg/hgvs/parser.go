// Package hgvs parses HGVS and coordinate variant descriptions into a canonical
// key, so that two patients carrying the same variant written differently are
// recognized as identical.
package hgvs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mme-matchmaker/internal/domain"
)

var (
	// Genomic patterns
	genomicSubstitutionPattern = regexp.MustCompile(`^(NC_\d+\.\d+|chr\d+|chr[XYM]|\d+|[XYM]|MT):g\.(\d+)([ATCG]+)>([ATCG]+)$`)
	genomicDeletionPattern     = regexp.MustCompile(`^(NC_\d+\.\d+|chr\d+|chr[XYM]|\d+|[XYM]|MT):g\.(\d+)(_(\d+))?del([ATCG]*)$`)
	genomicInsertionPattern    = regexp.MustCompile(`^(NC_\d+\.\d+|chr\d+|chr[XYM]|\d+|[XYM]|MT):g\.(\d+)_(\d+)ins([ATCG]+)$`)
	genomicDuplicationPattern  = regexp.MustCompile(`^(NC_\d+\.\d+|chr\d+|chr[XYM]|\d+|[XYM]|MT):g\.(\d+)(_(\d+))?dup([ATCG]*)$`)

	// Transcript and protein level descriptions are only recognized, not projected
	codingPattern  = regexp.MustCompile(`^(N[MR]_\d+\.\d+|ENST\d+(\.\d+)?)(\([A-Za-z0-9-]+\))?:c\.\S+$`)
	proteinPattern = regexp.MustCompile(`^(NP_\d+\.\d+|ENSP\d+(\.\d+)?)(\([A-Za-z0-9-]+\))?:p\.\S+$`)

	refSeqChromosomes = map[string]string{
		"NC_000001": "1", "NC_000002": "2", "NC_000003": "3", "NC_000004": "4",
		"NC_000005": "5", "NC_000006": "6", "NC_000007": "7", "NC_000008": "8",
		"NC_000009": "9", "NC_000010": "10", "NC_000011": "11", "NC_000012": "12",
		"NC_000013": "13", "NC_000014": "14", "NC_000015": "15", "NC_000016": "16",
		"NC_000017": "17", "NC_000018": "18", "NC_000019": "19", "NC_000020": "20",
		"NC_000021": "21", "NC_000022": "22", "NC_000023": "X", "NC_000024": "Y",
		"NC_012920": "MT",
	}

	// GRCh37 accession versions of the primary chromosomes. Every GRCh38
	// accession is the next version.
	grch37Versions = map[string]int{
		"NC_000001": 10, "NC_000002": 11, "NC_000003": 11, "NC_000004": 11,
		"NC_000005": 9, "NC_000006": 11, "NC_000007": 13, "NC_000008": 10,
		"NC_000009": 11, "NC_000010": 10, "NC_000011": 9, "NC_000012": 11,
		"NC_000013": 10, "NC_000014": 8, "NC_000015": 9, "NC_000016": 9,
		"NC_000017": 10, "NC_000018": 9, "NC_000019": 9, "NC_000020": 10,
		"NC_000021": 8, "NC_000022": 10, "NC_000023": 10, "NC_000024": 9,
	}
)

// Reference assemblies a variant position can be anchored to
const (
	AssemblyGRCh37 = "GRCh37"
	AssemblyGRCh38 = "GRCh38"
	// AssemblyRCRS is the mitochondrial reference shared by both builds
	AssemblyRCRS = "rCRS"
)

// Level is the coordinate system of a description
type Level string

const (
	LevelGenomic Level = "genomic"
	LevelCoding  Level = "coding"
	LevelProtein Level = "protein"
)

// Components is a parsed variant description
type Components struct {
	Original    string
	Level       Level
	Assembly    string // from the RefSeq accession version; empty for chr or bare names
	Chromosome  string
	Start       int64
	End         int64
	Kind        string // substitution, deletion, insertion, duplication
	RefSequence string
	AltSequence string
}

// Parse parses a single HGVS expression
func Parse(input string) (*Components, error) {
	hgvs := strings.TrimSpace(input)
	if hgvs == "" {
		return nil, fmt.Errorf("parsing variant: %w", domain.NewValidationError("hgvs", "HGVS notation cannot be empty", input))
	}

	switch {
	case strings.Contains(hgvs, ":g."):
		return parseGenomic(hgvs)
	case codingPattern.MatchString(hgvs):
		return &Components{Original: hgvs, Level: LevelCoding}, nil
	case proteinPattern.MatchString(hgvs):
		return &Components{Original: hgvs, Level: LevelProtein}, nil
	}

	return nil, domain.NewValidationError("hgvs", "Unrecognized HGVS notation format", hgvs)
}

func parseGenomic(hgvs string) (*Components, error) {
	c := &Components{Original: hgvs, Level: LevelGenomic}

	var start, end string
	switch {
	case genomicSubstitutionPattern.MatchString(hgvs):
		m := genomicSubstitutionPattern.FindStringSubmatch(hgvs)
		c.Chromosome, start, c.Kind, c.RefSequence, c.AltSequence = m[1], m[2], "substitution", m[3], m[4]
	case genomicDeletionPattern.MatchString(hgvs):
		m := genomicDeletionPattern.FindStringSubmatch(hgvs)
		c.Chromosome, start, end, c.Kind, c.RefSequence = m[1], m[2], m[4], "deletion", m[5]
	case genomicInsertionPattern.MatchString(hgvs):
		m := genomicInsertionPattern.FindStringSubmatch(hgvs)
		c.Chromosome, start, end, c.Kind, c.AltSequence = m[1], m[2], m[3], "insertion", m[4]
	case genomicDuplicationPattern.MatchString(hgvs):
		m := genomicDuplicationPattern.FindStringSubmatch(hgvs)
		c.Chromosome, start, end, c.Kind, c.RefSequence = m[1], m[2], m[4], "duplication", m[5]
	default:
		return nil, domain.NewValidationError("hgvs", "Invalid genomic HGVS notation format", hgvs)
	}

	c.Assembly = AccessionAssembly(c.Chromosome)
	c.Chromosome = NormalizeChromosome(c.Chromosome)

	pos, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing position %s: %w", start, err)
	}
	c.Start = pos
	c.End = pos
	if end != "" {
		if c.End, err = strconv.ParseInt(end, 10, 64); err != nil {
			return nil, fmt.Errorf("parsing position %s: %w", end, err)
		}
		if c.End < c.Start {
			return nil, domain.NewValidationError("hgvs", "end position precedes start position", hgvs)
		}
	}
	return c, nil
}

// NormalizeChromosome maps RefSeq accessions and chr prefixes onto bare names (17, X, MT)
func NormalizeChromosome(chr string) string {
	chr = strings.TrimSpace(chr)
	if strings.HasPrefix(chr, "NC_") {
		accession, _, _ := strings.Cut(chr, ".")
		if name, ok := refSeqChromosomes[accession]; ok {
			return name
		}
		return chr
	}
	if len(chr) > 3 && strings.EqualFold(chr[:3], "chr") {
		chr = chr[3:]
	}
	chr = strings.ToUpper(chr)
	if chr == "M" {
		return "MT"
	}
	return chr
}

// AccessionAssembly returns the assembly a versioned RefSeq chromosome
// accession belongs to, or "" for anything else.
func AccessionAssembly(chr string) string {
	accession, version, ok := strings.Cut(strings.TrimSpace(chr), ".")
	if !ok {
		return ""
	}
	if accession == "NC_012920" && version == "1" {
		return AssemblyRCRS
	}
	base, known := grch37Versions[accession]
	if !known {
		return ""
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return ""
	}
	switch v {
	case base:
		return AssemblyGRCh37
	case base + 1:
		return AssemblyGRCh38
	}
	return ""
}

// NormalizeAssembly maps the common spellings of the human builds onto
// GRCh37 or GRCh38. Patch suffixes are ignored; anything else is "".
func NormalizeAssembly(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.Index(name, ".p"); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "grch37", "hg19", "b37", "37":
		return AssemblyGRCh37
	case "grch38", "hg38", "b38", "38":
		return AssemblyGRCh38
	}
	return ""
}
