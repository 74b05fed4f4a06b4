package hgvs

import (
	"fmt"
	"strings"

	"github.com/mme-matchmaker/internal/domain"
)

// VariantKey returns the canonical identity of a variant:
// assembly:chrom:pos:REF>ALT for coordinate and genomic HGVS descriptions,
// and the trimmed HGVS string for transcript or protein level descriptions.
// Coordinate starts are 0-based as in the MME protocol; HGVS positions are
// 1-based. A genomic position whose assembly is unknown, or whose declared
// assembly contradicts its accession, has no key. An empty key means the
// variant carries no usable identity.
func VariantKey(v *domain.Variant) string {
	if v.IsEmpty() {
		return ""
	}
	declared := NormalizeAssembly(v.Assembly)

	if v.ReferenceName != "" {
		chrom := NormalizeChromosome(v.ReferenceName)
		assembly, ok := resolveAssembly(declared, AccessionAssembly(v.ReferenceName), chrom)
		if !ok {
			return ""
		}
		return assembly + ":" + coordinateKey(chrom, v.Start+1, v.ReferenceBases, v.AlternateBases)
	}

	c, err := Parse(v.HGVS)
	if err != nil {
		return strings.TrimSpace(v.HGVS)
	}
	if c.Level != LevelGenomic {
		return c.Original
	}
	assembly, ok := resolveAssembly(declared, c.Assembly, c.Chromosome)
	if !ok {
		return ""
	}
	return assembly + ":" + c.Key()
}

func resolveAssembly(declared, fromAccession, chrom string) (string, bool) {
	if chrom == "MT" && (fromAccession == AssemblyRCRS || declared != "") {
		return AssemblyRCRS, true
	}
	switch {
	case fromAccession == "" && declared == "":
		return "", false
	case fromAccession == "":
		return declared, true
	case declared != "" && declared != fromAccession:
		return "", false
	}
	return fromAccession, true
}

// Key returns the position of the parsed description on its chromosome,
// without the assembly
func (c *Components) Key() string {
	if c.Level != LevelGenomic {
		return c.Original
	}
	switch c.Kind {
	case "substitution":
		return coordinateKey(c.Chromosome, c.Start, c.RefSequence, c.AltSequence)
	case "insertion":
		return fmt.Sprintf("%s:%d-%d:ins%s", c.Chromosome, c.Start, c.End, strings.ToUpper(c.AltSequence))
	default:
		return fmt.Sprintf("%s:%d-%d:%s", c.Chromosome, c.Start, c.End, c.Kind)
	}
}

func coordinateKey(chrom string, pos int64, ref, alt string) string {
	return fmt.Sprintf("%s:%d:%s>%s", chrom, pos, strings.ToUpper(ref), strings.ToUpper(alt))
}
