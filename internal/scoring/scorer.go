// Package scoring computes the similarity of two patient profiles from their
// phenotype and genotype evidence.
package scoring

import (
	"math"
	"sort"
	"strings"

	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/pkg/hgvs"
)

// Genotype weights per shared gene. They add up to 1.
const (
	geneWeight     = 0.5
	variantWeight  = 0.3
	zygosityWeight = 0.2
)

// Config holds the fixed weights of the scorer
type Config struct {
	// PhenotypeWeight is the share of the patient score taken by the phenotype
	// score when both sides carry genomic evidence. The rest is genotype.
	PhenotypeWeight float64
	// MaxDistance is the furthest ancestor/descendant relation that still counts.
	MaxDistance int
	// Decay is the weight lost per ontology step: a match at distance d counts Decay^d.
	Decay float64
}

// DefaultConfig returns the weights used when nothing is configured
func DefaultConfig() Config {
	return Config{PhenotypeWeight: 0.7, MaxDistance: 3, Decay: 0.5}
}

// ConfigFromDomain maps matching settings onto scorer weights
func ConfigFromDomain(m domain.MatchingConfig) Config {
	return Config{
		PhenotypeWeight: m.PhenotypeWeight,
		MaxDistance:     m.MaxOntologyDistance,
		Decay:           m.DistanceDecay,
	}
}

// Scorer is a pure similarity function. It is safe for concurrent use.
type Scorer struct {
	ontology    domain.Ontology
	inheritance domain.InheritanceLookup
	cfg         Config
}

// NewScorer creates a scorer. A nil ontology restricts phenotype matching to
// identical terms. When the ontology also knows gene inheritance models,
// zygosity is weighed against them.
func NewScorer(ontology domain.Ontology, cfg Config) *Scorer {
	s := &Scorer{ontology: ontology, cfg: cfg}
	if lookup, ok := ontology.(domain.InheritanceLookup); ok {
		s.inheritance = lookup
	}
	return s
}

// Score compares query with candidate. Swapping the arguments yields the same result.
func (s *Scorer) Score(query, candidate *domain.PatientProfile) domain.ScoreBreakdown {
	pheno := s.Phenotype(query.ObservedFeatureIDs(), candidate.ObservedFeatureIDs())

	if !query.HasGenomicEvidence() || !candidate.HasGenomicEvidence() {
		return domain.ScoreBreakdown{Phenotype: pheno, Genotype: 0, Patient: pheno}
	}

	geno := GenotypeWithInheritance(query.GenomicFeatures, candidate.GenomicFeatures, s.inheritance)
	patient := clip(s.cfg.PhenotypeWeight*pheno + (1-s.cfg.PhenotypeWeight)*geno)
	return domain.ScoreBreakdown{Phenotype: pheno, Genotype: geno, Patient: patient}
}

// Phenotype returns the symmetric best-match average of two sorted term sets:
// every term is paired with its closest term on the other side and the
// similarities are averaged over both sides. Empty sets score 0.
func (s *Scorer) Phenotype(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	total := s.bestMatchSum(a, b) + s.bestMatchSum(b, a)
	return clip(total / float64(len(a)+len(b)))
}

// bestMatchSum sums best(t, other) over from, in the order given
func (s *Scorer) bestMatchSum(from, other []string) float64 {
	var sum float64
	for _, t := range from {
		best := 0.0
		for _, o := range other {
			if sim := s.termSimilarity(t, o); sim > best {
				best = sim
				if best == 1 {
					break
				}
			}
		}
		sum += best
	}
	return sum
}

func (s *Scorer) termSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if s.ontology == nil {
		return 0
	}
	d := s.ontology.Distance(a, b)
	if d <= 0 || d > s.cfg.MaxDistance {
		return 0
	}
	return math.Pow(s.cfg.Decay, float64(d))
}

// Genotype scores shared genes. Each shared gene earns a base weight, more when
// the same variant is reported and more again when both sides report the same
// known zygosity. The sum is divided by the number of distinct genes on
// either side.
func Genotype(a, b []domain.GenomicFeature) float64 {
	return GenotypeWithInheritance(a, b, nil)
}

// GenotypeWithInheritance is Genotype with the zygosity weight driven by the
// inheritance models expected for each shared gene: each side whose calls
// fit one of the models earns half of the weight. Genes without known models
// fall back to comparing zygosity directly.
func GenotypeWithInheritance(a, b []domain.GenomicFeature, lookup domain.InheritanceLookup) float64 {
	byGeneA := groupByGene(a)
	byGeneB := groupByGene(b)
	if len(byGeneA) == 0 || len(byGeneB) == 0 {
		return 0
	}

	union := len(byGeneA)
	for g := range byGeneB {
		if _, ok := byGeneA[g]; !ok {
			union++
		}
	}

	var sum float64
	for _, g := range sortedKeys(byGeneA) {
		cb, ok := byGeneB[g]
		if !ok {
			continue
		}
		ca := byGeneA[g]
		sum += bestGeneMatch(ca, cb, inheritanceOf(lookup, g, ca.symbol, cb.symbol))
	}
	return clip(sum / float64(union))
}

type keyedFeature struct {
	variantKey string
	zygosity   domain.Zygosity
}

// geneCalls are the calls one patient reports in one gene
type geneCalls struct {
	symbol   string
	features []keyedFeature
}

func (c geneCalls) fits(models []domain.InheritanceModel) bool {
	zygosities := make([]domain.Zygosity, len(c.features))
	for i, f := range c.features {
		zygosities[i] = f.zygosity
	}
	for _, m := range models {
		if m.Fits(zygosities) {
			return true
		}
	}
	return false
}

func groupByGene(features []domain.GenomicFeature) map[string]geneCalls {
	out := make(map[string]geneCalls)
	for _, f := range features {
		g := f.Gene.Key()
		if g == "" {
			continue
		}
		calls := out[g]
		if calls.symbol == "" {
			calls.symbol = strings.ToUpper(strings.TrimSpace(f.Gene.Symbol))
		}
		calls.features = append(calls.features, keyedFeature{variantKey: hgvs.VariantKey(f.Variant), zygosity: f.Zygosity})
		out[g] = calls
	}
	return out
}

// inheritanceOf looks the gene up by key, then by either side's symbol
func inheritanceOf(lookup domain.InheritanceLookup, key string, symbols ...string) []domain.InheritanceModel {
	if lookup == nil {
		return nil
	}
	if models := lookup.GeneInheritance(key); len(models) > 0 {
		return models
	}
	for _, s := range symbols {
		if s == "" || s == key {
			continue
		}
		if models := lookup.GeneInheritance(s); len(models) > 0 {
			return models
		}
	}
	return nil
}

func bestGeneMatch(a, b geneCalls, models []domain.InheritanceModel) float64 {
	best := 0.0
	for _, fa := range a.features {
		for _, fb := range b.features {
			score := geneWeight
			if fa.variantKey != "" && fa.variantKey == fb.variantKey {
				score += variantWeight
			}
			if len(models) == 0 && fa.zygosity.Known() && fa.zygosity == fb.zygosity {
				score += zygosityWeight
			}
			if score > best {
				best = score
			}
		}
	}

	if len(models) > 0 {
		if a.fits(models) {
			best += zygosityWeight / 2
		}
		if b.fits(models) {
			best += zygosityWeight / 2
		}
	}
	return best
}

func clip(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
