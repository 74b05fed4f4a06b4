package scoring

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/mme-matchmaker/internal/domain"
	"github.com/stretchr/testify/assert"
)

// chainOntology models HP:1 <- HP:2 <- HP:3 <- HP:4 <- HP:5 (parent <- child)
// plus an unrelated branch HP:9.
type chainOntology map[string]int

func (c chainOntology) Distance(a, b string) int {
	da, okA := c[a]
	db, okB := c[b]
	if !okA || !okB {
		return -1
	}
	if da > db {
		return da - db
	}
	return db - da
}

var chain = chainOntology{"HP:1": 1, "HP:2": 2, "HP:3": 3, "HP:4": 4, "HP:5": 5}

func features(ids ...string) []domain.Term {
	out := make([]domain.Term, len(ids))
	for i, id := range ids {
		out[i] = domain.Term{ID: id}
	}
	return out
}

func gene(symbol string, v *domain.Variant, z domain.Zygosity) domain.GenomicFeature {
	return domain.GenomicFeature{Gene: domain.Gene{Symbol: symbol}, Variant: v, Zygosity: z}
}

func TestPhenotype(t *testing.T) {
	s := NewScorer(chain, DefaultConfig())

	tests := []struct {
		name     string
		a, b     []string
		expected float64
	}{
		{"identical", []string{"HP:1", "HP:3"}, []string{"HP:1", "HP:3"}, 1},
		{"empty query", nil, []string{"HP:1"}, 0},
		{"empty candidate", []string{"HP:1"}, nil, 0},
		{"disjoint", []string{"HP:9"}, []string{"HP:8"}, 0},
		{"parent counts half", []string{"HP:2"}, []string{"HP:3"}, 0.5},
		{"grandparent counts a quarter", []string{"HP:2"}, []string{"HP:4"}, 0.25},
		{"beyond max distance", []string{"HP:1"}, []string{"HP:5"}, 0},
		{"partial overlap", []string{"HP:1", "HP:9"}, []string{"HP:1"}, 2.0 / 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, s.Phenotype(tt.a, tt.b), 1e-12)
		})
	}
}

func TestPhenotype_WithoutOntology(t *testing.T) {
	s := NewScorer(nil, DefaultConfig())
	assert.Equal(t, 0.0, s.Phenotype([]string{"HP:2"}, []string{"HP:3"}))
	assert.Equal(t, 1.0, s.Phenotype([]string{"HP:2"}, []string{"HP:2"}))
}

func TestGenotype(t *testing.T) {
	coord := &domain.Variant{Assembly: "GRCh38", ReferenceName: "17", Start: 43094691, ReferenceBases: "G", AlternateBases: "A"}
	hgvsForm := &domain.Variant{HGVS: "NC_000017.11:g.43094692G>A"}
	other := &domain.Variant{Assembly: "GRCh38", ReferenceName: "17", Start: 43094699, ReferenceBases: "C", AlternateBases: "T"}
	otherBuild := &domain.Variant{HGVS: "NC_000017.10:g.43094692G>A"}

	tests := []struct {
		name     string
		a, b     []domain.GenomicFeature
		expected float64
	}{
		{"no shared gene", []domain.GenomicFeature{gene("BRCA1", nil, 0)}, []domain.GenomicFeature{gene("TP53", nil, 0)}, 0},
		{"empty side", nil, []domain.GenomicFeature{gene("TP53", nil, 0)}, 0},
		{"gene only", []domain.GenomicFeature{gene("BRCA1", nil, 0)}, []domain.GenomicFeature{gene("brca1", nil, 0)}, 0.5},
		{"different variant", []domain.GenomicFeature{gene("BRCA1", coord, 0)}, []domain.GenomicFeature{gene("BRCA1", other, 0)}, 0.5},
		{"same variant in two notations", []domain.GenomicFeature{gene("BRCA1", coord, 0)}, []domain.GenomicFeature{gene("BRCA1", hgvsForm, 0)}, 0.8},
		{"same position on another build", []domain.GenomicFeature{gene("BRCA1", hgvsForm, 0)}, []domain.GenomicFeature{gene("BRCA1", otherBuild, 0)}, 0.5},
		{"same variant and zygosity", []domain.GenomicFeature{gene("BRCA1", coord, 1)}, []domain.GenomicFeature{gene("BRCA1", hgvsForm, 1)}, 1},
		{"unknown zygosity gives nothing", []domain.GenomicFeature{gene("BRCA1", nil, 0)}, []domain.GenomicFeature{gene("BRCA1", nil, 0)}, 0.5},
		{"zygosity mismatch", []domain.GenomicFeature{gene("BRCA1", nil, 1)}, []domain.GenomicFeature{gene("BRCA1", nil, 2)}, 0.5},
		{
			"divided by gene union",
			[]domain.GenomicFeature{gene("BRCA1", coord, 1), gene("TP53", nil, 0)},
			[]domain.GenomicFeature{gene("BRCA1", coord, 1)},
			0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Genotype(tt.a, tt.b), 1e-12)
		})
	}
}

// inheritanceTable is a gene inheritance lookup keyed by upper-case symbol
type inheritanceTable map[string][]domain.InheritanceModel

func (t inheritanceTable) GeneInheritance(gene string) []domain.InheritanceModel {
	return t[gene]
}

func TestGenotypeWithInheritance(t *testing.T) {
	table := inheritanceTable{
		"CFTR":  {domain.InheritanceAR},
		"SCN1A": {domain.InheritanceAD},
		"DMD":   {domain.InheritanceXR},
		"MECP2": {domain.InheritanceXD},
	}
	het, hom := domain.ZygosityHeterozygous, domain.ZygosityHomozygous

	tests := []struct {
		name     string
		a, b     []domain.GenomicFeature
		expected float64
	}{
		{"AR both homozygous", []domain.GenomicFeature{gene("CFTR", nil, hom)}, []domain.GenomicFeature{gene("cftr", nil, hom)}, 0.7},
		{"AR both heterozygous carriers", []domain.GenomicFeature{gene("CFTR", nil, het)}, []domain.GenomicFeature{gene("CFTR", nil, het)}, 0.5},
		{"AR homozygous and carrier", []domain.GenomicFeature{gene("CFTR", nil, hom)}, []domain.GenomicFeature{gene("CFTR", nil, het)}, 0.6},
		{
			"AR compound heterozygous",
			[]domain.GenomicFeature{gene("CFTR", nil, het), gene("CFTR", nil, het)},
			[]domain.GenomicFeature{gene("CFTR", nil, hom)},
			0.7,
		},
		{"AD both heterozygous", []domain.GenomicFeature{gene("SCN1A", nil, het)}, []domain.GenomicFeature{gene("SCN1A", nil, het)}, 0.7},
		{"AD homozygous does not fit", []domain.GenomicFeature{gene("SCN1A", nil, hom)}, []domain.GenomicFeature{gene("SCN1A", nil, het)}, 0.6},
		{"XR hemizygous", []domain.GenomicFeature{gene("DMD", nil, hom)}, []domain.GenomicFeature{gene("DMD", nil, hom)}, 0.7},
		{"XD any zygosity", []domain.GenomicFeature{gene("MECP2", nil, het)}, []domain.GenomicFeature{gene("MECP2", nil, hom)}, 0.7},
		{"unknown zygosity never fits", []domain.GenomicFeature{gene("CFTR", nil, 0)}, []domain.GenomicFeature{gene("CFTR", nil, hom)}, 0.6},
		{"gene without models compares zygosity", []domain.GenomicFeature{gene("BRCA1", nil, het)}, []domain.GenomicFeature{gene("BRCA1", nil, het)}, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, GenotypeWithInheritance(tt.a, tt.b, table), 1e-12)
			assert.InDelta(t, tt.expected, GenotypeWithInheritance(tt.b, tt.a, table), 1e-12, "symmetric")
		})
	}
}

// inheritanceOntology is an ontology that also knows gene inheritance
type inheritanceOntology struct {
	chainOntology
	inheritanceTable
}

func TestScore_UsesOntologyInheritance(t *testing.T) {
	ontology := inheritanceOntology{chain, inheritanceTable{"CFTR": {domain.InheritanceAR}}}
	a := &domain.PatientProfile{ID: "a", Features: features("HP:1"), GenomicFeatures: []domain.GenomicFeature{gene("CFTR", nil, domain.ZygosityHeterozygous)}}
	b := &domain.PatientProfile{ID: "b", Features: features("HP:1"), GenomicFeatures: []domain.GenomicFeature{gene("CFTR", nil, domain.ZygosityHeterozygous)}}

	withModels := NewScorer(ontology, DefaultConfig()).Score(a, b)
	without := NewScorer(chain, DefaultConfig()).Score(a, b)

	assert.InDelta(t, 0.5, withModels.Genotype, 1e-12, "two AR carriers earn no zygosity weight")
	assert.InDelta(t, 0.7, without.Genotype, 1e-12)
}

func TestInheritanceModel_Fits(t *testing.T) {
	het, hom := domain.ZygosityHeterozygous, domain.ZygosityHomozygous
	tests := []struct {
		model      domain.InheritanceModel
		zygosities []domain.Zygosity
		expected   bool
	}{
		{domain.InheritanceAR, []domain.Zygosity{hom}, true},
		{domain.InheritanceAR, []domain.Zygosity{het}, false},
		{domain.InheritanceAR, []domain.Zygosity{het, het}, true},
		{domain.InheritanceAD, []domain.Zygosity{het}, true},
		{domain.InheritanceAD, []domain.Zygosity{hom}, false},
		{domain.InheritanceXR, []domain.Zygosity{het}, false},
		{domain.InheritanceMT, []domain.Zygosity{hom}, true},
		{domain.InheritanceY, []domain.Zygosity{domain.ZygosityUnknown}, false},
		{domain.InheritanceModel("polygenic"), []domain.Zygosity{hom}, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %v", tt.model, tt.zygosities), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.model.Fits(tt.zygosities))
		})
	}
}

func TestScore_DisjointEvidenceIsZero(t *testing.T) {
	s := NewScorer(chain, DefaultConfig())
	a := &domain.PatientProfile{ID: "a", Features: features("HP:9"), GenomicFeatures: []domain.GenomicFeature{gene("BRCA1", nil, 1)}}
	b := &domain.PatientProfile{ID: "b", Features: features("HP:8"), GenomicFeatures: []domain.GenomicFeature{gene("TP53", nil, 1)}}

	got := s.Score(a, b)
	assert.Equal(t, 0.0, got.Phenotype)
	assert.Equal(t, 0.0, got.Genotype)
	assert.Equal(t, 0.0, got.Patient)
}

func TestScore_MissingGenotypeReducesToPhenotype(t *testing.T) {
	s := NewScorer(chain, DefaultConfig())
	query := &domain.PatientProfile{ID: "q", Features: features("HP:2", "HP:9")}

	candidates := []*domain.PatientProfile{
		{ID: "c1", Features: features("HP:3")},
		{ID: "c2", Features: features("HP:2", "HP:9"), GenomicFeatures: []domain.GenomicFeature{gene("BRCA1", nil, 1)}},
		{ID: "c3", Features: features("HP:7")},
	}

	for _, c := range candidates {
		got := s.Score(query, c)
		assert.Equal(t, got.Phenotype, got.Patient, "candidate %s", c.ID)
		assert.Equal(t, 0.0, got.Genotype)
	}
}

func TestScore_Combined(t *testing.T) {
	s := NewScorer(chain, DefaultConfig())
	v := &domain.Variant{Assembly: "GRCh38", HGVS: "chr17:g.43094692G>A"}
	a := &domain.PatientProfile{ID: "a", Features: features("HP:1"), GenomicFeatures: []domain.GenomicFeature{gene("BRCA1", v, 1)}}
	b := &domain.PatientProfile{ID: "b", Features: features("HP:1"), GenomicFeatures: []domain.GenomicFeature{gene("BRCA1", nil, 0)}}

	got := s.Score(a, b)
	assert.InDelta(t, 1.0, got.Phenotype, 1e-12)
	assert.InDelta(t, 0.5, got.Genotype, 1e-12)
	assert.InDelta(t, 0.7*1+0.3*0.5, got.Patient, 1e-12)

	// Variant identity raises the score.
	b.GenomicFeatures[0].Variant = v
	better := s.Score(a, b)
	assert.Greater(t, better.Patient, got.Patient)
}

func TestScore_IgnoresUnobservedFeatures(t *testing.T) {
	s := NewScorer(chain, DefaultConfig())
	a := &domain.PatientProfile{ID: "a", Features: []domain.Term{{ID: "HP:1", Observed: "no"}}}
	b := &domain.PatientProfile{ID: "b", Features: features("HP:1")}
	assert.Equal(t, 0.0, s.Score(a, b).Patient)
}

func TestScore_Symmetric(t *testing.T) {
	s := NewScorer(chain, DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	terms := []string{"HP:1", "HP:2", "HP:3", "HP:4", "HP:5", "HP:9"}
	genes := []string{"BRCA1", "TP53", "SCN1A"}

	random := func(id string) *domain.PatientProfile {
		p := &domain.PatientProfile{ID: id}
		for _, term := range terms {
			if rng.Intn(2) == 0 {
				p.Features = append(p.Features, domain.Term{ID: term})
			}
		}
		for _, g := range genes {
			if rng.Intn(3) == 0 {
				v := &domain.Variant{ReferenceName: "1", Start: int64(100 + rng.Intn(2)), ReferenceBases: "A", AlternateBases: "T"}
				p.GenomicFeatures = append(p.GenomicFeatures, gene(g, v, domain.Zygosity(rng.Intn(3))))
			}
		}
		return p
	}

	for i := 0; i < 200; i++ {
		a, b := random(fmt.Sprintf("a%d", i)), random(fmt.Sprintf("b%d", i))
		ab, ba := s.Score(a, b), s.Score(b, a)
		assert.Equal(t, ab, ba, "pair %d", i)
		assert.GreaterOrEqual(t, ab.Patient, 0.0)
		assert.LessOrEqual(t, ab.Patient, 1.0)
	}
}
