package domain

import (
	"sort"
	"time"
)

// ScoreScale describes how a peer reports similarity
type ScoreScale string

const (
	ScoreScaleUnit    ScoreScale = "unit"    // already in [0,1]
	ScoreScalePercent ScoreScale = "percent" // 0-100
	ScoreScaleMax     ScoreScale = "max"     // 0-MaxScore
)

// IsValid reports whether the scale is supported
func (s ScoreScale) IsValid() bool {
	switch s {
	case ScoreScaleUnit, ScoreScalePercent, ScoreScaleMax:
		return true
	default:
		return false
	}
}

// Node is a federation peer, or the local pseudo-node for internal results
type Node struct {
	ID          string        `json:"id" mapstructure:"id"`
	Label       string        `json:"label" mapstructure:"label"`
	Endpoint    string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Token       string        `json:"-" mapstructure:"token"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	ScoreScale  ScoreScale    `json:"score_scale,omitempty" mapstructure:"score_scale"`
	MaxScore    float64       `json:"max_score,omitempty" mapstructure:"max_score"`
	RateLimit   float64       `json:"rate_limit,omitempty" mapstructure:"rate_limit"`
	ContentType string        `json:"-" mapstructure:"content_type"`
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	IsLocal     bool          `json:"is_local" mapstructure:"-"`
}

// ScoreBreakdown is the output of the similarity scorer
type ScoreBreakdown struct {
	Phenotype float64 `json:"phenotype"`
	Genotype  float64 `json:"genotype"`
	Patient   float64 `json:"patient"`
}

// Score is the canonical [0,1] score attached to a match result.
// Unknown is set when a peer score could not be mapped with confidence;
// Patient is then meaningless and must not be displayed as a number.
type Score struct {
	Patient   float64  `json:"patient"`
	Phenotype *float64 `json:"phenotype,omitempty"`
	Genotype  *float64 `json:"genotype,omitempty"`
	Unknown   bool     `json:"unknown,omitempty"`
}

// ScoreFromBreakdown converts a scorer breakdown into a known score
func ScoreFromBreakdown(b ScoreBreakdown) Score {
	phenotype, genotype := b.Phenotype, b.Genotype
	return Score{
		Patient:   b.Patient,
		Phenotype: &phenotype,
		Genotype:  &genotype,
	}
}

// UnknownScore returns a score flagged as unmappable
func UnknownScore() Score {
	return Score{Unknown: true}
}

// MatchResult is one matched patient from one node
type MatchResult struct {
	PatientID               string         `json:"patient_id"`
	Node                    Node           `json:"node"`
	Score                   Score          `json:"score"`
	MatchedPatient          PatientProfile `json:"matched_patient"`
	ContainsGenomicFeatures bool           `json:"contains_genomic_features"`
}

// MatchRecord is an immutable snapshot of the results of one query attempt
type MatchRecord struct {
	MatchOID             string        `json:"match_oid"`
	SubmissionPatientID  string        `json:"submission_patient_id"`
	MatchDate            time.Time     `json:"match_date"`
	Sequence             int64         `json:"sequence"`
	MatchType            MatchType     `json:"match_type"`
	Results              []MatchResult `json:"results"`
	NodeFailures         []NodeFailure `json:"node_failures,omitempty"`
}

// NodeFailure is the reported failure of one node within a federation query
type NodeFailure struct {
	NodeID    string          `json:"node_id"`
	NodeLabel string          `json:"node_label"`
	Kind      NodeFailureKind `json:"kind"`
	Message   string          `json:"message"`
}

// NodeOutcome is the result of querying one node: either results or a failure
type NodeOutcome struct {
	Node     Node          `json:"node"`
	Results  []MatchResult `json:"results,omitempty"`
	Err      *NodeError    `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the node contributed a failure instead of results
func (o NodeOutcome) Failed() bool {
	return o.Err != nil
}

// Failure converts the outcome error into its reportable form
func (o NodeOutcome) Failure() *NodeFailure {
	if o.Err == nil {
		return nil
	}
	return &NodeFailure{
		NodeID:    o.Node.ID,
		NodeLabel: o.Node.Label,
		Kind:      o.Err.Kind,
		Message:   o.Err.Error(),
	}
}

// lessResult orders by descending known score; unknown scores go last.
// Ties break on patient id then node id.
func lessResult(a, b MatchResult) bool {
	if a.Score.Unknown != b.Score.Unknown {
		return !a.Score.Unknown
	}
	if !a.Score.Unknown && a.Score.Patient != b.Score.Patient {
		return a.Score.Patient > b.Score.Patient
	}
	if a.PatientID != b.PatientID {
		return a.PatientID < b.PatientID
	}
	return a.Node.ID < b.Node.ID
}

// SortResults orders results deterministically. Sorting an already sorted
// slice leaves it unchanged.
func SortResults(results []MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return lessResult(results[i], results[j])
	})
}

// betterScore reports whether a should win over b when deduplicating
func betterScore(a, b Score) bool {
	if a.Unknown != b.Unknown {
		return !a.Unknown
	}
	return a.Patient > b.Patient
}

// DedupeResults keeps the highest-scored result for every (node, patient) pair
// and returns the survivors sorted.
func DedupeResults(results []MatchResult) []MatchResult {
	type key struct{ node, patient string }
	best := make(map[key]int, len(results))
	out := make([]MatchResult, 0, len(results))
	for _, r := range results {
		k := key{r.Node.ID, r.PatientID}
		if idx, ok := best[k]; ok {
			if betterScore(r.Score, out[idx].Score) {
				out[idx] = r
			}
			continue
		}
		best[k] = len(out)
		out = append(out, r)
	}
	SortResults(out)
	return out
}

// GroupByType splits a history into internal and external records, preserving order
func GroupByType(records []MatchRecord) map[MatchType][]MatchRecord {
	grouped := map[MatchType][]MatchRecord{
		MatchTypeInternal: {},
		MatchTypeExternal: {},
	}
	for _, r := range records {
		grouped[r.MatchType] = append(grouped[r.MatchType], r)
	}
	return grouped
}
