package federation

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/mme-matchmaker/internal/domain"
)

// Normalize maps a peer score onto [0,1] using the node's declared scale.
// Anything that cannot be mapped with confidence becomes an unknown score:
// missing or non-numeric values, NaN and infinities, values outside the
// declared range, and nodes whose scale is unusable.
func Normalize(node domain.Node, raw RawScore) domain.Score {
	patient, ok := mapValue(node, raw.Patient)
	if !ok {
		return domain.UnknownScore()
	}

	score := domain.Score{Patient: patient}
	if v, ok := mapValue(node, raw.Phenotype); ok {
		score.Phenotype = &v
	}
	if v, ok := mapValue(node, raw.Genotype); ok {
		score.Genotype = &v
	}
	return score
}

func mapValue(node domain.Node, raw json.RawMessage) (float64, bool) {
	v, ok := parseNumber(raw)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}

	var max float64
	switch node.ScoreScale {
	case domain.ScoreScaleUnit, "":
		max = 1
	case domain.ScoreScalePercent:
		max = 100
	case domain.ScoreScaleMax:
		max = node.MaxScore
	default:
		return 0, false
	}
	if max <= 0 || math.IsNaN(max) || math.IsInf(max, 0) || v > max {
		return 0, false
	}
	return v / max, true
}

// parseNumber accepts a JSON number or a string holding one
func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		f, err := n.Float64()
		return f, err == nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
