// Package federation queries Matchmaker Exchange peers and maps their
// answers onto local match results.
package federation

import (
	"encoding/json"
	"strconv"

	"github.com/mme-matchmaker/internal/domain"
)

// ContentType is the MME API v1.0 media type used when a node sets none
const ContentType = "application/vnd.ga4gh.matchmaker.v1.0+json"

// AuthHeader carries the shared secret between peers
const AuthHeader = "X-Auth-Token"

// MatchRequest is the body of POST /match
type MatchRequest struct {
	Patient domain.PatientProfile `json:"patient"`
}

// MatchResponse is the body a peer returns
type MatchResponse struct {
	Results []ResultEntry `json:"results"`
}

// ResultEntry is one matched patient as reported by a peer
type ResultEntry struct {
	Score   RawScore              `json:"score"`
	Patient domain.PatientProfile `json:"patient"`
}

// RawScore keeps peer scores undecoded: peers disagree on whether a score is
// a number, a numeric string or missing, and on its scale.
type RawScore struct {
	Patient   json.RawMessage `json:"patient,omitempty"`
	Phenotype json.RawMessage `json:"_phenotype,omitempty"`
	Genotype  json.RawMessage `json:"_genotype,omitempty"`
}

// NewMatchRequest builds the outbound request. Case identifiers stay local.
func NewMatchRequest(p domain.PatientProfile) MatchRequest {
	p.CaseID = ""
	return MatchRequest{Patient: p}
}

// NewResultEntry renders a local result in the form peers expect
func NewResultEntry(r domain.MatchResult) ResultEntry {
	entry := ResultEntry{Patient: r.MatchedPatient}
	entry.Patient.CaseID = ""
	if r.Score.Unknown {
		return entry
	}
	entry.Score.Patient = number(r.Score.Patient)
	if r.Score.Phenotype != nil {
		entry.Score.Phenotype = number(*r.Score.Phenotype)
	}
	if r.Score.Genotype != nil {
		entry.Score.Genotype = number(*r.Score.Genotype)
	}
	return entry
}

// NewMatchResponse renders local results for an inbound peer query
func NewMatchResponse(results []domain.MatchResult) MatchResponse {
	resp := MatchResponse{Results: make([]ResultEntry, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, NewResultEntry(r))
	}
	return resp
}

func number(v float64) json.RawMessage {
	return json.RawMessage(strconv.FormatFloat(v, 'f', -1, 64))
}
