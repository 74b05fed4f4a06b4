package domain

import (
	"reflect"
	"testing"
)

func result(patientID, nodeID string, score float64) MatchResult {
	return MatchResult{PatientID: patientID, Node: Node{ID: nodeID}, Score: Score{Patient: score}}
}

func unknown(patientID, nodeID string) MatchResult {
	return MatchResult{PatientID: patientID, Node: Node{ID: nodeID}, Score: UnknownScore()}
}

func ids(results []MatchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Node.ID + "/" + r.PatientID
	}
	return out
}

func TestSortResults(t *testing.T) {
	results := []MatchResult{
		unknown("p0", "b"),
		result("p2", "a", 0.5),
		result("p1", "b", 0.5),
		result("p1", "a", 0.5),
		result("p3", "a", 0.9),
		unknown("p0", "a"),
	}

	SortResults(results)
	want := []string{"a/p3", "a/p1", "b/p1", "a/p2", "a/p0", "b/p0"}
	if got := ids(results); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	SortResults(results)
	if got := ids(results); !reflect.DeepEqual(got, want) {
		t.Errorf("Sorting twice changed order: %v", got)
	}
}

func TestDedupeResults(t *testing.T) {
	results := []MatchResult{
		result("p1", "a", 0.4),
		result("p1", "a", 0.8),
		unknown("p2", "a"),
		result("p2", "a", 0.1),
		result("p1", "b", 0.3),
	}

	got := DedupeResults(results)
	if len(got) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(got))
	}
	if got[0].PatientID != "p1" || got[0].Node.ID != "a" || got[0].Score.Patient != 0.8 {
		t.Errorf("Expected highest duplicate to win, got %+v", got[0])
	}
	if got[2].PatientID != "p2" || got[2].Score.Unknown {
		t.Errorf("Expected known score to win over unknown, got %+v", got[2])
	}
}

func TestNodeOutcomeFailure(t *testing.T) {
	ok := NodeOutcome{Node: Node{ID: "a"}}
	if ok.Failed() || ok.Failure() != nil {
		t.Errorf("Expected success outcome")
	}

	failed := NodeOutcome{Node: Node{ID: "b", Label: "Node B"}, Err: NewNodeError("b", NodeTimeout, nil)}
	f := failed.Failure()
	if !failed.Failed() || f == nil {
		t.Fatalf("Expected failed outcome")
	}
	if f.Kind != NodeTimeout || f.NodeLabel != "Node B" {
		t.Errorf("Unexpected failure %+v", f)
	}
}

func TestGroupByType(t *testing.T) {
	records := []MatchRecord{
		{MatchOID: "3", MatchType: MatchTypeExternal},
		{MatchOID: "2", MatchType: MatchTypeInternal},
		{MatchOID: "1", MatchType: MatchTypeExternal},
	}

	grouped := GroupByType(records)
	if len(grouped[MatchTypeInternal]) != 1 {
		t.Errorf("Expected 1 internal record")
	}
	ext := grouped[MatchTypeExternal]
	if len(ext) != 2 || ext[0].MatchOID != "3" || ext[1].MatchOID != "1" {
		t.Errorf("Expected external records in input order, got %+v", ext)
	}
}
