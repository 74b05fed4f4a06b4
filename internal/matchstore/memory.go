package matchstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mme-matchmaker/internal/domain"
)

// MemoryStore keeps match history in process memory. It is used by tests and
// single-node development setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]domain.MatchRecord // by patient, oldest first
	oids    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory match store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]domain.MatchRecord),
		oids:    make(map[string]struct{}),
	}
}

// Append persists one record
func (s *MemoryStore) Append(ctx context.Context, rec domain.MatchRecord) (domain.MatchRecord, error) {
	out, err := s.AppendBatch(ctx, []domain.MatchRecord{rec})
	if err != nil {
		return domain.MatchRecord{}, err
	}
	return out[0], nil
}

// AppendBatch persists all records or none
func (s *MemoryStore) AppendBatch(ctx context.Context, records []domain.MatchRecord) ([]domain.MatchRecord, error) {
	if err := validateBatch(records); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if _, dup := s.oids[rec.MatchOID]; dup {
			return nil, fmt.Errorf("match_oid %s already stored: %w", rec.MatchOID, domain.ErrIntegrity)
		}
	}

	pending := make(map[string][]domain.MatchRecord)
	out := make([]domain.MatchRecord, len(records))
	for i, rec := range records {
		id := rec.SubmissionPatientID
		history := s.records[id]
		if p := pending[id]; len(p) > 0 {
			history = p
		}

		var lastDate time.Time
		var lastSeq int64
		if n := len(history); n > 0 {
			lastDate, lastSeq = history[n-1].MatchDate, history[n-1].Sequence
		}

		stamped := stamp(cloneRecord(rec), lastDate, lastSeq)
		if pending[id] == nil {
			pending[id] = append([]domain.MatchRecord(nil), s.records[id]...)
		}
		pending[id] = append(pending[id], stamped)
		out[i] = stamped
	}

	for id, history := range pending {
		s.records[id] = history
	}
	for _, rec := range out {
		s.oids[rec.MatchOID] = struct{}{}
	}
	return out, nil
}

// History returns all records for a patient, most recent first
func (s *MemoryStore) History(ctx context.Context, submissionPatientID string) ([]domain.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.records[submissionPatientID]
	out := make([]domain.MatchRecord, 0, len(stored))
	for _, rec := range stored {
		out = append(out, cloneRecord(rec))
	}
	sortHistory(out)
	return out, nil
}

// LatestMatchDate returns the newest match_date for a patient
func (s *MemoryStore) LatestMatchDate(ctx context.Context, submissionPatientID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.records[submissionPatientID]
	if len(stored) == 0 {
		return time.Time{}, nil
	}
	return stored[len(stored)-1].MatchDate, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
