package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mme-matchmaker/internal/domain"
)

// MemoryStore is an in-process patient store and submission repository with
// the same candidate semantics as PatientRepository. Profiles are copied on
// the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]domain.Submission
	owner       map[string]string // patient id -> submission id
	expander    Expander
	maxDistance int
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store. expander may be nil.
func NewMemoryStore(expander Expander, maxDistance int) *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]domain.Submission),
		owner:       make(map[string]string),
		expander:    expander,
		maxDistance: maxDistance,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SaveSubmission creates or re-submits a case
func (m *MemoryStore) SaveSubmission(ctx context.Context, s *domain.Submission) error {
	if err := validateSubmission(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range s.Patients {
		if owner, ok := m.owner[p.ID]; ok && owner != s.ID {
			return fmt.Errorf("patient %s belongs to another submission: %w", p.ID, domain.ErrIntegrity)
		}
	}

	now := m.now()
	stored, exists := m.submissions[s.ID]
	if exists {
		for _, p := range stored.Patients {
			delete(m.owner, p.ID)
		}
		s.CreatedAt = stored.CreatedAt
		if now.Before(stored.UpdatedAt) {
			now = stored.UpdatedAt
		}
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	for i := range s.Patients {
		s.Patients[i].CaseID = s.CaseID
		m.owner[s.Patients[i].ID] = s.ID
	}

	cp, err := copySubmission(*s)
	if err != nil {
		return err
	}
	m.submissions[s.ID] = cp
	return nil
}

// GetSubmission returns a copy of a stored submission
func (m *MemoryStore) GetSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	cp, err := copySubmission(s)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListUpdatedSince returns submissions updated after since, oldest update first
func (m *MemoryStore) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Submission
	for _, s := range m.submissions {
		if !s.UpdatedAt.After(since) {
			continue
		}
		cp, err := copySubmission(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindCandidates returns patients sharing at least one phenotype closure term,
// disorder or gene with the query, one page at a time ordered by id.
func (m *MemoryStore) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.PatientProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("querying candidates: %w: %w", domain.ErrLocalStore, err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	excluded := toSet(q.ExcludeIDs)
	features := toSet(closure(m.expander, q.FeatureIDs, m.maxDistance))
	disorders := toSet(q.DisorderIDs)
	genes := toSet(q.GeneKeys)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.PatientProfile
	for _, s := range m.submissions {
		for _, p := range s.Patients {
			if _, skip := excluded[p.ID]; skip || p.ID <= q.AfterID {
				continue
			}
			if !overlaps(features, closure(m.expander, p.ObservedFeatureIDs(), m.maxDistance)) &&
				!overlaps(disorders, p.DisorderIDs()) &&
				!overlaps(genes, p.GeneKeys()) {
				continue
			}
			cp, err := copyProfile(p)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func overlaps(set map[string]struct{}, ids []string) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// copyProfile deep-copies a profile through its JSON form, the same form
// PatientRepository stores.
func copyProfile(p domain.PatientProfile) (domain.PatientProfile, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return domain.PatientProfile{}, fmt.Errorf("encoding patient %s: %w", p.ID, err)
	}
	var out domain.PatientProfile
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.PatientProfile{}, fmt.Errorf("decoding patient %s: %w", p.ID, err)
	}
	return out, nil
}

func copySubmission(s domain.Submission) (domain.Submission, error) {
	patients := make([]domain.PatientProfile, len(s.Patients))
	for i, p := range s.Patients {
		cp, err := copyProfile(p)
		if err != nil {
			return domain.Submission{}, err
		}
		patients[i] = cp
	}
	s.Patients = patients
	return s, nil
}
