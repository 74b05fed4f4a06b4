// Package matching finds similar patients in the local patient store.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/internal/scoring"
)

// Matcher is the internal matcher. Results are tagged with the local pseudo-node.
type Matcher struct {
	store    domain.PatientStore
	scorer   *scoring.Scorer
	registry domain.NodeRegistry
	minScore float64
	pageSize int
	log      *logrus.Logger
}

// NewMatcher creates an internal matcher
func NewMatcher(store domain.PatientStore, scorer *scoring.Scorer, registry domain.NodeRegistry, cfg domain.MatchingConfig, logger *logrus.Logger) *Matcher {
	return &Matcher{
		store:    store,
		scorer:   scorer,
		registry: registry,
		minScore: cfg.MinScore,
		pageSize: cfg.CandidatePageSize,
		log:      logger,
	}
}

// Find pages through every candidate the store preselects for query, scores
// each one and returns those scoring at least the minimum, best first. The
// query patient, the ids in exclude and patients of the same case never
// match. Store failures are returned wrapped in ErrLocalStore.
func (m *Matcher) Find(ctx context.Context, query domain.PatientProfile, exclude map[string]struct{}) ([]domain.MatchResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	excluded := make(map[string]struct{}, len(exclude)+1)
	for id := range exclude {
		excluded[id] = struct{}{}
	}
	excluded[query.ID] = struct{}{}

	excludeIDs := make([]string, 0, len(excluded))
	for id := range excluded {
		excludeIDs = append(excludeIDs, id)
	}
	sort.Strings(excludeIDs)

	local := m.registry.LocalNode()
	var results []domain.MatchResult
	q := domain.CandidateQuery{
		FeatureIDs:  query.ObservedFeatureIDs(),
		DisorderIDs: query.DisorderIDs(),
		GeneKeys:    query.GeneKeys(),
		ExcludeIDs:  excludeIDs,
		Limit:       m.pageSize,
	}
	scored, pages := 0, 0
	for {
		page, err := m.store.FindCandidates(ctx, q)
		if err != nil {
			if !errors.Is(err, domain.ErrLocalStore) {
				err = fmt.Errorf("%w: %w", domain.ErrLocalStore, err)
			}
			m.log.WithFields(logrus.Fields{
				"patient_id": query.ID,
				"page":       pages,
				"error":      err,
			}).Error("Local patient store query failed")
			return nil, err
		}
		pages++
		scored += len(page)

		for i := range page {
			c := &page[i]
			if r, ok := m.score(&query, c, excluded, local); ok {
				results = append(results, r)
			}
		}

		if len(page) == 0 || (m.pageSize > 0 && len(page) < m.pageSize) {
			break
		}
		last := page[len(page)-1].ID
		if last <= q.AfterID {
			break
		}
		q.AfterID = last
	}
	if results == nil {
		results = []domain.MatchResult{}
	}
	domain.SortResults(results)

	m.log.WithFields(logrus.Fields{
		"patient_id":      query.ID,
		"candidate_count": scored,
		"pages":           pages,
		"result_count":    len(results),
		"duration_ms":     time.Since(start).Milliseconds(),
	}).Info("Internal matching completed")

	return results, nil
}

func (m *Matcher) score(query, c *domain.PatientProfile, excluded map[string]struct{}, local domain.Node) (domain.MatchResult, bool) {
	if _, skip := excluded[c.ID]; skip {
		return domain.MatchResult{}, false
	}
	if query.CaseID != "" && c.CaseID == query.CaseID {
		return domain.MatchResult{}, false
	}

	breakdown := m.scorer.Score(query, c)
	if breakdown.Patient < m.minScore {
		return domain.MatchResult{}, false
	}

	m.log.WithFields(logrus.Fields{
		"patient_id":   query.ID,
		"candidate_id": c.ID,
		"score":        breakdown.Patient,
	}).Debug("Candidate scored")

	return domain.MatchResult{
		PatientID:               c.ID,
		Node:                    local,
		Score:                   domain.ScoreFromBreakdown(breakdown),
		MatchedPatient:          *c,
		ContainsGenomicFeatures: c.HasGenomicEvidence(),
	}, true
}
