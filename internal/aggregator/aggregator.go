// Package aggregator runs one match cycle for a submitted patient: the local
// matcher and the federation fan-out run side by side and their results are
// persisted as two separate match records.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
)

// Outcome is what one cycle produced. A nil record means that branch
// contributed nothing: it failed, or for the external branch, no peers are
// configured. NodeFailures lists every failed peer even when the external
// branch as a whole failed.
type Outcome struct {
	PatientID    string               `json:"patient_id"`
	Internal     *domain.MatchRecord  `json:"internal,omitempty"`
	External     *domain.MatchRecord  `json:"external,omitempty"`
	InternalErr  error                `json:"-"`
	ExternalErr  error                `json:"-"`
	NodeFailures []domain.NodeFailure `json:"node_failures,omitempty"`
}

// Records returns the persisted records, internal first
func (o *Outcome) Records() []domain.MatchRecord {
	var records []domain.MatchRecord
	if o.Internal != nil {
		records = append(records, *o.Internal)
	}
	if o.External != nil {
		records = append(records, *o.External)
	}
	return records
}

// Aggregator coordinates the internal and external branches of a match cycle
type Aggregator struct {
	matcher  domain.Matcher
	client   domain.FederationClient
	registry domain.NodeRegistry
	store    domain.MatchStore
	now      func() time.Time
	log      *logrus.Logger
}

// New creates an aggregator
func New(matcher domain.Matcher, client domain.FederationClient, registry domain.NodeRegistry, store domain.MatchStore, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		matcher:  matcher,
		client:   client,
		registry: registry,
		store:    store,
		now:      time.Now,
		log:      logger,
	}
}

type internalBranch struct {
	results []domain.MatchResult
	err     error
}

type externalBranch struct {
	results  []domain.MatchResult
	failures []domain.NodeFailure
	queried  bool
	err      error
}

// Run executes one match cycle for patient. Both branches always finish before
// Run returns. If at least one branch produced a record, all records are
// appended in one batch and the outcome carries the other branch's error, if
// any. If neither did, Run returns an *AggregationError and writes nothing.
// A cancelled ctx also writes nothing.
func (a *Aggregator) Run(ctx context.Context, patient domain.PatientProfile, exclude map[string]struct{}) (*Outcome, error) {
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	// one registry read per cycle; later reloads do not affect this run
	nodes := a.registry.ListActiveNodes()

	var (
		wg       sync.WaitGroup
		internal internalBranch
		external externalBranch
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		internal.results, internal.err = a.matcher.Find(ctx, patient, exclude)
	}()
	go func() {
		defer wg.Done()
		external = a.queryPeers(ctx, patient, nodes)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		a.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      err,
		}).Warn("Match cycle cancelled, nothing persisted")
		return nil, fmt.Errorf("match cycle for %s: %w", patient.ID, err)
	}

	outcome := &Outcome{
		PatientID:    patient.ID,
		InternalErr:  internal.err,
		ExternalErr:  external.err,
		NodeFailures: external.failures,
	}

	var pending []domain.MatchRecord
	if internal.err == nil {
		rec, err := a.newRecord(patient.ID, domain.MatchTypeInternal, internal.results, nil)
		if err != nil {
			return nil, err
		}
		pending = append(pending, rec)
	}
	if external.err == nil && external.queried {
		rec, err := a.newRecord(patient.ID, domain.MatchTypeExternal, external.results, external.failures)
		if err != nil {
			return nil, err
		}
		pending = append(pending, rec)
	}

	if len(pending) == 0 {
		aggErr := &domain.AggregationError{
			PatientID:   patient.ID,
			InternalErr: internal.err,
			ExternalErr: external.err,
		}
		a.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      aggErr,
		}).Error("Match cycle produced no usable record")
		return outcome, aggErr
	}

	saved, err := a.store.AppendBatch(ctx, pending)
	if err != nil {
		a.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      err,
		}).Error("Failed to persist match records")
		return nil, fmt.Errorf("persisting match records for %s: %w", patient.ID, err)
	}

	for i := range saved {
		rec := saved[i]
		switch rec.MatchType {
		case domain.MatchTypeInternal:
			outcome.Internal = &rec
		case domain.MatchTypeExternal:
			outcome.External = &rec
		}
	}

	fields := logrus.Fields{
		"patient_id":    patient.ID,
		"node_count":    len(nodes),
		"node_failures": len(external.failures),
		"duration_ms":   time.Since(start).Milliseconds(),
	}
	if outcome.Internal != nil {
		fields["internal_results"] = len(outcome.Internal.Results)
	}
	if outcome.External != nil {
		fields["external_results"] = len(outcome.External.Results)
	}
	if internal.err != nil {
		fields["internal_error"] = internal.err
	}
	if external.err != nil {
		fields["external_error"] = external.err
	}
	a.log.WithFields(fields).Info("Match cycle completed")

	return outcome, nil
}

// queryPeers runs the external branch. It fails only when peers were queried
// and none of them answered.
func (a *Aggregator) queryPeers(ctx context.Context, patient domain.PatientProfile, nodes []domain.Node) externalBranch {
	if len(nodes) == 0 {
		return externalBranch{}
	}

	outcomes, err := a.client.QueryAll(ctx, patient, nodes)
	branch := externalBranch{queried: true}
	if err != nil {
		branch.err = fmt.Errorf("querying federation: %w", err)
		return branch
	}

	var nodeErrs []error
	answered := 0
	for _, o := range outcomes {
		if o.Failed() {
			branch.failures = append(branch.failures, *o.Failure())
			nodeErrs = append(nodeErrs, o.Err)
			continue
		}
		answered++
		branch.results = append(branch.results, o.Results...)
	}

	if answered == 0 {
		branch.err = fmt.Errorf("all %d federation nodes failed: %w", len(outcomes), errors.Join(nodeErrs...))
		return branch
	}
	branch.results = domain.DedupeResults(branch.results)
	return branch
}

// newRecord builds a record with a fresh time-ordered oid. The date is
// provisional; the store moves it forward if needed.
func (a *Aggregator) newRecord(patientID string, typ domain.MatchType, results []domain.MatchResult, failures []domain.NodeFailure) (domain.MatchRecord, error) {
	if results == nil {
		results = []domain.MatchResult{}
	}
	domain.SortResults(results)

	oid, err := uuid.NewV7()
	if err != nil {
		return domain.MatchRecord{}, fmt.Errorf("generating match oid: %w", err)
	}

	return domain.MatchRecord{
		MatchOID:            oid.String(),
		SubmissionPatientID: patientID,
		MatchDate:           a.now().UTC(),
		MatchType:           typ,
		Results:             results,
		NodeFailures:        failures,
	}, nil
}

// RunSubmission runs a cycle for every patient of s. Patients of the same
// submission never match each other. A failed patient does not stop the
// others; the first error is returned after all patients ran.
func (a *Aggregator) RunSubmission(ctx context.Context, s *domain.Submission) ([]*Outcome, error) {
	exclude := s.PatientIDs()

	outcomes := make([]*Outcome, 0, len(s.Patients))
	var firstErr error
	for _, p := range s.Patients {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := a.Run(ctx, p, exclude)
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return outcomes, firstErr
}
