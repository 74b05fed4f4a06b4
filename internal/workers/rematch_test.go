package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/internal/logging"
	"github.com/mme-matchmaker/internal/matchstore"
	"github.com/mme-matchmaker/internal/repository"
)

// recordingRunner stores one internal record per patient, dated just after
// the submission update, and remembers which submissions it ran
type recordingRunner struct {
	store domain.MatchStore
	fail  map[string]bool

	mu   sync.Mutex
	runs []string
}

func (r *recordingRunner) RunSubmission(ctx context.Context, s *domain.Submission) ([]*aggregator.Outcome, error) {
	r.mu.Lock()
	r.runs = append(r.runs, s.ID)
	r.mu.Unlock()

	if r.fail[s.ID] {
		return nil, &domain.AggregationError{PatientID: s.Patients[0].ID, InternalErr: domain.ErrLocalStore}
	}
	for _, p := range s.Patients {
		_, err := r.store.Append(ctx, domain.MatchRecord{
			MatchOID:            uuid.NewString(),
			SubmissionPatientID: p.ID,
			MatchDate:           s.UpdatedAt.Add(time.Microsecond),
			MatchType:           domain.MatchTypeInternal,
			Results:             []domain.MatchResult{},
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *recordingRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func submission(id string, patients ...string) *domain.Submission {
	s := &domain.Submission{ID: id, CaseID: "case-" + id}
	for _, p := range patients {
		s.Patients = append(s.Patients, domain.PatientProfile{ID: p, Features: []domain.Term{{ID: "HP:0001250"}}})
	}
	return s
}

type fixture struct {
	repo   *repository.MemoryStore
	store  *matchstore.MemoryStore
	runner *recordingRunner
}

func newFixture(t *testing.T, subs ...*domain.Submission) *fixture {
	t.Helper()
	f := &fixture{
		repo:  repository.NewMemoryStore(nil, 0),
		store: matchstore.NewMemoryStore(),
	}
	f.runner = &recordingRunner{store: f.store, fail: map[string]bool{}}
	for _, s := range subs {
		require.NoError(t, f.repo.SaveSubmission(context.Background(), s))
		// distinct update times keep paging deterministic
		time.Sleep(time.Millisecond)
	}
	return f
}

func (f *fixture) worker(cfg domain.RematchConfig) *RematchWorker {
	return NewRematchWorker(f.repo, f.store, f.runner, cfg, logging.Quiet())
}

func TestRunOnce_ResubmitsOnlyStaleSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submission("s1", "p1", "p2"), submission("s2", "p3"))
	w := f.worker(domain.RematchConfig{BatchSize: 10})

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "never matched")
	assert.ElementsMatch(t, []string{"s1", "s2"}, f.runner.ran())

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "matched after their last update")

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.repo.SaveSubmission(ctx, submission("s1", "p1", "p2")))

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	runs := f.runner.ran()
	assert.Equal(t, "s1", runs[len(runs)-1])
}

func TestRunOnce_PatientAddedToMatchedSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submission("s1", "p1"))
	w := f.worker(domain.RematchConfig{})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	// p1 keeps its match history, p2 has none
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.repo.SaveSubmission(ctx, submission("s1", "p1", "p2")))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnce_StaleWindow(t *testing.T) {
	f := newFixture(t, submission("s1", "p1"))
	w := f.worker(domain.RematchConfig{StaleAfter: time.Hour})
	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "updates older than the window are left alone")
	assert.Empty(t, f.runner.ran())
}

func TestRunOnce_Pages(t *testing.T) {
	f := newFixture(t, submission("s1", "p1"), submission("s2", "p2"), submission("s3", "p3"))
	w := f.worker(domain.RematchConfig{BatchSize: 1})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.runner.ran())
}

func TestRunOnce_FailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, submission("s1", "p1"), submission("s2", "p2"))
	f.runner.fail["s1"] = true
	w := f.worker(domain.RematchConfig{})

	n, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAggregationFailure)
	assert.Contains(t, err.Error(), "s1")
	assert.Equal(t, 2, n)

	// the failed submission is retried on the next run
	f.runner.fail["s1"] = false
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type brokenRepo struct {
	domain.SubmissionRepository
}

func (brokenRepo) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Submission, error) {
	return nil, errors.New("connection reset")
}

func TestRunOnce_ListError(t *testing.T) {
	w := NewRematchWorker(brokenRepo{}, matchstore.NewMemoryStore(), &recordingRunner{}, domain.RematchConfig{}, logging.Quiet())
	_, err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, submission("s1", "p1"))

	t.Run("disabled", func(t *testing.T) {
		w := f.worker(domain.RematchConfig{Enabled: false, Interval: time.Millisecond})
		require.NoError(t, w.Start(context.Background()))
		assert.NoError(t, w.Stop())
		assert.Empty(t, f.runner.ran())
	})

	t.Run("invalid interval", func(t *testing.T) {
		w := f.worker(domain.RematchConfig{Enabled: true})
		assert.Error(t, w.Start(context.Background()))
	})

	t.Run("scheduled", func(t *testing.T) {
		w := f.worker(domain.RematchConfig{Enabled: true, Interval: 20 * time.Millisecond})
		require.NoError(t, w.Start(context.Background()))
		defer func() { assert.NoError(t, w.Stop()) }()

		assert.Eventually(t, func() bool {
			return len(f.runner.ran()) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}
