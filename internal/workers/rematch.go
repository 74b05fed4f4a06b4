// Package workers runs the background jobs of the matchmaker.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/domain"
)

const defaultBatchSize = 100

// Runner runs match cycles for a submission
type Runner interface {
	RunSubmission(ctx context.Context, s *domain.Submission) ([]*aggregator.Outcome, error)
}

// RematchWorker periodically resubmits cases that changed since they were
// last matched. This is the only place failed or outdated matches are retried.
type RematchWorker struct {
	submissions domain.SubmissionRepository
	store       domain.MatchStore
	runner      Runner
	cfg         domain.RematchConfig
	now         func() time.Time
	log         *logrus.Logger

	scheduler gocron.Scheduler
}

// NewRematchWorker creates a worker; call Start to schedule it
func NewRematchWorker(submissions domain.SubmissionRepository, store domain.MatchStore, runner Runner, cfg domain.RematchConfig, logger *logrus.Logger) *RematchWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &RematchWorker{
		submissions: submissions,
		store:       store,
		runner:      runner,
		cfg:         cfg,
		now:         time.Now,
		log:         logger,
	}
}

// Start schedules RunOnce every configured interval. A run still in progress
// when the next one is due causes that tick to be skipped. ctx bounds every run.
func (w *RematchWorker) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.log.Info("Rematch worker disabled")
		return nil
	}
	if w.cfg.Interval <= 0 {
		return fmt.Errorf("rematch interval must be positive, got %s", w.cfg.Interval)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(w.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.WithError(err).Error("Rematch run failed")
			}
		}),
		gocron.WithName("rematch"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("scheduling rematch job: %w", err)
	}

	w.scheduler = sched
	sched.Start()

	w.log.WithFields(logrus.Fields{
		"interval":    w.cfg.Interval.String(),
		"stale_after": w.cfg.StaleAfter.String(),
		"batch_size":  w.cfg.BatchSize,
	}).Info("Rematch worker started")
	return nil
}

// Stop waits for a running job and stops the scheduler
func (w *RematchWorker) Stop() error {
	if w.scheduler == nil {
		return nil
	}
	return w.scheduler.Shutdown()
}

// RunOnce resubmits every submission updated within the stale_after window
// that has a patient never matched, or matched before its last update.
// It returns how many submissions were resubmitted.
func (w *RematchWorker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	var since time.Time
	if w.cfg.StaleAfter > 0 {
		since = w.now().Add(-w.cfg.StaleAfter)
	}

	resubmitted := 0
	var runErrs []error
	for {
		page, err := w.submissions.ListUpdatedSince(ctx, since, w.cfg.BatchSize)
		if err != nil {
			return resubmitted, fmt.Errorf("listing updated submissions: %w", err)
		}

		for i := range page {
			sub := &page[i]
			stale, err := w.isStale(ctx, sub)
			if err != nil {
				return resubmitted, err
			}
			if !stale {
				continue
			}

			if _, err := w.runner.RunSubmission(ctx, sub); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return resubmitted, ctxErr
				}
				w.log.WithFields(logrus.Fields{
					"submission_id": sub.ID,
					"error":         err,
				}).Warn("Rematch of submission failed")
				runErrs = append(runErrs, fmt.Errorf("submission %s: %w", sub.ID, err))
			}
			resubmitted++
		}

		if len(page) < w.cfg.BatchSize {
			break
		}
		// the page is ordered by updated_at; submissions sharing the cursor
		// timestamp exactly are picked up on the next run
		next := page[len(page)-1].UpdatedAt
		if !next.After(since) {
			break
		}
		since = next
	}

	w.log.WithFields(logrus.Fields{
		"resubmitted": resubmitted,
		"failed":      len(runErrs),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Rematch run completed")

	return resubmitted, errors.Join(runErrs...)
}

func (w *RematchWorker) isStale(ctx context.Context, sub *domain.Submission) (bool, error) {
	for _, p := range sub.Patients {
		latest, err := w.store.LatestMatchDate(ctx, p.ID)
		if err != nil {
			return false, fmt.Errorf("reading latest match of %s: %w", p.ID, err)
		}
		if latest.IsZero() || latest.Before(sub.UpdatedAt) {
			return true, nil
		}
	}
	return false, nil
}
