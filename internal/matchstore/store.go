// Package matchstore persists the append-only history of match records.
// Every implementation serializes appends per submission patient so that
// match_date and sequence strictly increase in creation order.
package matchstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/mme-matchmaker/internal/database"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// dateResolution is the finest match_date precision every backend can store
const dateResolution = time.Microsecond

// Open creates the match store selected by configuration
func Open(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (domain.MatchStore, error) {
	switch cfg.MatchStore.Driver {
	case domain.StoreDriverMemory:
		return NewMemoryStore(), nil
	case domain.StoreDriverSQLite:
		return NewSQLiteStore(cfg.MatchStore.SQLitePath)
	case domain.StoreDriverPostgres:
		return NewPostgresStoreFromURL(database.ConfigFromDomain(cfg.Database).DSN())
	case domain.StoreDriverRedis:
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts.PoolSize = cfg.Cache.PoolSize
		opts.PoolTimeout = cfg.Cache.PoolTimeout
		opts.MaxRetries = cfg.Cache.MaxRetries
		return NewRedisStore(ctx, redis.NewClient(opts), cfg.MatchStore.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown match store driver: %q", cfg.MatchStore.Driver)
	}
}

// stamp assigns the final match_date and sequence of rec given the newest
// record already stored for the same patient. The date is the later of the
// provisional date and one tick after the previous record.
func stamp(rec domain.MatchRecord, lastDate time.Time, lastSeq int64) domain.MatchRecord {
	d := rec.MatchDate.UTC().Truncate(dateResolution)
	if d.IsZero() {
		d = time.Now().UTC().Truncate(dateResolution)
	}
	if !lastDate.IsZero() && !d.After(lastDate) {
		d = lastDate.UTC().Add(dateResolution)
	}
	rec.MatchDate = d
	rec.Sequence = lastSeq + 1
	return rec
}

func validateRecord(rec domain.MatchRecord) error {
	if rec.MatchOID == "" {
		return domain.NewValidationError("match_oid", "match_oid is required", rec.MatchOID)
	}
	if rec.SubmissionPatientID == "" {
		return domain.NewValidationError("submission_patient_id", "submission_patient_id is required", rec.SubmissionPatientID)
	}
	if !rec.MatchType.IsValid() {
		return domain.NewValidationError("match_type", domain.ErrInvalidMatchType.Error(), rec.MatchType)
	}
	return nil
}

func validateBatch(records []domain.MatchRecord) error {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			return err
		}
		if _, dup := seen[rec.MatchOID]; dup {
			return fmt.Errorf("match_oid %s repeated in batch: %w", rec.MatchOID, domain.ErrIntegrity)
		}
		seen[rec.MatchOID] = struct{}{}
	}
	return nil
}

// patientIDs returns the distinct patients of a batch in sorted order, the
// order in which per-patient locks are taken.
func patientIDs(records []domain.MatchRecord) []string {
	set := make(map[string]struct{})
	for _, r := range records {
		set[r.SubmissionPatientID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sortHistory orders records most recent first
func sortHistory(records []domain.MatchRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].MatchDate.Equal(records[j].MatchDate) {
			return records[i].MatchDate.After(records[j].MatchDate)
		}
		return records[i].Sequence > records[j].Sequence
	})
}

// cloneRecord copies the slices of a record so stored history cannot be
// changed through the caller's value.
func cloneRecord(rec domain.MatchRecord) domain.MatchRecord {
	if rec.Results != nil {
		rec.Results = append(make([]domain.MatchResult, 0, len(rec.Results)), rec.Results...)
	}
	if rec.NodeFailures != nil {
		rec.NodeFailures = append(make([]domain.NodeFailure, 0, len(rec.NodeFailures)), rec.NodeFailures...)
	}
	return rec
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

var _ scanner = (*sql.Row)(nil)
