package matchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mme-matchmaker/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxRetries bounds optimistic-lock retries of a single append
const maxTxRetries = 16

// RedisStore implements domain.MatchStore on Redis. Each patient history is a
// list of JSON records, oldest first. Appends use WATCH/MULTI so concurrent
// writers for the same patient retry instead of interleaving.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	log    *logrus.Logger
}

// NewRedisStore creates a Redis match store and verifies the connection
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string, logger *logrus.Logger) (*RedisStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if prefix == "" {
		prefix = "mme"
	}

	return &RedisStore{redis: client, prefix: prefix, log: logger}, nil
}

func (s *RedisStore) historyKey(patientID string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, patientID)
}

func (s *RedisStore) oidKey(oid string) string {
	return fmt.Sprintf("%s:oid:%s", s.prefix, oid)
}

// Append persists one record
func (s *RedisStore) Append(ctx context.Context, rec domain.MatchRecord) (domain.MatchRecord, error) {
	out, err := s.AppendBatch(ctx, []domain.MatchRecord{rec})
	if err != nil {
		return domain.MatchRecord{}, err
	}
	return out[0], nil
}

// AppendBatch persists all records in one MULTI/EXEC block
func (s *RedisStore) AppendBatch(ctx context.Context, records []domain.MatchRecord) ([]domain.MatchRecord, error) {
	if err := validateBatch(records); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(records)*2)
	for _, id := range patientIDs(records) {
		keys = append(keys, s.historyKey(id))
	}
	for _, rec := range records {
		keys = append(keys, s.oidKey(rec.MatchOID))
	}

	var out []domain.MatchRecord
	txf := func(tx *redis.Tx) error {
		for _, rec := range records {
			n, err := tx.Exists(ctx, s.oidKey(rec.MatchOID)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("match_oid %s already stored: %w", rec.MatchOID, domain.ErrIntegrity)
			}
		}

		last := make(map[string]domain.MatchRecord)
		for _, id := range patientIDs(records) {
			raw, err := tx.LIndex(ctx, s.historyKey(id), -1).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			var prev domain.MatchRecord
			if err := json.Unmarshal([]byte(raw), &prev); err != nil {
				return fmt.Errorf("failed to decode stored record: %w", err)
			}
			last[id] = prev
		}

		stamped := make([]domain.MatchRecord, len(records))
		payloads := make([][]byte, len(records))
		for i, rec := range records {
			prev := last[rec.SubmissionPatientID]
			stamped[i] = stamp(cloneRecord(rec), prev.MatchDate, prev.Sequence)
			last[rec.SubmissionPatientID] = stamped[i]

			data, err := json.Marshal(stamped[i])
			if err != nil {
				return fmt.Errorf("failed to encode match record: %w", err)
			}
			payloads[i] = data
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, rec := range stamped {
				pipe.RPush(ctx, s.historyKey(rec.SubmissionPatientID), payloads[i])
				pipe.Set(ctx, s.oidKey(rec.MatchOID), rec.SubmissionPatientID, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = stamped
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.redis.Watch(ctx, txf, keys...)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.log.WithField("attempt", attempt+1).Debug("Match history changed during append, retrying")
			continue
		}
		if errors.Is(err, domain.ErrIntegrity) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append match records: %w", err)
	}
	return nil, fmt.Errorf("failed to append match records: too much contention after %d attempts", maxTxRetries)
}

// History returns all records for a patient, most recent first
func (s *RedisStore) History(ctx context.Context, submissionPatientID string) ([]domain.MatchRecord, error) {
	raw, err := s.redis.LRange(ctx, s.historyKey(submissionPatientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read match history: %w", err)
	}

	out := make([]domain.MatchRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.MatchRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode match record: %w", err)
		}
		rec.MatchDate = rec.MatchDate.UTC()
		out = append(out, rec)
	}
	sortHistory(out)
	return out, nil
}

// LatestMatchDate returns the newest match_date for a patient
func (s *RedisStore) LatestMatchDate(ctx context.Context, submissionPatientID string) (time.Time, error) {
	raw, err := s.redis.LIndex(ctx, s.historyKey(submissionPatientID), -1).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest match: %w", err)
	}
	var rec domain.MatchRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode match record: %w", err)
	}
	return rec.MatchDate.UTC(), nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
