package matchstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mme-matchmaker/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MatchStore on an embedded SQLite file.
// match_date is stored as unix microseconds.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	// SQLite allows a single writer; appends are serialized here instead of
	// surfacing SQLITE_BUSY to callers.
	writeMu sync.Mutex
}

// NewSQLiteStore creates a SQLite match store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS match_records (
		match_oid TEXT PRIMARY KEY,
		submission_patient_id TEXT NOT NULL,
		match_date INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		match_type TEXT NOT NULL CHECK (match_type IN ('internal', 'external')),
		results TEXT NOT NULL DEFAULT '[]',
		node_failures TEXT NOT NULL DEFAULT '[]',
		UNIQUE(submission_patient_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_match_records_patient_date
		ON match_records(submission_patient_id, match_date DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// Append persists one record
func (s *SQLiteStore) Append(ctx context.Context, rec domain.MatchRecord) (domain.MatchRecord, error) {
	out, err := s.AppendBatch(ctx, []domain.MatchRecord{rec})
	if err != nil {
		return domain.MatchRecord{}, err
	}
	return out[0], nil
}

// AppendBatch persists all records in one transaction
func (s *SQLiteStore) AppendBatch(ctx context.Context, records []domain.MatchRecord) ([]domain.MatchRecord, error) {
	if err := validateBatch(records); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]domain.MatchRecord, len(records))
	for i, rec := range records {
		var lastMicros, lastSeq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT match_date, sequence FROM match_records WHERE submission_patient_id = ? ORDER BY sequence DESC LIMIT 1",
			rec.SubmissionPatientID,
		).Scan(&lastMicros, &lastSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read latest match: %w", err)
		}

		var lastDate time.Time
		if lastMicros.Valid {
			lastDate = time.UnixMicro(lastMicros.Int64).UTC()
		}
		stamped := stamp(cloneRecord(rec), lastDate, lastSeq.Int64)

		results, failures, err := encodePayload(stamped)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO match_records (
				match_oid, submission_patient_id, match_date, sequence,
				match_type, results, node_failures
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			stamped.MatchOID, stamped.SubmissionPatientID, stamped.MatchDate.UnixMicro(), stamped.Sequence,
			string(stamped.MatchType), results, failures,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return nil, fmt.Errorf("match_oid %s: %w", stamped.MatchOID, domain.ErrIntegrity)
			}
			return nil, fmt.Errorf("failed to insert match record: %w", err)
		}
		out[i] = stamped
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit match records: %w", err)
	}
	return out, nil
}

// History returns all records for a patient, most recent first
func (s *SQLiteStore) History(ctx context.Context, submissionPatientID string) ([]domain.MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT match_oid, submission_patient_id, match_date, sequence,
			match_type, results, node_failures
		FROM match_records
		WHERE submission_patient_id = ?
		ORDER BY match_date DESC, sequence DESC`,
		submissionPatientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query match history: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestMatchDate returns the newest match_date for a patient
func (s *SQLiteStore) LatestMatchDate(ctx context.Context, submissionPatientID string) (time.Time, error) {
	var micros sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(match_date) FROM match_records WHERE submission_patient_id = ?",
		submissionPatientID,
	).Scan(&micros)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest match date: %w", err)
	}
	if !micros.Valid {
		return time.Time{}, nil
	}
	return time.UnixMicro(micros.Int64).UTC(), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteRecord(s scanner) (domain.MatchRecord, error) {
	var (
		rec               domain.MatchRecord
		micros            int64
		matchType         string
		results, failures string
	)
	if err := s.Scan(&rec.MatchOID, &rec.SubmissionPatientID, &micros, &rec.Sequence,
		&matchType, &results, &failures); err != nil {
		return rec, err
	}
	rec.MatchDate = time.UnixMicro(micros).UTC()
	rec.MatchType = domain.MatchType(matchType)
	if err := decodePayload(&rec, []byte(results), []byte(failures)); err != nil {
		return rec, err
	}
	return rec, nil
}

// encodePayload serializes the results and failures columns
func encodePayload(rec domain.MatchRecord) (string, string, error) {
	results := rec.Results
	if results == nil {
		results = []domain.MatchResult{}
	}
	failures := rec.NodeFailures
	if failures == nil {
		failures = []domain.NodeFailure{}
	}
	r, err := json.Marshal(results)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode results: %w", err)
	}
	f, err := json.Marshal(failures)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode node failures: %w", err)
	}
	return string(r), string(f), nil
}

func decodePayload(rec *domain.MatchRecord, results, failures []byte) error {
	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return fmt.Errorf("failed to decode results: %w", err)
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &rec.NodeFailures); err != nil {
			return fmt.Errorf("failed to decode node failures: %w", err)
		}
	}
	if len(rec.NodeFailures) == 0 {
		rec.NodeFailures = nil
	}
	return nil
}
