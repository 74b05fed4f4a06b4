package matchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mme-matchmaker/internal/domain"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// PostgresStore implements domain.MatchStore using PostgreSQL.
// Appends for a patient are serialized with a transaction-scoped advisory lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL match store.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL match store from a connection string.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Append persists one record
func (s *PostgresStore) Append(ctx context.Context, rec domain.MatchRecord) (domain.MatchRecord, error) {
	out, err := s.AppendBatch(ctx, []domain.MatchRecord{rec})
	if err != nil {
		return domain.MatchRecord{}, err
	}
	return out[0], nil
}

// AppendBatch persists all records in one transaction
func (s *PostgresStore) AppendBatch(ctx context.Context, records []domain.MatchRecord) ([]domain.MatchRecord, error) {
	if err := validateBatch(records); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range patientIDs(records) {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", id); err != nil {
			return nil, fmt.Errorf("failed to lock match history for %s: %w", id, err)
		}
	}

	out := make([]domain.MatchRecord, len(records))
	for i, rec := range records {
		var lastDate time.Time
		var lastSeq int64
		err := tx.QueryRowContext(ctx, `
			SELECT match_date, sequence FROM match_records
			WHERE submission_patient_id = $1
			ORDER BY sequence DESC
			LIMIT 1`,
			rec.SubmissionPatientID,
		).Scan(&lastDate, &lastSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read latest match: %w", err)
		}

		stamped := stamp(cloneRecord(rec), lastDate, lastSeq)
		results, failures, err := encodePayload(stamped)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO match_records (
				match_oid, submission_patient_id, match_date, sequence,
				match_type, results, node_failures
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			stamped.MatchOID, stamped.SubmissionPatientID, stamped.MatchDate, stamped.Sequence,
			string(stamped.MatchType), results, failures,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
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
func (s *PostgresStore) History(ctx context.Context, submissionPatientID string) ([]domain.MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT match_oid, submission_patient_id, match_date, sequence,
			match_type, results, node_failures
		FROM match_records
		WHERE submission_patient_id = $1
		ORDER BY match_date DESC, sequence DESC`,
		submissionPatientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query match history: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestMatchDate returns the newest match_date for a patient
func (s *PostgresStore) LatestMatchDate(ctx context.Context, submissionPatientID string) (time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(match_date) FROM match_records WHERE submission_patient_id = $1",
		submissionPatientID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest match date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time.UTC(), nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPostgresRecord(s scanner) (domain.MatchRecord, error) {
	var (
		rec               domain.MatchRecord
		matchType         string
		results, failures []byte
	)
	if err := s.Scan(&rec.MatchOID, &rec.SubmissionPatientID, &rec.MatchDate, &rec.Sequence,
		&matchType, &results, &failures); err != nil {
		return rec, err
	}
	rec.MatchDate = rec.MatchDate.UTC()
	rec.MatchType = domain.MatchType(matchType)
	if err := decodePayload(&rec, results, failures); err != nil {
		return rec, err
	}
	return rec, nil
}
