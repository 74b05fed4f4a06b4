package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
)

// defaultCandidateLimit is the page size of candidate queries that set no limit
const defaultCandidateLimit = 1000

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// Expander widens a set of phenotype terms with their ancestors. The stored
// closure lets the candidate query find ancestor/descendant matches with a
// plain array overlap.
type Expander interface {
	Expand(ids []string, maxDistance int) []string
}

// PatientRepository is the local patient store backed by PostgreSQL. It
// implements both domain.PatientStore and domain.SubmissionRepository.
type PatientRepository struct {
	db          *pgxpool.Pool
	expander    Expander
	maxDistance int
	log         *logrus.Logger
}

// NewPatientRepository creates a new patient repository. expander may be nil,
// in which case only identical terms are used to preselect candidates.
func NewPatientRepository(db *pgxpool.Pool, expander Expander, maxDistance int, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		db:          db,
		expander:    expander,
		maxDistance: maxDistance,
		log:         logger,
	}
}

// closure returns the stored/queried phenotype closure of ids
func closure(expander Expander, ids []string, maxDistance int) []string {
	if expander == nil {
		return ids
	}
	return expander.Expand(ids, maxDistance)
}

// FindCandidates returns one page of patients sharing at least one phenotype
// closure term, disorder or gene with the query, ordered by id.
func (r *PatientRepository) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.PatientProfile, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	exclude := q.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}

	query := `
		SELECT profile
		FROM patients
		WHERE (phenotype_closure && $1 OR disorder_ids && $2 OR gene_keys && $3)
		  AND NOT (id = ANY($4))
		  AND id > $5
		ORDER BY id
		LIMIT $6`

	rows, err := r.db.Query(ctx, query,
		nonNil(closure(r.expander, q.FeatureIDs, r.maxDistance)),
		nonNil(q.DisorderIDs),
		nonNil(q.GeneKeys),
		exclude,
		q.AfterID,
		limit,
	)
	if err != nil {
		r.log.WithError(err).Error("Failed to query candidate patients")
		return nil, fmt.Errorf("querying candidates: %w: %w", domain.ErrLocalStore, err)
	}
	defer rows.Close()

	var out []domain.PatientProfile
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w: %w", domain.ErrLocalStore, err)
		}
		var p domain.PatientProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding candidate profile: %w: %w", domain.ErrLocalStore, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w: %w", domain.ErrLocalStore, err)
	}

	r.log.WithFields(logrus.Fields{
		"feature_count":   len(q.FeatureIDs),
		"candidate_count": len(out),
	}).Debug("Candidate patients selected")

	return out, nil
}

// SaveSubmission creates or re-submits a case. updated_at never moves
// backwards. Patients dropped from the case are removed; a patient id that
// already belongs to another submission is rejected with ErrIntegrity.
func (r *PatientRepository) SaveSubmission(ctx context.Context, s *domain.Submission) error {
	if err := validateSubmission(s); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO submissions (id, case_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			case_id = EXCLUDED.case_id,
			updated_at = GREATEST(submissions.updated_at, EXCLUDED.updated_at)
		RETURNING created_at, updated_at`,
		s.ID, s.CaseID, now,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving submission: %w", err)
	}

	ids := make([]string, len(s.Patients))
	for i, p := range s.Patients {
		ids[i] = p.ID
	}
	if _, err := tx.Exec(ctx, `DELETE FROM patients WHERE submission_id = $1 AND NOT (id = ANY($2))`, s.ID, ids); err != nil {
		return fmt.Errorf("removing dropped patients: %w", err)
	}

	for i := range s.Patients {
		p := &s.Patients[i]
		p.CaseID = s.CaseID
		profile, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding patient %s: %w", p.ID, err)
		}

		features := p.ObservedFeatureIDs()
		tag, err := tx.Exec(ctx, `
			INSERT INTO patients (
				id, submission_id, position, profile, feature_ids,
				phenotype_closure, disorder_ids, gene_keys, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				position = EXCLUDED.position,
				profile = EXCLUDED.profile,
				feature_ids = EXCLUDED.feature_ids,
				phenotype_closure = EXCLUDED.phenotype_closure,
				disorder_ids = EXCLUDED.disorder_ids,
				gene_keys = EXCLUDED.gene_keys,
				updated_at = EXCLUDED.updated_at
			WHERE patients.submission_id = EXCLUDED.submission_id`,
			p.ID, s.ID, i, profile, features,
			nonNil(closure(r.expander, features, r.maxDistance)),
			p.DisorderIDs(), p.GeneKeys(), s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("saving patient %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("patient %s belongs to another submission: %w", p.ID, domain.ErrIntegrity)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing submission: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"submission_id": s.ID,
		"patient_count": len(s.Patients),
	}).Info("Submission saved")

	return nil
}

// GetSubmission loads a submission with its patients in their original order
func (r *PatientRepository) GetSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	var s domain.Submission
	err := r.db.QueryRow(ctx,
		`SELECT id, case_id, created_at, updated_at FROM submissions WHERE id = $1`, id,
	).Scan(&s.ID, &s.CaseID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting submission: %w", err)
	}

	patients, err := r.loadPatients(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Patients = patients
	return &s, nil
}

// ListUpdatedSince returns submissions updated after since, oldest update first
func (r *PatientRepository) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, case_id, created_at, updated_at
		FROM submissions
		WHERE updated_at > $1
		ORDER BY updated_at, id
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}

	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.ID, &s.CaseID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning submission: %w", err)
		}
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating submissions: %w", err)
	}

	for i := range out {
		patients, err := r.loadPatients(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Patients = patients
	}
	return out, nil
}

func (r *PatientRepository) loadPatients(ctx context.Context, submissionID string) ([]domain.PatientProfile, error) {
	rows, err := r.db.Query(ctx,
		`SELECT profile FROM patients WHERE submission_id = $1 ORDER BY position`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("loading patients: %w", err)
	}
	defer rows.Close()

	var out []domain.PatientProfile
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning patient: %w", err)
		}
		var p domain.PatientProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding patient profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func validateSubmission(s *domain.Submission) error {
	if s == nil || s.ID == "" {
		return domain.NewValidationError("id", "submission id is required", nil)
	}
	seen := make(map[string]struct{}, len(s.Patients))
	for i := range s.Patients {
		if err := s.Patients[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Patients[i].ID]; dup {
			return domain.NewValidationError("patients", "patient id repeated within submission", s.Patients[i].ID)
		}
		seen[s.Patients[i].ID] = struct{}{}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
