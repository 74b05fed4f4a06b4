package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/pkg/hpo"
)

// HPORepository persists phenotype ontology terms
type HPORepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewHPORepository creates a new HPO term repository
func NewHPORepository(db *pgxpool.Pool, logger *logrus.Logger) *HPORepository {
	return &HPORepository{
		db:  db,
		log: logger,
	}
}

// LoadTerm inserts a single term. A term id that is already stored yields ErrIntegrity.
func (r *HPORepository) LoadTerm(ctx context.Context, term hpo.Term) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO hpo_terms (id, number, name, parents, genes)
		VALUES ($1, $2, $3, $4, $5)`,
		term.ID, hpo.Number(term.ID), term.Name, nonNil(term.Parents), nonNil(term.Genes),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("term %s already loaded: %w", term.ID, domain.ErrIntegrity)
		}
		return fmt.Errorf("loading term: %w", err)
	}
	return nil
}

// LoadBulk upserts terms in one transaction, replacing stored versions
func (r *HPORepository) LoadBulk(ctx context.Context, terms []hpo.Term) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range terms {
		batch.Queue(`
			INSERT INTO hpo_terms (id, number, name, parents, genes)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				number = EXCLUDED.number,
				name = EXCLUDED.name,
				parents = EXCLUDED.parents,
				genes = EXCLUDED.genes`,
			t.ID, hpo.Number(t.ID), t.Name, nonNil(t.Parents), nonNil(t.Genes),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("loading terms: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing terms: %w", err)
	}

	r.log.WithField("term_count", len(terms)).Info("HPO terms loaded")
	return nil
}

// Term returns the term with the given id
func (r *HPORepository) Term(ctx context.Context, id string) (*hpo.Term, error) {
	var t hpo.Term
	err := r.db.QueryRow(ctx,
		`SELECT id, number, name, parents, genes FROM hpo_terms WHERE id = $1`, id,
	).Scan(&t.ID, &t.Number, &t.Name, &t.Parents, &t.Genes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("term %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting term: %w", err)
	}
	return &t, nil
}

// Terms searches ids and names case-insensitively, ordered by HPO number.
// A non-positive limit returns every match.
func (r *HPORepository) Terms(ctx context.Context, query string, limit int) ([]hpo.Term, error) {
	sql := `
		SELECT id, number, name, parents, genes
		FROM hpo_terms
		WHERE id ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%'
		ORDER BY number, id`
	args := []interface{}{query}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.queryTerms(ctx, sql, args...)
}

// All returns every stored term, used to build the in-memory ontology
func (r *HPORepository) All(ctx context.Context) ([]hpo.Term, error) {
	return r.queryTerms(ctx, `SELECT id, number, name, parents, genes FROM hpo_terms ORDER BY number, id`)
}

func (r *HPORepository) queryTerms(ctx context.Context, sql string, args ...interface{}) ([]hpo.Term, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying terms: %w", err)
	}
	defer rows.Close()

	var out []hpo.Term
	for rows.Next() {
		var t hpo.Term
		if err := rows.Scan(&t.ID, &t.Number, &t.Name, &t.Parents, &t.Genes); err != nil {
			return nil, fmt.Errorf("scanning term: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
