package migration

import (
	"context"

	"chinotype/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner handles the chi2 count table schema
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all database migrations in the correct order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	if err := r.createPConceptsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create chi_pconcepts table")
	}

	if err := r.createCohortsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create chi_cohorts table")
	}

	if err := r.createPCountsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create chi_pcounts table")
	}

	if err := r.createPrefixesTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create chi_prefixes table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	return nil
}

// Distinct (patient, concept) pairs drawn from the fact table
func (r *MigrationRunner) createPConceptsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chi_pconcepts (
			pn BIGINT NOT NULL,
			ccd VARCHAR(50) NOT NULL,
			PRIMARY KEY (pn, ccd)
		)
	`)
	return err
}

func (r *MigrationRunner) createCohortsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chi_cohorts (
			name VARCHAR(100) PRIMARY KEY,
			result_instance_id BIGINT NOT NULL DEFAULT 0,
			patient_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	return err
}

// Per-cohort concept counts in long form; the TOTAL cohort is the
// whole population
func (r *MigrationRunner) createPCountsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chi_pcounts (
			cohort VARCHAR(100) NOT NULL REFERENCES chi_cohorts(name) ON DELETE CASCADE DEFERRABLE INITIALLY DEFERRED,
			ccd VARCHAR(50) NOT NULL,
			cnt BIGINT NOT NULL,
			PRIMARY KEY (cohort, ccd)
		)
	`)
	return err
}

func (r *MigrationRunner) createPrefixesTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chi_prefixes (
			code VARCHAR(50) PRIMARY KEY,
			description TEXT
		)
	`)
	return err
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_chi_pconcepts_ccd ON chi_pconcepts(ccd)",
		"CREATE INDEX IF NOT EXISTS idx_chi_cohorts_result_instance ON chi_cohorts(result_instance_id)",
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}

	return nil
}
