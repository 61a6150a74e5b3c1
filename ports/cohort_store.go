package ports

import (
	"context"
	"time"

	"chinotype/domain/chi2"
)

// PopulationCohort names the whole-population reference cohort
const PopulationCohort = "TOTAL"

// PatientSetRef locates a patient set in the query tool tables
type PatientSetRef struct {
	QueryMasterID    int64 `db:"query_master_id"`
	QueryInstanceID  int64 `db:"query_instance_id"`
	ResultInstanceID int64 `db:"result_instance_id"`
}

// Cohort is a patient set whose per-concept counts have been materialised
type Cohort struct {
	Name             string    `db:"name"`
	ResultInstanceID int64     `db:"result_instance_id"`
	PatientCount     int64     `db:"patient_count"`
	CreatedAt        time.Time `db:"created_at"`
}

// ConceptCount is the number of distinct cohort patients having a concept
type ConceptCount struct {
	Code  string `db:"ccd"`
	Name  string `db:"name"`
	Count int64  `db:"cnt"`
}

// CohortStore is the fact store behind the chi2 backend
type CohortStore interface {
	// FindPatientSet resolves a result instance id. Strict lookups only
	// accept patient-set results; relaxed ones accept any result type.
	FindPatientSet(ctx context.Context, psid int64, relaxed bool) (*PatientSetRef, error)

	// FindCohort returns the materialised cohort for a result instance id
	FindCohort(ctx context.Context, psid int64) (*Cohort, error)

	// MaterializeCohort counts concepts for the patient set and records it
	MaterializeCohort(ctx context.Context, ref PatientSetRef) (*Cohort, error)

	// Population returns the whole-population cohort, building it if needed
	Population(ctx context.Context) (*Cohort, error)

	// Counts returns per-concept counts for a cohort whose codes start with
	// prefix; an empty prefix matches everything
	Counts(ctx context.Context, cohort string, prefix string) ([]ConceptCount, error)

	// Prefixes lists concept categories
	Prefixes(ctx context.Context) ([]chi2.Prefix, error)
}

// AccountChecker verifies platform credentials
type AccountChecker interface {
	// Check returns the session key for valid credentials
	Check(ctx context.Context, username, password string) (string, error)
}

// RequestLogger records accepted backend requests
type RequestLogger interface {
	LogRequest(username string, params map[string]string) error
}
