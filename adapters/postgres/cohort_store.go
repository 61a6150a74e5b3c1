package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chinotype/domain/chi2"
	apperrors "chinotype/internal/errors"
	"chinotype/ports"
)

// patientSetResultType is qt_query_result_instance.result_type_id for
// patient-set results
const patientSetResultType = 1

// CohortStoreImpl implements ports.CohortStore over the query tool tables
// of the clinical data schema and the chi_* count tables
type CohortStoreImpl struct {
	db     *sqlx.DB
	schema string
}

var _ ports.CohortStore = (*CohortStoreImpl)(nil)

// NewCohortStore creates a store reading the QT and concept tables from
// schema
func NewCohortStore(db *sqlx.DB, schema string) *CohortStoreImpl {
	return &CohortStoreImpl{db: db, schema: pq.QuoteIdentifier(schema)}
}

// CohortName names the count column set of a patient set
func CohortName(ref ports.PatientSetRef) string {
	return fmt.Sprintf("M%d_I%d_R%d", ref.QueryMasterID, ref.QueryInstanceID, ref.ResultInstanceID)
}

func (s *CohortStoreImpl) qt(table string) string {
	return s.schema + "." + table
}

// FindPatientSet resolves a result instance id to its query
func (s *CohortStoreImpl) FindPatientSet(ctx context.Context, psid int64, relaxed bool) (*ports.PatientSetRef, error) {
	query := `
		SELECT qm.query_master_id, qi.query_instance_id, ri.result_instance_id
		FROM ` + s.qt("qt_query_result_instance") + ` ri
		JOIN ` + s.qt("qt_query_instance") + ` qi ON qi.query_instance_id = ri.query_instance_id
		JOIN ` + s.qt("qt_query_master") + ` qm ON qm.query_master_id = qi.query_master_id
		WHERE ri.result_instance_id = $1`
	args := []interface{}{psid}
	if !relaxed {
		query += ` AND ri.result_type_id = $2`
		args = append(args, patientSetResultType)
	}
	query += `
		ORDER BY qi.query_instance_id DESC, qm.query_master_id DESC
		LIMIT 1`

	var ref ports.PatientSetRef
	err := s.db.GetContext(ctx, &ref, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("patient set (PSID=%d)", psid))
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to look up patient set")
	}
	return &ref, nil
}

// FindCohort returns the counted cohort for a result instance id
func (s *CohortStoreImpl) FindCohort(ctx context.Context, psid int64) (*ports.Cohort, error) {
	var cohort ports.Cohort
	err := s.db.GetContext(ctx, &cohort, `
		SELECT name, result_instance_id, patient_count, created_at
		FROM chi_cohorts
		WHERE result_instance_id = $1 AND name <> $2
		ORDER BY created_at DESC
		LIMIT 1
	`, psid, ports.PopulationCohort)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("cohort for PSID %d", psid))
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to look up cohort")
	}
	return &cohort, nil
}

// MaterializeCohort counts distinct patients per concept for the patient
// set and records the cohort
func (s *CohortStoreImpl) MaterializeCohort(ctx context.Context, ref ports.PatientSetRef) (*ports.Cohort, error) {
	name := CohortName(ref)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var patients int64
	if err := tx.GetContext(ctx, &patients, `
		SELECT COUNT(DISTINCT patient_num)
		FROM `+s.qt("qt_patient_set_collection")+`
		WHERE result_instance_id = $1
	`, ref.ResultInstanceID); err != nil {
		return nil, apperrors.Wrap(err, "failed to count patient set")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chi_pcounts WHERE cohort = $1`, name); err != nil {
		return nil, apperrors.Wrap(err, "failed to clear cohort counts")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chi_pcounts (cohort, ccd, cnt)
		SELECT $1, pc.ccd, COUNT(DISTINCT pc.pn)
		FROM chi_pconcepts pc
		JOIN `+s.qt("qt_patient_set_collection")+` ps ON ps.patient_num = pc.pn
		WHERE ps.result_instance_id = $2
		GROUP BY pc.ccd
	`, name, ref.ResultInstanceID); err != nil {
		return nil, apperrors.Wrap(err, "failed to count cohort concepts")
	}

	var cohort ports.Cohort
	if err := tx.GetContext(ctx, &cohort, `
		INSERT INTO chi_cohorts (name, result_instance_id, patient_count, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET patient_count = EXCLUDED.patient_count, created_at = NOW()
		RETURNING name, result_instance_id, patient_count, created_at
	`, name, ref.ResultInstanceID, patients); err != nil {
		return nil, apperrors.Wrap(err, "failed to record cohort")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "failed to commit cohort")
	}
	return &cohort, nil
}

// Population returns the whole-population cohort, counting it on first use
func (s *CohortStoreImpl) Population(ctx context.Context) (*ports.Cohort, error) {
	var cohort ports.Cohort
	err := s.db.GetContext(ctx, &cohort, `
		SELECT name, result_instance_id, patient_count, created_at
		FROM chi_cohorts
		WHERE name = $1
	`, ports.PopulationCohort)
	if err == nil {
		return &cohort, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(err, "failed to look up population")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chi_pcounts (cohort, ccd, cnt)
		SELECT $1, ccd, COUNT(DISTINCT pn)
		FROM chi_pconcepts
		GROUP BY ccd
		ON CONFLICT (cohort, ccd) DO UPDATE SET cnt = EXCLUDED.cnt
	`, ports.PopulationCohort); err != nil {
		return nil, apperrors.Wrap(err, "failed to count population concepts")
	}

	if err := tx.GetContext(ctx, &cohort, `
		INSERT INTO chi_cohorts (name, result_instance_id, patient_count, created_at)
		SELECT $1, 0, COUNT(DISTINCT pn), NOW() FROM chi_pconcepts
		ON CONFLICT (name) DO UPDATE SET patient_count = EXCLUDED.patient_count
		RETURNING name, result_instance_id, patient_count, created_at
	`, ports.PopulationCohort); err != nil {
		return nil, apperrors.Wrap(err, "failed to record population")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "failed to commit population")
	}
	return &cohort, nil
}

// Counts returns the cohort's concept counts with concept names
func (s *CohortStoreImpl) Counts(ctx context.Context, cohort string, prefix string) ([]ports.ConceptCount, error) {
	counts := []ports.ConceptCount{}
	err := s.db.SelectContext(ctx, &counts, `
		SELECT pc.ccd, COALESCE(cd.name, '') AS name, pc.cnt
		FROM chi_pcounts pc
		LEFT JOIN (
			SELECT concept_cd, MIN(name_char) AS name
			FROM `+s.qt("concept_dimension")+`
			GROUP BY concept_cd
		) cd ON cd.concept_cd = pc.ccd
		WHERE pc.cohort = $1 AND pc.ccd LIKE $2
		ORDER BY pc.ccd
	`, cohort, likePrefix(prefix))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load cohort counts")
	}
	return counts, nil
}

// Prefixes lists the concept categories
func (s *CohortStoreImpl) Prefixes(ctx context.Context) ([]chi2.Prefix, error) {
	var rows []struct {
		Code        string `db:"code"`
		Description string `db:"description"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT code, COALESCE(description, '') AS description
		FROM chi_prefixes
		ORDER BY code
	`); err != nil {
		return nil, apperrors.Wrap(err, "failed to load prefixes")
	}

	prefixes := make([]chi2.Prefix, 0, len(rows))
	for _, r := range rows {
		prefixes = append(prefixes, chi2.Prefix{Code: r.Code, Description: r.Description})
	}
	return prefixes, nil
}

// RebuildConcepts reloads the distinct patient/concept pairs from the fact
// table and drops every counted cohort, which are stale afterwards
func (s *CohortStoreImpl) RebuildConcepts(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	steps := []struct {
		what  string
		query string
	}{
		{"clear concepts", `TRUNCATE chi_pconcepts`},
		{"clear counts", `TRUNCATE chi_pcounts`},
		{"clear cohorts", `TRUNCATE chi_cohorts`},
		{"load concepts", `
			INSERT INTO chi_pconcepts (pn, ccd)
			SELECT DISTINCT patient_num, concept_cd
			FROM ` + s.qt("observation_fact")},
		{"load prefixes", `
			INSERT INTO chi_prefixes (code, description)
			SELECT DISTINCT split_part(ccd, ':', 1), ''
			FROM chi_pconcepts
			WHERE position(':' in ccd) > 0
			ON CONFLICT (code) DO NOTHING`},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query); err != nil {
			return apperrors.Wrap(err, "failed to "+step.what)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, "failed to commit concept rebuild")
	}
	return nil
}

// likePrefix turns a concept code prefix into a LIKE pattern
func likePrefix(prefix string) string {
	if prefix == "" || strings.EqualFold(prefix, chi2.All) {
		return "%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
