package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chinotype/domain/chi2"
	"chinotype/internal/errors"
	"chinotype/ports"
)

func newMockStore(t *testing.T) (*CohortStoreImpl, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCohortStore(sqlx.NewDb(db, "postgres"), "i2b2demodata"), mock
}

func TestCohortName(t *testing.T) {
	assert.Equal(t, "M12_I34_R56", CohortName(ports.PatientSetRef{QueryMasterID: 12, QueryInstanceID: 34, ResultInstanceID: 56}))
}

func TestFindPatientSet_Strict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "i2b2demodata".qt_query_result_instance ri`)).
		WithArgs(int64(56), 1).
		WillReturnRows(sqlmock.NewRows([]string{"query_master_id", "query_instance_id", "result_instance_id"}).
			AddRow(12, 34, 56))

	ref, err := store.FindPatientSet(context.Background(), 56, false)
	require.NoError(t, err)
	assert.Equal(t, ports.PatientSetRef{QueryMasterID: 12, QueryInstanceID: 34, ResultInstanceID: 56}, *ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPatientSet_RelaxedSkipsResultType(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE ri.result_instance_id = $1 ORDER BY`)).
		WithArgs(int64(56)).
		WillReturnRows(sqlmock.NewRows([]string{"query_master_id", "query_instance_id", "result_instance_id"}).
			AddRow(12, 34, 56))

	_, err := store.FindPatientSet(context.Background(), 56, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPatientSet_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`qt_query_result_instance`)).
		WithArgs(int64(9), 1).
		WillReturnRows(sqlmock.NewRows([]string{"query_master_id", "query_instance_id", "result_instance_id"}))

	_, err := store.FindPatientSet(context.Background(), 9, false)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestFindCohort(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM chi_cohorts WHERE result_instance_id = $1`)).
		WithArgs(int64(56), "TOTAL").
		WillReturnRows(sqlmock.NewRows([]string{"name", "result_instance_id", "patient_count", "created_at"}).
			AddRow("M12_I34_R56", 56, 140, created))

	cohort, err := store.FindCohort(context.Background(), 56)
	require.NoError(t, err)
	assert.Equal(t, "M12_I34_R56", cohort.Name)
	assert.Equal(t, int64(140), cohort.PatientCount)
}

func TestMaterializeCohort(t *testing.T) {
	store, mock := newMockStore(t)
	ref := ports.PatientSetRef{QueryMasterID: 12, QueryInstanceID: 34, ResultInstanceID: 56}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(DISTINCT patient_num) FROM "i2b2demodata".qt_patient_set_collection`)).
		WithArgs(int64(56)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(140))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM chi_pcounts WHERE cohort = $1`)).
		WithArgs("M12_I34_R56").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO chi_pcounts (cohort, ccd, cnt)`)).
		WithArgs("M12_I34_R56", int64(56)).
		WillReturnResult(sqlmock.NewResult(0, 812))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO chi_cohorts`)).
		WithArgs("M12_I34_R56", int64(56), int64(140)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "result_instance_id", "patient_count", "created_at"}).
			AddRow("M12_I34_R56", 56, 140, time.Now()))
	mock.ExpectCommit()

	cohort, err := store.MaterializeCohort(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "M12_I34_R56", cohort.Name)
	assert.Equal(t, int64(140), cohort.PatientCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterializeCohort_RollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(DISTINCT patient_num)`)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.MaterializeCohort(context.Background(), ports.PatientSetRef{ResultInstanceID: 1})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPopulation_Existing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM chi_cohorts WHERE name = $1`)).
		WithArgs("TOTAL").
		WillReturnRows(sqlmock.NewRows([]string{"name", "result_instance_id", "patient_count", "created_at"}).
			AddRow("TOTAL", 0, 50000, time.Now()))

	cohort, err := store.Population(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(50000), cohort.PatientCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts_PrefixFilter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM chi_pcounts pc`)).
		WithArgs("TOTAL", `ICD9\_X:%`).
		WillReturnRows(sqlmock.NewRows([]string{"ccd", "name", "cnt"}).
			AddRow("ICD9_X:250", "Diabetes", 10).
			AddRow("ICD9_X:401", "", 3))

	counts, err := store.Counts(context.Background(), "TOTAL", "ICD9_X:")
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, ports.ConceptCount{Code: "ICD9_X:250", Name: "Diabetes", Count: 10}, counts[0])
}

func TestCounts_AllMatchesEverything(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`pc.ccd LIKE $2`)).
		WithArgs("M1_I2_R3", "%").
		WillReturnRows(sqlmock.NewRows([]string{"ccd", "name", "cnt"}))

	counts, err := store.Counts(context.Background(), "M1_I2_R3", "ALL")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestPrefixes(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM chi_prefixes`)).
		WillReturnRows(sqlmock.NewRows([]string{"code", "description"}).
			AddRow("ICD9", "Diagnoses").
			AddRow("LOINC", "Labs"))

	prefixes, err := store.Prefixes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []chi2.Prefix{{Code: "ICD9", Description: "Diagnoses"}, {Code: "LOINC", Description: "Labs"}}, prefixes)
}

func TestRebuildConcepts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE chi_pconcepts`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE chi_pcounts`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE chi_cohorts`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`FROM "i2b2demodata".observation_fact`)).WillReturnResult(sqlmock.NewResult(0, 1000))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO chi_prefixes`)).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	require.NoError(t, store.RebuildConcepts(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
