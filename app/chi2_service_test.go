package app

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chinotype/domain/chi2"
	"chinotype/internal/errors"
	"chinotype/internal/logging"
	"chinotype/ports"
)

type fakeStore struct {
	mu         sync.Mutex
	sets       map[int64]ports.PatientSetRef
	relaxedOK  map[int64]bool
	cohorts    map[int64]*ports.Cohort
	sizes      map[int64]int64
	population *ports.Cohort
	counts     map[string][]ports.ConceptCount
	prefixes   []chi2.Prefix

	materialized []int64
	prefixSeen   []string
}

func (f *fakeStore) FindPatientSet(_ context.Context, psid int64, relaxed bool) (*ports.PatientSetRef, error) {
	ref, ok := f.sets[psid]
	if !ok || (!relaxed && f.relaxedOK[psid]) {
		return nil, errors.NotFound("patient set")
	}
	return &ref, nil
}

func (f *fakeStore) FindCohort(_ context.Context, psid int64) (*ports.Cohort, error) {
	if c, ok := f.cohorts[psid]; ok {
		return c, nil
	}
	return nil, errors.NotFound("cohort")
}

func (f *fakeStore) MaterializeCohort(_ context.Context, ref ports.PatientSetRef) (*ports.Cohort, error) {
	f.mu.Lock()
	f.materialized = append(f.materialized, ref.ResultInstanceID)
	f.mu.Unlock()
	return &ports.Cohort{
		Name:             "R" + strings.Repeat("x", int(ref.ResultInstanceID)),
		ResultInstanceID: ref.ResultInstanceID,
		PatientCount:     f.sizes[ref.ResultInstanceID],
	}, nil
}

func (f *fakeStore) Population(context.Context) (*ports.Cohort, error) {
	return f.population, nil
}

func (f *fakeStore) Counts(_ context.Context, cohort string, prefix string) ([]ports.ConceptCount, error) {
	f.mu.Lock()
	f.prefixSeen = append(f.prefixSeen, prefix)
	f.mu.Unlock()
	var out []ports.ConceptCount
	for _, c := range f.counts[cohort] {
		if strings.HasPrefix(c.Code, prefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) Prefixes(context.Context) ([]chi2.Prefix, error) {
	return f.prefixes, nil
}

// population of 100 against a 10-patient test set
func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:       map[int64]ports.PatientSetRef{5: {QueryMasterID: 1, QueryInstanceID: 2, ResultInstanceID: 5}},
		relaxedOK:  map[int64]bool{},
		cohorts:    map[int64]*ports.Cohort{},
		sizes:      map[int64]int64{5: 10},
		population: &ports.Cohort{Name: ports.PopulationCohort, PatientCount: 100},
		counts: map[string][]ports.ConceptCount{
			ports.PopulationCohort: {
				{Code: "DX:A", Name: "Alpha", Count: 10},
				{Code: "DX:B", Name: "Beta", Count: 50},
				{Code: "LAB:C", Name: "Gamma", Count: 2},
				{Code: "LAB:D", Name: "Delta", Count: 1},
			},
			"Rxxxxx": {
				{Code: "DX:A", Name: "Alpha", Count: 5},
				{Code: "DX:B", Name: "Beta", Count: 1},
			},
		},
		prefixes: []chi2.Prefix{{Code: "DX", Description: "Diagnoses"}, {Code: "LAB", Description: "Labs"}},
	}
}

func rowCodes(r *chi2.Result) []string {
	var codes []string
	for _, row := range r.Rows {
		codes = append(codes, row[chi2.ColCode].String())
	}
	return codes
}

func TestRun_PopulationAgainstSet(t *testing.T) {
	store := newFakeStore()
	svc := NewChi2Service(store, 2, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Cutoff: 2, Concepts: chi2.All})
	require.NoError(t, err)

	assert.Equal(t, chi2.StatusDone, res.Status)
	assert.Equal(t, []string{"PREFIX", "CCD", "NAME", "TOTAL", "FRC_TOTAL", "Rxxxxx", "FRC_Rxxxxx", "CHISQ", "DIR"}, res.Cols)
	assert.Equal(t, []string{"TOTAL", "DX:A", "LAB:C", "DX:B"}, rowCodes(res))
	assert.Equal(t, store.prefixes, res.Prefixes)
	assert.Equal(t, []int64{5}, store.materialized)

	total := res.Rows[0]
	assert.True(t, total[chi2.ColName].IsNull())
	assert.Equal(t, "100", total[chi2.ColRefCount].String())
	assert.Equal(t, "10", total[chi2.ColTestCount].String())
	sd, _ := total[chi2.ColChiSq].Float()
	variance, _ := total[chi2.ColDir].Float()
	assert.InDelta(t, 46.94222, variance, 1e-4)
	assert.InDelta(t, 6.85144, sd, 1e-4)

	a := res.Rows[1]
	assert.Equal(t, "DX", a[chi2.ColPrefix].String())
	assert.Equal(t, "Alpha", a[chi2.ColName].String())
	chisq, _ := a[chi2.ColChiSq].Float()
	assert.InDelta(t, 16.0, chisq, 1e-9)
	assert.Equal(t, "1", a[chi2.ColDir].String())
	assert.Equal(t, "0.5", a[chi2.ColTestFrac].String())

	b := res.Rows[3]
	chisq, _ = b[chi2.ColChiSq].Float()
	assert.InDelta(t, 3.2, chisq, 1e-9)
	assert.Equal(t, "-1", b[chi2.ColDir].String())
}

func TestRun_PageSizeKeepsBothEnds(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", PageSize: 1, Cutoff: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"TOTAL", "DX:A", "DX:B"}, rowCodes(res))
}

func TestRun_CutoffDropsRareConcepts(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Cutoff: 0})
	require.NoError(t, err)
	assert.Contains(t, rowCodes(res), "LAB:D")

	res, err = svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Cutoff: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"TOTAL", "DX:A", "DX:B"}, rowCodes(res))
}

func TestRun_ConceptPrefixFilter(t *testing.T) {
	store := newFakeStore()
	svc := NewChi2Service(store, 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Concepts: "DX:"})
	require.NoError(t, err)
	assert.Equal(t, []string{"TOTAL", "DX:A", "DX:B"}, rowCodes(res))
	assert.Equal(t, []string{"DX:", "DX:"}, store.prefixSeen)
}

func TestRun_IdenticalSets(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "5", PatientSet2: "5"})
	require.NoError(t, err)
	assert.Equal(t, chi2.StatusIdenticalSets, res.Status)
	assert.Empty(t, res.Rows)
}

func TestRun_MissingSetIsNoData(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "77"})
	require.NoError(t, err)
	assert.Equal(t, "No data for PSID 77", res.Status)
	assert.True(t, chi2.IsNoData(res.Status))
	assert.Empty(t, res.Rows)
}

func TestRun_ExtantRelaxesLookup(t *testing.T) {
	store := newFakeStore()
	store.relaxedOK[5] = true
	svc := NewChi2Service(store, 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5"})
	require.NoError(t, err)
	assert.True(t, chi2.IsNoData(res.Status))

	res, err = svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Extant: true})
	require.NoError(t, err)
	assert.Equal(t, chi2.StatusDone, res.Status)
}

func TestRun_ExtantReusesCohort(t *testing.T) {
	store := newFakeStore()
	store.cohorts[5] = &ports.Cohort{Name: "Rxxxxx", ResultInstanceID: 5, PatientCount: 10}
	svc := NewChi2Service(store, 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Extant: true})
	require.NoError(t, err)
	assert.Equal(t, chi2.StatusDone, res.Status)
	assert.Empty(t, store.materialized)
}

func TestRun_EmptyCohortIsNoData(t *testing.T) {
	store := newFakeStore()
	store.sizes[5] = 0
	svc := NewChi2Service(store, 1, logging.Nop())

	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "5", PatientSet2: "0"})
	require.NoError(t, err)
	assert.Equal(t, "No data for PSID 5", res.Status)
}

func TestRun_InvalidID(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())

	_, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "abc", PatientSet2: "5"})
	assert.True(t, errors.IsCode(err, errors.CodeValidationError))
}

func TestRun_CanceledWhileWaitingForJobSlot(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())
	require.NoError(t, svc.jobs.Acquire(context.Background(), 1))
	defer svc.jobs.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Run(ctx, chi2.Params{PatientSet1: "0", PatientSet2: "5"})
	assert.Error(t, err)
}

func TestPValue(t *testing.T) {
	assert.InDelta(t, 0.05, PValue(3.841459), 1e-6)
	assert.InDelta(t, 0.01, PValue(6.634897), 1e-6)
	assert.Equal(t, 1.0, PValue(0))
}

func TestCountSignificant(t *testing.T) {
	svc := NewChi2Service(newFakeStore(), 1, logging.Nop())
	res, err := svc.Run(context.Background(), chi2.Params{PatientSet1: "0", PatientSet2: "5", Cutoff: 2})
	require.NoError(t, err)

	// chisq 16 and 3.2 and 0.2; only 16 clears 0.05
	assert.Equal(t, 1, CountSignificant(res, 0.05))
	assert.Equal(t, 2, CountSignificant(res, 0.1))
	assert.Equal(t, 0, CountSignificant(nil, 0.05))
}
