package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/stat/distuv"

	"chinotype/domain/chi2"
	"chinotype/internal/errors"
	"chinotype/ports"
)

// Fixed header names of the result table
const (
	HeaderPrefix = "PREFIX"
	HeaderCode   = "CCD"
	HeaderName   = "NAME"
	HeaderChiSq  = "CHISQ"
	HeaderDir    = "DIR"

	fractionPrefix = "FRC_"
)

// Chi2Service computes per-concept chi-squared comparisons between two
// counted cohorts
type Chi2Service struct {
	store ports.CohortStore
	jobs  *semaphore.Weighted
	log   *zerolog.Logger
}

// NewChi2Service creates a service running at most maxJobs comparisons at
// a time
func NewChi2Service(store ports.CohortStore, maxJobs int, log *zerolog.Logger) *Chi2Service {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Chi2Service{
		store: store,
		jobs:  semaphore.NewWeighted(int64(maxJobs)),
		log:   log,
	}
}

// side is one resolved half of a comparison
type side struct {
	cohort *ports.Cohort
	counts map[string]ports.ConceptCount
}

// scored is one concept that passed the cutoff
type scored struct {
	code   string
	name   string
	cRef   int64
	cTest  int64
	fRef   float64
	fTest  float64
	chisq  float64
	dir    int
	weight float64
}

// Run compares patient_set_1 (reference) against patient_set_2 (test).
// A zero id stands for the whole population.
func (s *Chi2Service) Run(ctx context.Context, p chi2.Params) (*chi2.Result, error) {
	ref, err := parsePSID(p.PatientSet1)
	if err != nil {
		return nil, err
	}
	test, err := parsePSID(p.PatientSet2)
	if err != nil {
		return nil, err
	}

	if ref == test {
		return &chi2.Result{Status: chi2.StatusIdenticalSets, Cols: []string{}, Rows: [][]chi2.Cell{}}, nil
	}

	if err := s.jobs.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "chi2 job canceled")
	}
	defer s.jobs.Release(1)

	start := time.Now()

	prefix := p.Concepts
	if strings.EqualFold(prefix, chi2.All) {
		prefix = ""
	}

	var refSide, testSide *side
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		refSide, err = s.resolve(gctx, ref, p.Extant, prefix)
		return err
	})
	g.Go(func() error {
		var err error
		testSide, err = s.resolve(gctx, test, p.Extant, prefix)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, sd := range []struct {
		id int64
		s  *side
	}{{ref, refSide}, {test, testSide}} {
		if sd.s == nil {
			return noData(sd.id), nil
		}
	}

	prefixes, err := s.store.Prefixes(ctx)
	if err != nil {
		return nil, err
	}

	rows := score(refSide, testSide, p.Cutoff)
	kept := rank(rows, p.PageSize)

	chisqs := make([]float64, 0, len(rows))
	for _, r := range rows {
		chisqs = append(chisqs, r.chisq)
	}
	sd, variance := spread(chisqs)

	result := &chi2.Result{
		Status: chi2.StatusDone,
		Cols: []string{
			HeaderPrefix, HeaderCode, HeaderName,
			refSide.cohort.Name, fractionPrefix + refSide.cohort.Name,
			testSide.cohort.Name, fractionPrefix + testSide.cohort.Name,
			HeaderChiSq, HeaderDir,
		},
		Prefixes: prefixes,
	}
	result.Rows = append(result.Rows, []chi2.Cell{
		chi2.Str(""), chi2.Str(chi2.TotalCode), chi2.Null,
		chi2.Num(float64(refSide.cohort.PatientCount)), chi2.Num(1),
		chi2.Num(float64(testSide.cohort.PatientCount)), chi2.Num(1),
		chi2.Num(sd), chi2.Num(variance),
	})
	for _, r := range kept {
		result.Rows = append(result.Rows, []chi2.Cell{
			chi2.Str(conceptPrefix(r.code)), chi2.Str(r.code), chi2.Str(r.name),
			chi2.Num(float64(r.cRef)), chi2.Num(r.fRef),
			chi2.Num(float64(r.cTest)), chi2.Num(r.fTest),
			chi2.Num(r.chisq), chi2.Num(float64(r.dir)),
		})
	}

	s.log.Info().
		Int64("ref", ref).
		Int64("test", test).
		Int("concepts", len(rows)).
		Int("rows", len(kept)).
		Dur("elapsed", time.Since(start)).
		Msg("chi2 job done")

	return result, nil
}

// resolve finds or counts the cohort for psid. A nil side means the set
// has no data.
func (s *Chi2Service) resolve(ctx context.Context, psid int64, extant bool, prefix string) (*side, error) {
	var cohort *ports.Cohort
	var err error

	switch {
	case psid == 0:
		cohort, err = s.store.Population(ctx)
	case extant:
		cohort, err = s.store.FindCohort(ctx, psid)
		if errors.IsCode(err, errors.CodeNotFound) {
			cohort, err = s.materialize(ctx, psid, true)
		}
	default:
		cohort, err = s.materialize(ctx, psid, false)
	}
	if errors.IsCode(err, errors.CodeNotFound) {
		s.log.Debug().Int64("psid", psid).Msg("patient set not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cohort.PatientCount == 0 {
		return nil, nil
	}

	counts, err := s.store.Counts(ctx, cohort.Name, prefix)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]ports.ConceptCount, len(counts))
	for _, c := range counts {
		byCode[c.Code] = c
	}
	return &side{cohort: cohort, counts: byCode}, nil
}

func (s *Chi2Service) materialize(ctx context.Context, psid int64, relaxed bool) (*ports.Cohort, error) {
	ref, err := s.store.FindPatientSet(ctx, psid, relaxed)
	if err != nil {
		return nil, err
	}
	return s.store.MaterializeCohort(ctx, *ref)
}

// score computes the statistic for every reference concept whose combined
// count reaches cutoff. Expected test counts come from the reference
// fraction.
func score(ref, test *side, cutoff int) []scored {
	nRef := float64(ref.cohort.PatientCount)
	nTest := float64(test.cohort.PatientCount)

	out := make([]scored, 0, len(ref.counts))
	for code, rc := range ref.counts {
		if rc.Count <= 0 {
			continue
		}
		cTest := test.counts[code].Count
		if rc.Count+cTest < int64(cutoff) {
			continue
		}

		fRef := float64(rc.Count) / nRef
		fTest := float64(cTest) / nTest
		expected := nTest * fRef
		chisq := math.Pow(float64(cTest)-expected, 2) / expected

		dir := 0
		switch {
		case fRef < fTest:
			dir = 1
		case fRef > fTest:
			dir = -1
		}

		name := rc.Name
		if name == "" {
			name = test.counts[code].Name
		}
		out = append(out, scored{
			code:   code,
			name:   name,
			cRef:   rc.Count,
			cTest:  cTest,
			fRef:   fRef,
			fTest:  fTest,
			chisq:  chisq,
			dir:    dir,
			weight: chisq * float64(dir),
		})
	}
	return out
}

// rank orders concepts by signed chi-square and keeps the pageSize most
// over-represented and the pageSize most under-represented. pageSize 0
// keeps everything.
func rank(rows []scored, pageSize int) []scored {
	sorted := make([]scored, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].weight != sorted[j].weight {
			return sorted[i].weight > sorted[j].weight
		}
		return sorted[i].code < sorted[j].code
	})
	if pageSize <= 0 || 2*pageSize >= len(sorted) {
		return sorted
	}

	kept := make([]scored, 0, 2*pageSize)
	kept = append(kept, sorted[:pageSize]...)
	kept = append(kept, sorted[len(sorted)-pageSize:]...)
	return kept
}

func spread(chisqs []float64) (float64, float64) {
	if len(chisqs) == 0 {
		return 0, 0
	}
	sd, err := stats.StandardDeviationPopulation(chisqs)
	if err != nil {
		return 0, 0
	}
	variance, err := stats.PopulationVariance(chisqs)
	if err != nil {
		return sd, 0
	}
	return sd, variance
}

func conceptPrefix(code string) string {
	if i := strings.Index(code, ":"); i >= 0 {
		return code[:i]
	}
	return code
}

func noData(psid int64) *chi2.Result {
	return &chi2.Result{
		Status: chi2.NoDataStatus(strconv.FormatInt(psid, 10)),
		Cols:   []string{},
		Rows:   [][]chi2.Cell{},
	}
}

func parsePSID(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.ValidationError(fmt.Sprintf("invalid patient set id %q", raw))
	}
	return n, nil
}

// PValue is the upper tail of the one-degree-of-freedom chi-squared
// distribution
func PValue(chisq float64) float64 {
	if chisq <= 0 || math.IsNaN(chisq) {
		return 1
	}
	return 1 - distuv.ChiSquared{K: 1}.CDF(chisq)
}

// CountSignificant counts concept rows whose chi-square is significant at
// alpha
func CountSignificant(r *chi2.Result, alpha float64) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, row := range r.Rows {
		if chi2.IsTotal(row) || len(row) <= chi2.ColChiSq {
			continue
		}
		x, ok := row[chi2.ColChiSq].Float()
		if ok && PValue(x) < alpha {
			n++
		}
	}
	return n
}
