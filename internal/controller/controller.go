// Package controller holds the per-view state of the chi2 plugin: what was
// dropped where, the option fields, what the backend was last asked and
// what the results area shows.
package controller

import (
	"context"
	"html/template"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"chinotype/domain/chi2"
	"chinotype/domain/cohort"
	"chinotype/internal/dropzone"
	"chinotype/internal/errors"
	"chinotype/internal/render"
	"chinotype/internal/tool"
)

// Drop containers of the two selection slots
const (
	RefDropID  = "chi2-p1-PRSDROP"
	TestDropID = "chi2-p2-PRSDROP"
)

// Tabs of the plugin view
const (
	TabSpecify = "chi2-TAB0"
	TabResults = "chi2-TAB1"
)

// Editable fields
const (
	FieldPageSize = "chi2-pgsize"
	FieldCutoff   = "chi2-cutoff"
	FieldConcepts = "chi2-concepts"
	FieldColName1 = "chi2-p1-colname"
	FieldColName2 = "chi2-p2-colname"
)

// Column name prefixes given to a freshly dropped set
const (
	RefColumnPrefix  = "REF_"
	TestColumnPrefix = "TEST_"
)

// Phase is the request lifecycle of a view
type Phase int

const (
	Idle Phase = iota
	Submitting
)

func (p Phase) String() string {
	if p == Submitting {
		return "submitting"
	}
	return "idle"
}

// Defaults are the initial option values
type Defaults struct {
	PageSize int
	Cutoff   int
}

// applied are the option texts that produced the current results. Column
// names only relabel headers and are not part of it.
type applied struct {
	pageSize string
	cutoff   string
	concepts string
}

// Controller is one loaded chi2 view. It is not safe for concurrent use;
// the hosting view serializes calls.
type Controller struct {
	runner tool.Runner
	log    *zerolog.Logger

	selections [2]cohort.Item
	fields     map[string]string
	pageSize   int
	cutoff     int

	dirty    bool
	applied  applied
	lastHTML template.HTML
	stats    string
	notice   string

	exporting bool
	extant    bool
	params    chi2.Params
	phase     Phase

	options          []render.Option
	optionsPopulated bool
	lastResult       *chi2.Result
	download         *Download
}

// New creates a view controller submitting through runner
func New(runner tool.Runner, defaults Defaults, log *zerolog.Logger) *Controller {
	c := &Controller{
		runner:   runner,
		log:      log,
		pageSize: defaults.PageSize,
		cutoff:   defaults.Cutoff,
		dirty:    true,
		fields: map[string]string{
			FieldPageSize: strconv.Itoa(defaults.PageSize),
			FieldCutoff:   strconv.Itoa(defaults.Cutoff),
			FieldConcepts: chi2.All,
			FieldColName1: "",
			FieldColName2: "",
		},
	}
	return c
}

// Attach registers the two patient-set drop containers on board
func (c *Controller) Attach(board *dropzone.Board) {
	dropzone.Attach(board, RefDropID, 0, cohort.KindPatientSet, c)
	dropzone.Attach(board, TestDropID, 1, cohort.KindPatientSet, c)
}

// DropNotify stores a dropped patient set in its slot
func (c *Controller) DropNotify(item cohort.Item, slot int, kind cohort.Kind) bool {
	if kind != cohort.KindPatientSet || slot < 0 || slot > 1 {
		return false
	}
	c.selections[slot] = item
	c.dirty = true
	c.stats = ""
	if slot == 0 {
		c.fields[FieldColName1] = RefColumnPrefix + dropzone.PatientSetID(item)
	} else {
		c.fields[FieldColName2] = TestColumnPrefix + dropzone.PatientSetID(item)
	}
	return true
}

// EditField records the raw text of a field. Unknown fields are rejected.
func (c *Controller) EditField(field, value string) error {
	if _, ok := c.fields[field]; !ok {
		return errors.ValidationError("unknown field " + field)
	}
	c.fields[field] = value
	return nil
}

// Field is the current raw text of a field
func (c *Controller) Field(field string) string { return c.fields[field] }

// Selection is the item dropped in slot, or nil
func (c *Controller) Selection(slot int) cohort.Item {
	if slot < 0 || slot > 1 {
		return nil
	}
	return c.selections[slot]
}

func (c *Controller) currentApplied() applied {
	return applied{
		pageSize: strings.TrimSpace(c.fields[FieldPageSize]),
		cutoff:   strings.TrimSpace(c.fields[FieldCutoff]),
		concepts: c.fields[FieldConcepts],
	}
}

// Stale reports whether the selections or options differ from the ones
// behind the results on screen
func (c *Controller) Stale() bool {
	return c.dirty || c.currentApplied() != c.applied
}

// GoEnabled reports whether the Go control is actionable
func (c *Controller) GoEnabled() bool {
	return c.phase == Idle && c.Stale()
}

func (c *Controller) Phase() Phase { return c.phase }

// Submit validates the fields and posts a request. The returned channel
// carries the reply, which must be handed back through Deliver.
func (c *Controller) Submit(ctx context.Context) (<-chan chi2.Reply, error) {
	if c.phase == Submitting {
		return nil, errors.Busy("a chi2 request is already in progress")
	}
	if c.selections[0] == nil {
		return nil, errors.ValidationError("please drop a reference patient set first")
	}

	// An export always asks for every row, so the page size text is
	// neither checked nor applied.
	pageSize := c.pageSize
	if !c.exporting {
		n, ok := positiveInt(c.fields[FieldPageSize])
		if !ok {
			c.fields[FieldPageSize] = strconv.Itoa(c.pageSize)
			return nil, errors.ValidationError("please enter a positive integer value for size")
		}
		pageSize = n
	}
	cutoff, ok := positiveInt(c.fields[FieldCutoff])
	if !ok {
		c.fields[FieldCutoff] = strconv.Itoa(c.cutoff)
		return nil, errors.ValidationError("please enter a positive integer value for cutoff")
	}
	if !c.exporting {
		c.pageSize = pageSize
		c.fields[FieldPageSize] = strconv.Itoa(pageSize)
	}
	c.cutoff = cutoff
	c.fields[FieldCutoff] = strconv.Itoa(cutoff)

	params := chi2.Params{
		Backend:     chi2.BackendName,
		PatientSet1: dropzone.PatientSetID(c.selections[0]),
		PatientSet2: chi2.UnsetPatientSet,
		PageSize:    pageSize,
		Cutoff:      cutoff,
		Concepts:    c.fields[FieldConcepts],
	}
	if c.selections[1] != nil {
		params.PatientSet2 = dropzone.PatientSetID(c.selections[1])
	}
	if params.Concepts == "" {
		params.Concepts = chi2.All
	}
	if c.exporting {
		params.PageSize = 0
		params.Concepts = chi2.All
	} else {
		c.dirty = false
		c.applied = c.currentApplied()
		c.stats = ""
	}

	c.extant = false
	c.notice = ""
	return c.dispatch(ctx, params), nil
}

// Export requests the complete table for a CSV download. The results area
// is restored once the export arrives.
func (c *Controller) Export(ctx context.Context) (<-chan chi2.Reply, error) {
	if c.phase == Submitting {
		return nil, errors.Busy("a chi2 request is already in progress")
	}
	c.exporting = true
	ch, err := c.Submit(ctx)
	if err != nil {
		c.exporting = false
		return nil, err
	}
	return ch, nil
}

func (c *Controller) dispatch(ctx context.Context, params chi2.Params) <-chan chi2.Reply {
	params.Extant = c.extant
	c.params = params
	c.phase = Submitting
	c.runner.ShowProgress()
	return c.runner.Submit(ctx, params)
}

// Deliver applies a reply. When the reply triggers the one-shot retry the
// retry's channel is returned and the view stays Submitting.
func (c *Controller) Deliver(ctx context.Context, reply chi2.Reply) <-chan chi2.Reply {
	if !reply.OK() {
		msg := reply.Raw
		if msg == "" && reply.Err != nil {
			msg = reply.Err.Error()
		}
		c.onError(msg)
		return nil
	}
	return c.onResult(ctx, reply.Result)
}

func (c *Controller) onResult(ctx context.Context, r *chi2.Result) <-chan chi2.Reply {
	if len(r.Rows) == 0 && chi2.IsNoData(r.Status) && !c.extant {
		c.log.Info().Str("status", r.Status).Msg("no data, retrying with extant")
		c.extant = true
		return c.dispatch(ctx, c.params)
	}
	c.phase = Idle

	names := c.names()

	if c.exporting {
		c.exporting = false
		c.runner.ShowHTML(c.lastHTML)
		if len(r.Rows) == 0 {
			c.notice = r.Status
			return nil
		}
		c.download = &Download{Result: r, Names: names}
		return nil
	}

	if len(r.Rows) == 0 {
		html := render.Status(r.Status)
		c.runner.ShowHTML(html)
		c.lastHTML = html
		return nil
	}

	html, err := render.HTML(render.BuildTable(r, names))
	if err != nil {
		c.onError(err.Error())
		return nil
	}
	c.runner.ShowHTML(html)
	c.lastHTML = html
	c.lastResult = r
	if line, ok := render.Stats(r); ok {
		c.stats = line
	}
	if !c.optionsPopulated {
		c.options = render.ConceptOptions(r.Prefixes)
		c.optionsPopulated = true
	}
	return nil
}

func (c *Controller) onError(message string) {
	c.log.Warn().Str("error", message).Msg("chi2 request failed")
	c.runner.ShowError(message)
	c.phase = Idle
	c.exporting = false
	c.dirty = true
}

// TabChanged reacts to the view switching tabs. Entering the results tab
// resets the page size text, resubmits stale selections and otherwise
// re-renders the headers with the current column names.
func (c *Controller) TabChanged(ctx context.Context, tabID string) (<-chan chi2.Reply, error) {
	if tabID != TabResults {
		return nil, nil
	}
	c.fields[FieldPageSize] = strconv.Itoa(c.pageSize)
	if c.selections[0] == nil {
		return nil, nil
	}
	if c.Stale() && c.phase == Idle {
		return c.Submit(ctx)
	}
	if c.lastResult != nil && c.phase == Idle {
		html, err := render.HTML(render.BuildTable(c.lastResult, c.names()))
		if err != nil {
			return nil, errors.Wrap(err, "render chi2 table")
		}
		c.runner.ShowHTML(html)
		c.lastHTML = html
	}
	return nil, nil
}

// Unload releases the view state
func (c *Controller) Unload() {
	c.selections = [2]cohort.Item{}
	c.lastResult = nil
	c.download = nil
	c.lastHTML = ""
	c.options = nil
	c.runner.ShowHTML("")
}

func (c *Controller) names() render.Names {
	return render.Names{Ref: c.fields[FieldColName1], Test: c.fields[FieldColName2]}
}

// Download is a finished export waiting to be fetched
type Download struct {
	Result *chi2.Result
	Names  render.Names
}

func (d *Download) Filename() string     { return render.CSVFilename(d.Names) }
func (d *Download) XLSXFilename() string { return render.XLSXFilename(d.Names) }

func (d *Download) WriteCSV(w io.Writer) error  { return render.WriteCSV(w, d.Result, d.Names) }
func (d *Download) WriteXLSX(w io.Writer) error { return render.WriteXLSX(w, d.Result, d.Names) }

// Download returns the pending export, if any
func (c *Controller) Download() (*Download, bool) {
	return c.download, c.download != nil
}

// State is what the view template needs to draw the plugin
type State struct {
	Phase         Phase
	GoEnabled     bool
	FieldsEnabled bool
	Fields        map[string]string
	Selections    [2]string
	Output        template.HTML
	Stats         string
	Notice        string
	Options       []render.Option
	HasDownload   bool
}

// State snapshots the view for rendering
func (c *Controller) State() State {
	fields := make(map[string]string, len(c.fields))
	for k, v := range c.fields {
		fields[k] = v
	}
	var sel [2]string
	for i, item := range c.selections {
		if item != nil {
			sel[i] = dropzone.DisplayName(item)
		}
	}
	return State{
		Phase:         c.phase,
		GoEnabled:     c.GoEnabled(),
		FieldsEnabled: c.phase == Idle,
		Fields:        fields,
		Selections:    sel,
		Output:        c.runner.Output(),
		Stats:         c.stats,
		Notice:        c.notice,
		Options:       append([]render.Option(nil), c.options...),
		HasDownload:   c.download != nil,
	}
}

func positiveInt(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
