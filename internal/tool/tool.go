// Package tool is the backend-submitting capability shared by plugin
// views: send a request, show a working indicator, show errors, and own the
// results area those write into.
package tool

import (
	"context"
	"html/template"
	"sync"

	"github.com/rs/zerolog"

	"chinotype/domain/chi2"
	"chinotype/ports"
)

// WorkingHTML is shown in the results area while a request is outstanding
const WorkingHTML template.HTML = `<div class="results-progress">Please wait while the chi2 results are loaded...</div><div class="results-progressIcon"></div>`

// Runner is what a view controller needs from its hosting tool
type Runner interface {
	// Submit posts params with the session credentials filled in
	Submit(ctx context.Context, params chi2.Params) <-chan chi2.Reply
	ShowProgress()
	ShowError(message string)
	ShowHTML(html template.HTML)
	Output() template.HTML
}

// Tool implements Runner over a backend transport
type Tool struct {
	backend ports.Backend
	session ports.Session
	log     *zerolog.Logger

	mu     sync.RWMutex
	output template.HTML
}

// New builds a tool posting to backend as the session's user
func New(backend ports.Backend, session ports.Session, log *zerolog.Logger) *Tool {
	return &Tool{backend: backend, session: session, log: log}
}

func (t *Tool) Submit(ctx context.Context, params chi2.Params) <-chan chi2.Reply {
	params.Username = t.session.User()
	params.Password = t.session.Password()
	t.log.Debug().
		Str("patient_set_1", params.PatientSet1).
		Str("patient_set_2", params.PatientSet2).
		Str("pgsize", params.PageSizeParam()).
		Int("cutoff", params.Cutoff).
		Str("concepts", params.Concepts).
		Bool("extant", params.Extant).
		Msg("submitting chi2 request")
	return t.backend.Post(ctx, params)
}

func (t *Tool) ShowProgress() { t.ShowHTML(WorkingHTML) }

// ShowError puts message in the results area as-is, escaped
func (t *Tool) ShowError(message string) {
	t.ShowHTML(template.HTML(`<pre class="chi2-error">` + template.HTMLEscapeString(message) + `</pre>`))
}

func (t *Tool) ShowHTML(html template.HTML) {
	t.mu.Lock()
	t.output = html
	t.mu.Unlock()
}

// Output is the current content of the results area
func (t *Tool) Output() template.HTML {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.output
}
