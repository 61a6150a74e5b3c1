package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"chinotype/domain/chi2"
	"chinotype/internal/logging"
	"chinotype/ports"
)

func TestSubmit_FillsSessionCredentials(t *testing.T) {
	var got chi2.Params
	backend := ports.BackendFunc(func(_ context.Context, p chi2.Params) chi2.Reply {
		got = p
		return chi2.Reply{Result: &chi2.Result{Status: chi2.StatusDone}}
	})
	tl := New(backend, ports.StaticSession{Username: "demo", Secret: "SessionKey:abc"}, logging.Nop())

	reply := <-tl.Submit(context.Background(), chi2.Params{PatientSet1: "1"})

	assert.True(t, reply.OK())
	assert.Equal(t, "demo", got.Username)
	assert.Equal(t, "SessionKey:abc", got.Password)
	assert.Equal(t, "1", got.PatientSet1)
}

func TestShowError_EscapesRawText(t *testing.T) {
	tl := New(nil, ports.StaticSession{}, logging.Nop())
	tl.ShowError("<h1>500</h1> boom")
	assert.Equal(t, `<pre class="chi2-error">&lt;h1&gt;500&lt;/h1&gt; boom</pre>`, string(tl.Output()))

	tl.ShowProgress()
	assert.Equal(t, WorkingHTML, tl.Output())
}
