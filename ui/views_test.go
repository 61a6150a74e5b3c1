package ui

import (
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chinotype/internal/controller"
)

func TestView_WaitBlocksUntilReplyDelivered(t *testing.T) {
	backend := &recordingBackend{gate: make(chan struct{})}
	s := newTestServer(t, backend)
	view := load(t, s)
	dropSet(t, s, view, controller.RefDropID, "Diabetes", "42")

	v, ok := s.Views().Get(view)
	require.True(t, ok)

	var waiters sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			v.Wait()
		}()
	}

	rec := form(t, s, "/go", view, url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)

	go func() {
		v.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned while a reply was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the reply was delivered")
	}
	waiters.Wait()

	st := v.state()
	assert.Equal(t, "idle", st.Phase)
	assert.Contains(t, string(st.Output), "chi2-result-tbl")
}

func TestView_WaitOnClosedViewReturns(t *testing.T) {
	backend := &recordingBackend{gate: make(chan struct{})}
	defer close(backend.gate)
	s := newTestServer(t, backend)
	view := load(t, s)
	dropSet(t, s, view, controller.RefDropID, "Diabetes", "42")
	form(t, s, "/go", view, url.Values{})

	v, ok := s.Views().Remove(view)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		v.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked on a closed view")
	}
}
