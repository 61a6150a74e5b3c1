package chi2http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chinotype/domain/chi2"
	"chinotype/internal/errors"
	"chinotype/internal/logging"
)

func TestPost_DecodesResult(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"Done, chi success!","cols":["PREFIX","CCD"],"rows":[["P","C1"]],"prefixes":[]}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, logging.Nop())
	reply := <-c.Post(context.Background(), chi2.Params{PatientSet1: "1", PatientSet2: "2", PageSize: 10, Cutoff: 5, Username: "u", Password: "p"})

	require.True(t, reply.OK(), reply.Raw)
	assert.Equal(t, chi2.StatusDone, reply.Result.Status)
	assert.Equal(t, "C1", reply.Result.Rows[0][chi2.ColCode].String())
	assert.Equal(t, "chi2", gotForm["backend"])
	assert.Equal(t, "10", gotForm["pgsize"])
	assert.Equal(t, "ALL", gotForm["concepts"])
	assert.Equal(t, "u", gotForm["username"])
}

func TestPost_ServerErrorKeepsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "error: relation chi_pcounts does not exist", http.StatusInternalServerError)
	}))
	defer srv.Close()

	reply := New(Config{URL: srv.URL}, logging.Nop()).Do(context.Background(), chi2.Params{})

	assert.False(t, reply.OK())
	assert.Equal(t, errors.CodeExternalService, errors.GetCode(reply.Err))
	assert.Contains(t, reply.Raw, "relation chi_pcounts does not exist")
}

func TestPost_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>proxy error</html>"))
	}))
	defer srv.Close()

	reply := New(Config{URL: srv.URL}, logging.Nop()).Do(context.Background(), chi2.Params{})

	assert.False(t, reply.OK())
	assert.Equal(t, "<html>proxy error</html>", reply.Raw)
}

func TestPost_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	reply := New(Config{URL: srv.URL, Timeout: 20 * time.Millisecond}, logging.Nop()).Do(context.Background(), chi2.Params{})

	assert.False(t, reply.OK())
	assert.NotEmpty(t, reply.Raw)
}

func TestPost_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reply := New(Config{URL: "http://127.0.0.1:1", RPS: 1}, logging.Nop()).Do(ctx, chi2.Params{})
	assert.Error(t, reply.Err)
}
