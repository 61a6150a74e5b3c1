// Package api serves the chi2 backend over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chinotype/adapters/hive"
	"chinotype/domain/chi2"
	"chinotype/internal/errors"
	"chinotype/ports"
)

// Chi2Path is the endpoint the plugin posts to
const Chi2Path = "/cgi-bin/chi2.cgi"

// JobHeader carries the id assigned to an accepted request
const JobHeader = "X-Chi2-Job"

// Chi2Runner computes one comparison
type Chi2Runner interface {
	Run(ctx context.Context, p chi2.Params) (*chi2.Result, error)
}

// Handler accepts well-formed chi2 POSTs from authorized users
type Handler struct {
	runner   Chi2Runner
	accounts ports.AccountChecker
	requests ports.RequestLogger
	log      *zerolog.Logger
}

// NewHandler creates the chi2 request handler
func NewHandler(runner Chi2Runner, accounts ports.AccountChecker, requests ports.RequestLogger, log *zerolog.Logger) *Handler {
	return &Handler{
		runner:   runner,
		accounts: accounts,
		requests: requests,
		log:      log,
	}
}

// NewRouter mounts the handler and a health check
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.HandleFunc(Chi2Path, h.ServeHTTP)
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.log.Error().Str("method", r.Method).Msg("chi2 called with non-POST method")
		plain(w, http.StatusMethodNotAllowed, "Bzzt. We only do POST.")
		return
	}

	if err := r.ParseForm(); err != nil {
		plain(w, http.StatusBadRequest, "Incorrect parameters:"+err.Error())
		return
	}
	params, err := chi2.ParseForm(r.PostForm)
	if err != nil {
		h.log.Error().Str("user", r.PostForm.Get(chi2.KeyUsername)).Err(err).Msg("incorrect parameters")
		plain(w, http.StatusBadRequest, "Incorrect parameters:"+err.Error())
		return
	}

	logged := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		if k == chi2.KeyUsername || k == chi2.KeyPassword {
			continue
		}
		logged[k] = r.PostForm.Get(k)
	}
	if err := h.requests.LogRequest(params.Username, logged); err != nil {
		h.log.Warn().Err(err).Msg("failed to log request")
	}

	job := uuid.NewString()
	logger := h.log.With().Str("job", job).Str("user", params.Username).Logger()
	w.Header().Set(JobHeader, job)

	logger.Info().Msg("checking credentials")
	if _, err := h.accounts.Check(r.Context(), params.Username, hive.DecodePassword(params.Password)); err != nil {
		if errors.IsCode(err, errors.CodeUnauthorized) {
			plain(w, http.StatusForbidden, "incorrect credentials")
			return
		}
		logger.Error().Err(err).Msg("credential check failed")
		plain(w, http.StatusInternalServerError, "error: "+err.Error())
		return
	}

	logger.Info().
		Str("patient_set_1", params.PatientSet1).
		Str("patient_set_2", params.PatientSet2).
		Msg("running job")

	result, err := h.runner.Run(r.Context(), params)
	if err != nil {
		logger.Error().Err(err).Msg("chi2 job failed")
		plain(w, http.StatusInternalServerError, "error: "+err.Error())
		return
	}
	logger.Info().Str("status", result.Status).Int("rows", len(result.Rows)).Msg("chi2 job answered")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Error().Err(err).Msg("failed to write result")
	}
}

func plain(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
