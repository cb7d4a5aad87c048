// Package api exposes admission, stage callbacks, job reads and the
// health surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/docflow/internal/admission"
	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/degrade"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/lifecycle"
	"github.com/you/docflow/internal/pipeline"
)

// Admitter gates new requests.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Result, error)
}

// Jobs applies callbacks and cancellations.
type Jobs interface {
	HandleCallback(ctx context.Context, cb pipeline.Callback) error
	Cancel(ctx context.Context, jobID string) error
}

// Reader serves job and event lookups.
type Reader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]domain.Event, error)
}

type Server struct {
	admitter Admitter
	jobs     Jobs
	reader   Reader
	breakers *breaker.Registry
	degraded *degrade.Registry
	services *lifecycle.Manager
	log      *zap.Logger
}

func NewServer(admitter Admitter, jobs Jobs, reader Reader, breakers *breaker.Registry,
	degraded *degrade.Registry, services *lifecycle.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		admitter: admitter,
		jobs:     jobs,
		reader:   reader,
		breakers: breakers,
		degraded: degraded,
		services: services,
		log:      log,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)

	r.Post("/v1/documents", s.handleAdmit)
	r.Post("/v1/callbacks/{stage}", s.handleCallback)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Post("/v1/jobs/{id}/cancel", s.handleCancel)
	r.Get("/v1/health", s.handleHealth)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps the domain taxonomy onto HTTP statuses. Anything
// untyped is a plain 500 with no internals leaked.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeValidation:
		status = http.StatusBadRequest
	case domain.CodeCostLimit, domain.CodeConcurrencyLimit:
		status = http.StatusTooManyRequests
	case domain.CodeServiceUnavailable, domain.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	case domain.CodeIllegalTransition:
		status = http.StatusConflict
	case domain.CodeObjectNotFound:
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", correlationID(r)),
			zap.Error(err))
		writeJSON(w, status, rejection{Code: "internal_error", Message: "internal error"})
		return
	}
	writeJSON(w, status, rejection{Code: string(code), Message: err.Error()})
}
