package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/you/docflow/internal/admission"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/pipeline"
	"github.com/you/docflow/internal/storage"
)

type ctxKey int

const correlationKey ctxKey = iota

// correlate threads one correlation id through logs and events for a
// request, minting one when the caller did not send X-Correlation-ID.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", cid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, cid)))
	})
}

func correlationID(r *http.Request) string {
	if cid, ok := r.Context().Value(correlationKey).(string); ok {
		return cid
	}
	return ""
}

type admitBody struct {
	Owner       string `json:"owner"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Mime        string `json:"mime"`
	ContentHash string `json:"content_hash"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var body admitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.Validationf("malformed request body"))
		return
	}

	res, err := s.admitter.Admit(r.Context(), admission.Request{
		Owner:         body.Owner,
		Filename:      body.Filename,
		Size:          body.Size,
		Mime:          body.Mime,
		ContentHash:   body.ContentHash,
		CorrelationID: correlationID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type callbackBody struct {
	JobID  string         `json:"job_id"`
	Target domain.Status  `json:"target_status,omitempty"`
	Error  *callbackError `json:"error,omitempty"`
}

type callbackError struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	IsRetryable bool   `json:"is_retryable"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	var body callbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.Validationf("malformed request body"))
		return
	}
	if body.JobID == "" {
		s.writeError(w, r, domain.Validationf("job_id is required"))
		return
	}
	if body.Target == "" && body.Error == nil {
		s.writeError(w, r, domain.Validationf("callback needs target_status or error"))
		return
	}

	cb := pipeline.Callback{JobID: body.JobID, CorrelationID: correlationID(r), Target: body.Target}
	if body.Error != nil {
		cb.Failure = &domain.Error{
			Code:      domain.CodeStageFailure,
			Message:   stage + ": " + body.Error.Message,
			Retryable: body.Error.IsRetryable,
		}
		if body.Error.Kind != "" {
			cb.Failure.Code = domain.Code(body.Error.Kind)
		}
	}

	if err := s.jobs.HandleCallback(r.Context(), cb); err != nil {
		if err == storage.ErrNotFound {
			writeJSON(w, http.StatusNotFound, rejection{Code: "not_found", Message: "unknown job"})
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.log.Debug("callback applied",
		zap.String("stage", stage),
		zap.String("job_id", body.JobID),
		zap.String("correlation_id", correlationID(r)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.reader.GetJob(r.Context(), id)
	if err == storage.ErrNotFound {
		writeJSON(w, http.StatusNotFound, rejection{Code: "not_found", Message: "unknown job"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.reader.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job, events))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		if err == storage.ErrNotFound {
			writeJSON(w, http.StatusNotFound, rejection{Code: "not_found", Message: "unknown job"})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers":    s.breakers.Snapshot(),
		"degradation": s.degraded.Levels(),
		"services":    s.services.Snapshot(),
	})
}
