package api

import (
	"encoding/json"
	"time"

	"github.com/you/docflow/internal/domain"
)

type jobResponse struct {
	JobID         string          `json:"job_id"`
	DocumentID    string          `json:"document_id"`
	Owner         string          `json:"owner"`
	Status        domain.Status   `json:"status"`
	CorrelationID string          `json:"correlation_id"`
	RetryCount    int             `json:"retry_count"`
	Progress      int             `json:"progress"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Events        []eventResponse `json:"events"`
}

type eventResponse struct {
	ID       string           `json:"event_id"`
	Type     domain.EventType `json:"type"`
	Severity domain.Severity  `json:"severity"`
	Code     string           `json:"code"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
	TS       time.Time        `json:"ts"`
}

func jobView(job *domain.Job, events []domain.Event) jobResponse {
	out := jobResponse{
		JobID:         job.ID,
		DocumentID:    job.DocumentID,
		Owner:         job.Owner,
		Status:        job.Status,
		CorrelationID: job.CorrelationID,
		RetryCount:    job.RetryCount,
		Progress:      job.Progress,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		Events:        make([]eventResponse, 0, len(events)),
	}
	for _, ev := range events {
		out.Events = append(out.Events, eventResponse{
			ID:       ev.ID,
			Type:     ev.Type,
			Severity: ev.Severity,
			Code:     ev.Code,
			Payload:  ev.Payload,
			TS:       ev.TS,
		})
	}
	return out
}
