package domain

import "time"

type EventType string

const (
	EventUploadAccepted  EventType = "upload_accepted"
	EventStageTransition EventType = "stage_transition"
	EventStageFailed     EventType = "stage_failed"
	EventJobFailed       EventType = "job_failed"
	EventJobCancelled    EventType = "job_cancelled"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is append-only: never updated, never deleted. Every applied status
// transition writes exactly one Event in the same unit of work as the
// status update.
type Event struct {
	ID            string
	JobID         string
	DocumentID    string
	Type          EventType
	Severity      Severity
	Code          string
	Payload       []byte
	CorrelationID string
	TS            time.Time
}

// TransitionPayload is the JSON body of a stage_transition Event. From is
// the job's status immediately prior to the Event.
type TransitionPayload struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// FailurePayload is recorded when a stage fails or a job goes terminal.
type FailurePayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"is_retryable"`
	Attempt   int    `json:"attempt"`
}
