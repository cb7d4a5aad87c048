// Package pipeline advances jobs through the document stages. Every
// transition is a conditional update keyed on the expected prior status,
// so concurrent or duplicate stage callbacks for one job serialize in the
// store instead of racing in memory.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/degrade"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/objstore"
	"github.com/you/docflow/internal/queue"
	"github.com/you/docflow/internal/storage"
)

// Store is the slice of the job store the machine writes through.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetDocument(ctx context.Context, documentID string) (*domain.Document, error)
	Transition(ctx context.Context, req storage.TransitionRequest) (bool, error)
}

// Queue re-enters retried stages.
type Queue interface {
	Enqueue(ctx context.Context, stage, jobID string, runAt time.Time) error
}

// Config tunes retry behavior. FetchWindow bounds how long an
// object-not-found after admission is still considered transient.
type Config struct {
	RetryBaseDelay time.Duration
	FetchBaseDelay time.Duration
	FetchWindow    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryBaseDelay: 5 * time.Second,
		FetchBaseDelay: 250 * time.Millisecond,
		FetchWindow:    10 * time.Second,
	}
}

type Machine struct {
	store    Store
	queue    Queue
	objects  objstore.Store
	breakers *breaker.Registry
	degraded *degrade.Manager // ingestion dependency class
	config   Config
	log      *zap.Logger
}

func NewMachine(store Store, q Queue, objects objstore.Store, breakers *breaker.Registry,
	degraded *degrade.Manager, config Config, log *zap.Logger) *Machine {
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if config.FetchBaseDelay <= 0 {
		config.FetchBaseDelay = DefaultConfig().FetchBaseDelay
	}
	if config.FetchWindow <= 0 {
		config.FetchWindow = DefaultConfig().FetchWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		store:    store,
		queue:    q,
		objects:  objects,
		breakers: breakers,
		degraded: degraded,
		config:   config,
		log:      log,
	}
}

// Callback is a stage-completion notification from a collaborator.
// Exactly one of Target/Failure is meaningful: Target claims a forward
// transition, Failure reports the stage failed.
type Callback struct {
	JobID         string
	CorrelationID string
	Target        domain.Status
	Failure       *domain.Error
}

// HandleCallback applies one callback. Stage failures are recorded as
// events and reflected in job status; they are not returned as errors.
// The returned error covers only infrastructure faults and illegal
// transition claims, which the API surfaces synchronously.
func (m *Machine) HandleCallback(ctx context.Context, cb Callback) error {
	job, err := m.store.GetJob(ctx, cb.JobID)
	if err != nil {
		return err
	}
	if cb.Failure != nil {
		return m.recordFailure(ctx, job, cb.Failure)
	}
	return m.Advance(ctx, job, cb.Target)
}

// Advance moves job to target. A duplicate claim (target equals the
// stored status) is a no-op, not an error, and writes no event; the
// conditional update inside Transition is what makes two racing callbacks
// safe.
func (m *Machine) Advance(ctx context.Context, job *domain.Job, target domain.Status) error {
	if job.Status == target {
		m.log.Debug("duplicate stage callback ignored",
			zap.String("job_id", job.ID), zap.String("status", string(target)))
		return nil
	}
	if !domain.CanTransition(job.Status, target) {
		return domain.IllegalTransition(job.Status, target)
	}

	progress := progressFor(target)
	applied, err := m.store.Transition(ctx, storage.TransitionRequest{
		JobID:         job.ID,
		From:          job.Status,
		To:            target,
		Progress:      &progress,
		EventType:     domain.EventStageTransition,
		Severity:      domain.SeverityInfo,
		Code:          string(target),
		Payload:       domain.TransitionPayload{From: job.Status, To: target},
		CorrelationID: job.CorrelationID,
		DocumentID:    job.DocumentID,
	})
	if err != nil {
		// The stored status moved between our read and the update. A
		// duplicate that lost the race comes back (false, nil) instead.
		return err
	}
	if !applied {
		return nil
	}

	m.log.Info("job advanced",
		zap.String("job_id", job.ID),
		zap.String("correlation_id", job.CorrelationID),
		zap.String("from", string(job.Status)),
		zap.String("to", string(target)))

	if stage := stageFor(target); stage != "" {
		if err := m.queue.Enqueue(ctx, stage, job.ID, time.Time{}); err != nil {
			// The job row is authoritative; the janitor reconciles queued
			// jobs that never made it onto the redis queue.
			m.log.Warn("enqueue after transition failed",
				zap.String("job_id", job.ID), zap.String("stage", stage), zap.Error(err))
		}
	}
	return nil
}

// Cancel moves a job to cancelled; legal from any state short of a
// terminal one.
func (m *Machine) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.Cancelled {
		return nil
	}
	if !domain.CanTransition(job.Status, domain.Cancelled) {
		return domain.IllegalTransition(job.Status, domain.Cancelled)
	}
	_, err = m.store.Transition(ctx, storage.TransitionRequest{
		JobID:         job.ID,
		From:          job.Status,
		To:            domain.Cancelled,
		EventType:     domain.EventJobCancelled,
		Severity:      domain.SeverityWarn,
		Code:          string(domain.EventJobCancelled),
		Payload:       domain.TransitionPayload{From: job.Status, To: domain.Cancelled},
		CorrelationID: job.CorrelationID,
		DocumentID:    job.DocumentID,
	})
	return err
}

// recordFailure applies the retry policy: a retryable failure inside the
// budget re-enters the stage's queued status with backoff; anything else
// is terminal with a structured payload.
//
// Delivery is at-least-once, and retry re-entry leaves the status
// unchanged (From == To), so the conditional update alone cannot reject a
// redelivered failure callback. Two guards close that hole: a failure
// identical to the one already recorded, arriving before the scheduled
// retry could have run, is dropped as a duplicate; and the transition is
// additionally conditioned on the retry count the snapshot was read at,
// so two concurrent deliveries apply exactly once.
func (m *Machine) recordFailure(ctx context.Context, job *domain.Job, ferr *domain.Error) error {
	if job.Status.Terminal() {
		m.log.Debug("failure callback for terminal job ignored",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}
	if m.isDuplicateFailure(job, ferr) {
		m.log.Debug("duplicate failure callback ignored",
			zap.String("job_id", job.ID), zap.Int("retry_count", job.RetryCount))
		return nil
	}

	attempt := job.RetryCount + 1
	if ferr.Retryable && attempt <= job.MaxRetries {
		requeueTo := job.Status.RequeueStatus()
		msg := ferr.Message
		expected := job.RetryCount
		applied, err := m.store.Transition(ctx, storage.TransitionRequest{
			JobID:           job.ID,
			From:            job.Status,
			To:              requeueTo,
			RetryDelta:      1,
			ExpectedRetries: &expected,
			ErrorMessage:    &msg,
			EventType:       domain.EventStageFailed,
			Severity:        domain.SeverityWarn,
			Code:            string(ferr.Code),
			Payload:         domain.FailurePayload{Kind: string(ferr.Code), Message: ferr.Message, Retryable: true, Attempt: attempt},
			CorrelationID:   job.CorrelationID,
			DocumentID:      job.DocumentID,
		})
		if err != nil || !applied {
			return err
		}
		runAt := time.Now().Add(m.backoff(attempt))
		if stage := stageFor(requeueTo); stage != "" {
			if err := m.queue.Enqueue(ctx, stage, job.ID, runAt); err != nil {
				m.log.Warn("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		m.log.Warn("stage failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("code", string(ferr.Code)),
			zap.Int("attempt", attempt),
			zap.Time("run_at", runAt))
		return nil
	}

	msg := ferr.Message
	_, err := m.store.Transition(ctx, storage.TransitionRequest{
		JobID:         job.ID,
		From:          job.Status,
		To:            domain.Failed,
		RetryDelta:    boolToInt(ferr.Retryable),
		ErrorMessage:  &msg,
		EventType:     domain.EventJobFailed,
		Severity:      domain.SeverityError,
		Code:          string(ferr.Code),
		Payload:       domain.FailurePayload{Kind: string(ferr.Code), Message: ferr.Message, Retryable: ferr.Retryable, Attempt: attempt},
		CorrelationID: job.CorrelationID,
		DocumentID:    job.DocumentID,
	})
	if err == nil {
		m.log.Error("job failed terminally",
			zap.String("job_id", job.ID),
			zap.String("code", string(ferr.Code)),
			zap.Int("attempts", attempt))
	}
	return err
}

// isDuplicateFailure reports whether ferr is a redelivery of a failure
// already applied to job. After a recorded failure the job sits in its
// stage's queued status carrying the error message, and the retry cannot
// have run before its scheduled backoff elapsed; an identical failure
// arriving inside that window can only be the same callback again.
func (m *Machine) isDuplicateFailure(job *domain.Job, ferr *domain.Error) bool {
	if job.RetryCount == 0 || job.Status != job.Status.RequeueStatus() {
		return false
	}
	if job.Error == nil || *job.Error != ferr.Message {
		return false
	}
	return time.Since(job.UpdatedAt) < m.backoff(job.RetryCount)
}

func (m *Machine) backoff(attempt int) time.Duration {
	d := m.config.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// stageFor maps a queued status to the redis stage queue it belongs on.
func stageFor(s domain.Status) string {
	switch s {
	case domain.ParseQueued:
		return queue.StageParse
	case domain.Chunking:
		return queue.StageChunk
	case domain.EmbeddingQueued:
		return queue.StageEmbed
	default:
		return ""
	}
}

func progressFor(s domain.Status) int {
	switch s {
	case domain.Uploaded:
		return 5
	case domain.ParseQueued:
		return 10
	case domain.Parsed:
		return 30
	case domain.ParseValidated:
		return 40
	case domain.Chunking:
		return 50
	case domain.ChunksStored:
		return 60
	case domain.EmbeddingQueued:
		return 70
	case domain.EmbeddingInProgress:
		return 85
	case domain.Complete:
		return 100
	default:
		return 0
	}
}
