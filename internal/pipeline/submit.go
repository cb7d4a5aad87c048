package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/queue"
)

// Submitter hands a job to an external stage service (parser, embedder).
// Completion arrives later as a Callback; Submit only acknowledges
// acceptance.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, job *domain.Job) error
}

// Submit sends job to svc through svc's circuit breaker, routing failures
// through the ingestion degradation manager before anything surfaces. An
// open circuit is one more primary failure as far as degradation is
// concerned; the fallback chain (typically "park it for later") decides
// what the caller sees.
func (m *Machine) Submit(ctx context.Context, svc Submitter, job *domain.Job) error {
	br := m.breakers.Get(svc.Name())
	res := m.degraded.Execute(ctx, job, func(ctx context.Context) (any, error) {
		err := br.Do(ctx, func(ctx context.Context) error {
			return svc.Submit(ctx, job)
		})
		return nil, err
	})
	if res.OK() {
		if res.StrategyUsed != "primary" {
			m.log.Warn("stage submit served by fallback",
				zap.String("job_id", job.ID),
				zap.String("service", svc.Name()),
				zap.String("strategy", res.StrategyUsed),
				zap.String("level", res.Level.String()))
		}
		return nil
	}

	// stage-time failure: record, never throw across the async boundary
	ferr := asStageError(res.Err, svc.Name())
	return m.recordFailure(ctx, job, ferr)
}

// RunWorker drains one stage queue: pop, load, hand to svc. For the parse
// stage the document bytes are fetched first with the bounded-backoff
// read, so a read-after-write miss retries instead of failing the job.
func (m *Machine) RunWorker(ctx context.Context, stage string, dequeue func(context.Context) (string, error), svc Submitter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobID, err := dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("dequeue failed", zap.String("stage", stage), zap.Error(err))
			continue
		}
		if jobID == "" {
			continue
		}

		job, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			m.log.Warn("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if job.Status.Terminal() {
			continue
		}
		if stage == queue.StageParse {
			if ok := m.verifyUpload(ctx, job); !ok {
				continue
			}
		}
		if err := m.Submit(ctx, svc, job); err != nil {
			m.log.Warn("submit failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// verifyUpload confirms the document bytes are readable before the job is
// handed to the parser. A job can be marked readable before the object
// store serves reads, so FetchDocument rides out the visibility lag; a
// miss that outlives the window fails the job through the normal failure
// path. Returns false when the job should not be submitted.
func (m *Machine) verifyUpload(ctx context.Context, job *domain.Job) bool {
	doc, err := m.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		m.log.Warn("document lookup failed",
			zap.String("job_id", job.ID), zap.String("document_id", job.DocumentID), zap.Error(err))
		return false
	}
	if _, err := m.FetchDocument(ctx, doc.StoragePath); err != nil {
		if ctx.Err() != nil {
			return false
		}
		if rerr := m.recordFailure(ctx, job, asStageError(err, "object-store")); rerr != nil {
			m.log.Warn("recording fetch failure failed",
				zap.String("job_id", job.ID), zap.Error(rerr))
		}
		return false
	}
	return true
}

// asStageError classifies an arbitrary submit failure into the domain
// taxonomy. Circuit-open and timeouts are transient: the dependency may
// recover within the retry budget.
func asStageError(err error, service string) *domain.Error {
	var de *domain.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, breaker.ErrCircuitOpen):
		return &domain.Error{Code: domain.CodeCircuitOpen, Message: service + ": circuit open", Retryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.Error{Code: domain.CodeStageFailure, Message: service + ": timed out", Retryable: true}
	case errors.As(err, &de):
		return de
	default:
		return domain.StageFailure(service+": "+err.Error(), true)
	}
}
