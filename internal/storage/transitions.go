package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/docflow/internal/domain"
)

// TransitionRequest is one optimistic-concurrency write against a job.
// The update is conditioned on From being the job's current status; the
// event insert rides in the same transaction, so both land or neither.
type TransitionRequest struct {
	JobID      string
	From       domain.Status
	To         domain.Status
	RetryDelta int

	// ExpectedRetries, when set, additionally conditions the update on the
	// stored retry_count. Retry re-entry has From == To, so the status
	// condition alone cannot tell a first delivery from a redelivered one;
	// this can.
	ExpectedRetries *int

	Progress      *int
	ErrorMessage  *string
	EventType     domain.EventType
	Severity      domain.Severity
	Code          string
	Payload       any
	CorrelationID string
	DocumentID    string
}

// Transition applies req. Returns (true, nil) when the row moved, and
// (false, nil) when the job already carries req.To (a duplicate callback,
// a benign no-op that writes no event). An illegal-transition error means
// the stored status is something else entirely.
func (s *Store) Transition(ctx context.Context, req TransitionRequest) (bool, error) {
	var payload []byte
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return false, errors.Wrap(err, "marshal event payload")
		}
		payload = b
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin transition tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
update jobs
   set status = $1,
       retry_count = retry_count + $2,
       progress = coalesce($3, progress),
       error = coalesce($4, error),
       updated_at = now()
 where id = $5 and status = $6
   and retry_count = coalesce($7, retry_count)`,
		req.To, req.RetryDelta, req.Progress, req.ErrorMessage, req.JobID, req.From,
		req.ExpectedRetries)
	if err != nil {
		return false, errors.Wrap(err, "conditional status update")
	}

	if tag.RowsAffected() == 0 {
		var current domain.Status
		err := tx.QueryRow(ctx, `select status from jobs where id = $1`, req.JobID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		if err != nil {
			return false, errors.Wrap(err, "read current status")
		}
		if current == req.To {
			// duplicate callback: already applied, no event
			return false, nil
		}
		return false, domain.IllegalTransition(current, req.To)
	}

	if err := insertEvent(ctx, tx, domain.Event{
		ID:            uuid.NewString(),
		JobID:         req.JobID,
		DocumentID:    req.DocumentID,
		Type:          req.EventType,
		Severity:      req.Severity,
		Code:          req.Code,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit transition tx")
	}
	return true, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	_, err := tx.Exec(ctx, `
insert into events (id, job_id, document_id, type, severity, code, payload, correlation_id)
values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.JobID, ev.DocumentID, ev.Type, ev.Severity, ev.Code, ev.Payload, ev.CorrelationID)
	return errors.Wrap(err, "insert event")
}

// ListEvents returns a job's events oldest first. Events are append-only;
// there is no update or delete path anywhere in this package.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, `
select id, job_id, document_id, type, severity, code, payload, correlation_id, ts
  from events where job_id = $1 order by ts asc`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.DocumentID, &ev.Type, &ev.Severity,
			&ev.Code, &ev.Payload, &ev.CorrelationID, &ev.TS); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
