// The janitor is a singleton housekeeping loop. It promotes delayed jobs
// whose backoff has elapsed, requeues jobs stuck mid-stage past a deadline,
// and re-delivers queued jobs that never reached redis. A postgres advisory
// lock elects one leader; extra replicas idle until the lock frees.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/docflow/internal/config"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/queue"
	"github.com/you/docflow/internal/storage"
)

// janitorLockKey is the advisory-lock key shared by all janitor replicas.
const janitorLockKey = 7741

var stages = []string{queue.StageParse, queue.StageChunk, queue.StageEmbed}

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if cfg.AppEnv != "production" {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres pool", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	j := &janitor{
		db:         db,
		store:      storage.New(db),
		q:          queue.New(rdb),
		log:        log,
		stuckAfter: cfg.StuckJobAfter(),
		maxRetries: cfg.MaxStageRetries,
	}

	tick := time.NewTicker(cfg.JanitorTick())
	defer tick.Stop()

	log.Info("janitor started", zap.Duration("tick", cfg.JanitorTick()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			j.runOnce(ctx)
		}
	}
}

type janitor struct {
	db         *pgxpool.Pool
	store      *storage.Store
	q          *queue.RedisQ
	log        *zap.Logger
	stuckAfter time.Duration
	maxRetries int
}

func (j *janitor) runOnce(ctx context.Context) {
	// leader election; lock is session-scoped and re-checked every tick
	var leader bool
	if err := j.db.QueryRow(ctx, "select pg_try_advisory_lock($1)", janitorLockKey).Scan(&leader); err != nil {
		j.log.Warn("advisory lock", zap.Error(err))
		return
	}
	if !leader {
		return
	}

	now := time.Now().UTC().Unix()
	for _, stage := range stages {
		n, err := j.q.PromoteDue(ctx, stage, now, 200)
		if err != nil {
			j.log.Warn("promote due", zap.String("stage", stage), zap.Error(err))
			continue
		}
		if n > 0 {
			j.log.Info("promoted delayed jobs", zap.String("stage", stage), zap.Int("count", n))
		}
	}

	if err := j.requeueStuck(ctx, 200); err != nil {
		j.log.Warn("requeue stuck", zap.Error(err))
	}
	if err := j.redeliverQueued(ctx, 500); err != nil {
		j.log.Warn("redeliver queued", zap.Error(err))
	}
}

type stuckJob struct {
	id         string
	documentID string
	status     domain.Status
	retryCount int
}

// requeueStuck finds jobs that have sat in an in-flight status past the
// deadline and pushes them back through the state machine: re-entry of the
// stage's queued status while the retry budget holds, terminal failure
// after. The conditional transition means a job that moved on its own since
// the scan is left alone.
func (j *janitor) requeueStuck(ctx context.Context, batch int) error {
	rows, err := j.db.Query(ctx, `
		select id, document_id, status, retry_count from jobs
		 where status = any($1)
		   and updated_at < now() - $2::interval
		 order by updated_at asc
		 limit $3`,
		[]string{string(domain.Parsed), string(domain.ParseValidated),
			string(domain.Chunking), string(domain.ChunksStored),
			string(domain.EmbeddingInProgress)},
		j.stuckAfter.String(), batch)
	if err != nil {
		return err
	}
	defer rows.Close()

	var stuck []stuckJob
	for rows.Next() {
		var s stuckJob
		if err := rows.Scan(&s.id, &s.documentID, &s.status, &s.retryCount); err != nil {
			return err
		}
		stuck = append(stuck, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range stuck {
		if err := j.recover(ctx, s); err != nil {
			j.log.Warn("stuck job recovery",
				zap.String("job_id", s.id),
				zap.String("status", string(s.status)),
				zap.Error(err))
		}
	}
	return nil
}

func (j *janitor) recover(ctx context.Context, s stuckJob) error {
	payload := domain.FailurePayload{
		Kind:      "stage_failure",
		Message:   "no progress within deadline",
		Retryable: s.retryCount < j.maxRetries,
		Attempt:   s.retryCount + 1,
	}

	if s.retryCount >= j.maxRetries {
		msg := payload.Message
		_, err := j.store.Transition(ctx, storage.TransitionRequest{
			JobID:        s.id,
			DocumentID:   s.documentID,
			From:         s.status,
			To:           domain.Failed,
			ErrorMessage: &msg,
			EventType:    domain.EventJobFailed,
			Severity:     domain.SeverityError,
			Code:         "stage_failure",
			Payload:      payload,
		})
		return err
	}

	requeueTo := s.status.RequeueStatus()
	applied, err := j.store.Transition(ctx, storage.TransitionRequest{
		JobID:           s.id,
		DocumentID:      s.documentID,
		From:            s.status,
		To:              requeueTo,
		RetryDelta:      1,
		ExpectedRetries: &s.retryCount,
		EventType:       domain.EventStageFailed,
		Severity:        domain.SeverityWarn,
		Code:            "stage_failure",
		Payload:         payload,
	})
	if err != nil || !applied {
		return err
	}
	j.log.Info("requeued stuck job",
		zap.String("job_id", s.id),
		zap.String("from", string(s.status)),
		zap.String("to", string(requeueTo)),
		zap.Int("attempt", s.retryCount+1))
	return j.q.Enqueue(ctx, stageForQueued(requeueTo), s.id, time.Time{})
}

// redeliverQueued pushes jobs sitting in a queued status with no recent
// activity back onto their stage queue. Delivery is at-least-once; workers
// shed duplicates through the conditional status update.
func (j *janitor) redeliverQueued(ctx context.Context, batch int) error {
	rows, err := j.db.Query(ctx, `
		select id, status from jobs
		 where status = any($1)
		   and updated_at < now() - $2::interval
		 order by updated_at asc
		 limit $3`,
		[]string{string(domain.ParseQueued), string(domain.EmbeddingQueued)},
		j.stuckAfter.String(), batch)
	if err != nil {
		return err
	}
	defer rows.Close()

	type queued struct {
		id     string
		status domain.Status
	}
	var due []queued
	for rows.Next() {
		var q queued
		if err := rows.Scan(&q.id, &q.status); err != nil {
			return err
		}
		due = append(due, q)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range due {
		if err := j.q.Enqueue(ctx, stageForQueued(d.status), d.id, time.Time{}); err != nil {
			return err
		}
	}
	if len(due) > 0 {
		j.log.Info("redelivered queued jobs", zap.Int("count", len(due)))
	}
	return nil
}

func stageForQueued(s domain.Status) string {
	switch s {
	case domain.Chunking:
		return queue.StageChunk
	case domain.EmbeddingQueued:
		return queue.StageEmbed
	default:
		return queue.StageParse
	}
}
