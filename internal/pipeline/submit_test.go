package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/degrade"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/objstore"
	"github.com/you/docflow/internal/queue"
)

type fakeSubmitter struct {
	name  string
	calls int
	err   error
}

func (s *fakeSubmitter) Name() string { return s.name }
func (s *fakeSubmitter) Submit(context.Context, *domain.Job) error {
	s.calls++
	return s.err
}

func submitMachine(store Store, q Queue, deg *degrade.Manager) *Machine {
	return NewMachine(store, q, objstore.NewMemory(),
		breaker.NewRegistry(breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute}),
		deg,
		Config{RetryBaseDelay: time.Millisecond, FetchBaseDelay: time.Millisecond, FetchWindow: time.Millisecond},
		nil)
}

func TestSubmit_PrimarySuccess(t *testing.T) {
	store := newFakeStore()
	m := submitMachine(store, &fakeQueue{}, degrade.NewManager("ingestion", time.Second, nil))
	job := store.addJob(domain.ParseQueued, 3)
	parser := &fakeSubmitter{name: "parser"}

	require.NoError(t, m.Submit(context.Background(), parser, job))
	assert.Equal(t, 1, parser.calls)
	assert.Zero(t, store.eventCount())
}

func TestSubmit_FallbackAbsorbsFailure(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	deg := degrade.NewManager("ingestion", time.Second, nil)
	parked := 0
	deg.AddFallback(&degrade.Func{
		StrategyName: "park-for-later",
		ServedAt:     degrade.Minimal,
		Fn: func(context.Context, any) (any, error) {
			parked++
			return nil, nil
		},
	})
	m := submitMachine(store, q, deg)
	job := store.addJob(domain.ParseQueued, 3)
	parser := &fakeSubmitter{name: "parser", err: errors.New("parser 502")}

	require.NoError(t, m.Submit(context.Background(), parser, job))
	assert.Equal(t, 1, parked)
	assert.Equal(t, degrade.Minimal, deg.CurrentLevel())
	// stage did not fail the job; the fallback answered
	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.ParseQueued, got.Status)
}

func TestSubmit_TotalFailureRecordsRetry(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := submitMachine(store, q, degrade.NewManager("ingestion", time.Second, nil))
	job := store.addJob(domain.ParseQueued, 3)
	parser := &fakeSubmitter{name: "parser", err: errors.New("parser 502")}

	require.NoError(t, m.Submit(context.Background(), parser, job))

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.ParseQueued, got.Status) // re-entered its own queued state
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, q.items, 1)
}

func TestSubmit_OpenCircuitShedsWithoutCalling(t *testing.T) {
	store := newFakeStore()
	m := submitMachine(store, &fakeQueue{}, degrade.NewManager("ingestion", time.Second, nil))
	parser := &fakeSubmitter{name: "parser", err: errors.New("boom")}

	// trip the breaker (threshold 2)
	j1 := store.addJob(domain.ParseQueued, 5)
	require.NoError(t, m.Submit(context.Background(), parser, j1))
	j1b, _ := store.GetJob(context.Background(), j1.ID)
	require.NoError(t, m.Submit(context.Background(), parser, j1b))
	assert.Equal(t, 2, parser.calls)

	// circuit is open now: no downstream attempt, failure classified as
	// circuit_open and retryable
	j2 := store.addJob(domain.ParseQueued, 5)
	require.NoError(t, m.Submit(context.Background(), parser, j2))
	assert.Equal(t, 2, parser.calls)

	last := store.events[len(store.events)-1]
	assert.Equal(t, string(domain.CodeCircuitOpen), last.Code)
}

// deliverOnce feeds RunWorker a single job id, then cancels the worker.
func deliverOnce(cancel context.CancelFunc, jobID string) func(context.Context) (string, error) {
	delivered := false
	return func(ctx context.Context) (string, error) {
		if !delivered {
			delivered = true
			return jobID, nil
		}
		cancel()
		return "", ctx.Err()
	}
}

func TestRunWorker_ParseRidesOutVisibilityLag(t *testing.T) {
	store := newFakeStore()
	objects := objstore.NewMemory()
	objects.VisibilityLag = 20 * time.Millisecond
	m := NewMachine(store, &fakeQueue{}, objects,
		breaker.NewRegistry(breaker.DefaultConfig()),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: time.Minute, FetchBaseDelay: 5 * time.Millisecond, FetchWindow: time.Second},
		nil)
	job := store.addJob(domain.ParseQueued, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc, err := store.GetDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	require.NoError(t, objects.Put(ctx, doc.StoragePath, []byte("bytes")))

	// the object was just written and is not yet readable; the worker must
	// wait it out and still hand the job to the parser
	parser := &fakeSubmitter{name: "parser"}
	err = m.RunWorker(ctx, queue.StageParse, deliverOnce(cancel, job.ID), parser)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, parser.calls)
	assert.Zero(t, store.eventCount())
}

func TestRunWorker_ParseMissOutlivingWindowFailsJob(t *testing.T) {
	store := newFakeStore()
	m := NewMachine(store, &fakeQueue{}, objstore.NewMemory(),
		breaker.NewRegistry(breaker.DefaultConfig()),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: time.Minute, FetchBaseDelay: 5 * time.Millisecond, FetchWindow: 20 * time.Millisecond},
		nil)
	job := store.addJob(domain.ParseQueued, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing was ever uploaded: once the window closes the miss is
	// permanent and the job fails without a parser attempt
	parser := &fakeSubmitter{name: "parser"}
	err := m.RunWorker(ctx, queue.StageParse, deliverOnce(cancel, job.ID), parser)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, parser.calls)

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.Failed, got.Status)
	require.NotEmpty(t, store.events)
	last := store.events[len(store.events)-1]
	assert.Equal(t, string(domain.CodeObjectNotFound), last.Code)
}

func TestAsStageError(t *testing.T) {
	assert.Nil(t, asStageError(nil, "parser"))

	e := asStageError(breaker.ErrCircuitOpen, "parser")
	assert.Equal(t, domain.CodeCircuitOpen, e.Code)
	assert.True(t, e.Retryable)

	e = asStageError(context.DeadlineExceeded, "parser")
	assert.True(t, e.Retryable)

	e = asStageError(domain.StageFailure("bad pdf", false), "parser")
	assert.False(t, e.Retryable)

	e = asStageError(errors.New("socket closed"), "parser")
	assert.Equal(t, domain.CodeStageFailure, e.Code)
	assert.True(t, e.Retryable)
}
