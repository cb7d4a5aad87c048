package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/degrade"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/objstore"
	"github.com/you/docflow/internal/storage"
)

// fakeStore mirrors the store's conditional-update contract: the write
// applies only when the stored status equals From, and a lost duplicate
// comes back as a benign no-op.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	docs   map[string]*domain.Document
	events []storage.TransitionRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs: make(map[string]*domain.Job),
		docs: make(map[string]*domain.Document),
	}
}

func (f *fakeStore) addJob(status domain.Status, maxRetries int) *domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &domain.Document{
		ID:          uuid.NewString(),
		Owner:       "u1",
		StoragePath: "docs/u1/" + uuid.NewString(),
	}
	f.docs[doc.ID] = doc
	j := &domain.Job{
		ID:            uuid.NewString(),
		DocumentID:    doc.ID,
		Owner:         "u1",
		Status:        status,
		CorrelationID: uuid.NewString(),
		MaxRetries:    maxRetries,
		UpdatedAt:     time.Now(),
	}
	f.jobs[j.ID] = j
	return j
}

func (f *fakeStore) ageJob(jobID string, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].UpdatedAt = time.Now().Add(-by)
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[documentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) Transition(_ context.Context, req storage.TransitionRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[req.JobID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if j.Status != req.From ||
		(req.ExpectedRetries != nil && j.RetryCount != *req.ExpectedRetries) {
		if j.Status == req.To {
			return false, nil
		}
		return false, domain.IllegalTransition(j.Status, req.To)
	}
	j.Status = req.To
	j.RetryCount += req.RetryDelta
	j.UpdatedAt = time.Now()
	if req.Progress != nil {
		j.Progress = *req.Progress
	}
	if req.ErrorMessage != nil {
		j.Error = req.ErrorMessage
	}
	f.events = append(f.events, req)
	return true, nil
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type enqueued struct {
	stage string
	jobID string
	runAt time.Time
}

type fakeQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (q *fakeQueue) Enqueue(_ context.Context, stage, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, enqueued{stage, jobID, runAt})
	return nil
}

func newTestMachine(store Store, q Queue) *Machine {
	return NewMachine(store, q, objstore.NewMemory(),
		breaker.NewRegistry(breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute}),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: 10 * time.Millisecond, FetchBaseDelay: 2 * time.Millisecond, FetchWindow: 200 * time.Millisecond},
		nil)
}

func TestAdvance_WritesEventWithPriorStatus(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMachine(store, q)
	job := store.addJob(domain.ParseQueued, 3)

	require.NoError(t, m.Advance(context.Background(), job, domain.Parsed))

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.Parsed, got.Status)
	assert.Equal(t, 30, got.Progress)
	require.Len(t, store.events, 1)
	payload := store.events[0].Payload.(domain.TransitionPayload)
	assert.Equal(t, domain.ParseQueued, payload.From)
	assert.Equal(t, domain.Parsed, payload.To)
}

func TestAdvance_DuplicateCallbackIsNoOp(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeQueue{})
	job := store.addJob(domain.ParseQueued, 3)
	ctx := context.Background()

	require.NoError(t, m.HandleCallback(ctx, Callback{JobID: job.ID, Target: domain.Parsed}))
	require.NoError(t, m.HandleCallback(ctx, Callback{JobID: job.ID, Target: domain.Parsed}))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, domain.Parsed, got.Status)
	assert.Equal(t, 1, store.eventCount())
}

func TestAdvance_StaleSnapshotLosesRaceQuietly(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeQueue{})
	job := store.addJob(domain.ParseQueued, 3)
	ctx := context.Background()

	// two callbacks read the same snapshot; the second's conditional
	// update matches zero rows and must stay silent
	snapshot := *job
	require.NoError(t, m.Advance(ctx, &snapshot, domain.Parsed))
	require.NoError(t, m.Advance(ctx, &snapshot, domain.Parsed))
	assert.Equal(t, 1, store.eventCount())
}

func TestAdvance_IllegalTransitionRejected(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeQueue{})
	job := store.addJob(domain.ParseQueued, 3)

	err := m.Advance(context.Background(), job, domain.Complete)
	require.Error(t, err)
	assert.Equal(t, domain.CodeIllegalTransition, domain.CodeOf(err))
	assert.Zero(t, store.eventCount())
}

func TestAdvance_QueuedStatesAreEnqueued(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMachine(store, q)
	job := store.addJob(domain.ChunksStored, 3)

	require.NoError(t, m.Advance(context.Background(), job, domain.EmbeddingQueued))
	require.Len(t, q.items, 1)
	assert.Equal(t, "embed", q.items[0].stage)
	assert.Equal(t, job.ID, q.items[0].jobID)
}

func TestHandleCallback_RetryableFailureRequeuesWithBackoff(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMachine(store, q)
	job := store.addJob(domain.EmbeddingInProgress, 3)

	cb := Callback{JobID: job.ID, Failure: domain.StageFailure("embedder 503", true)}
	require.NoError(t, m.HandleCallback(context.Background(), cb))

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.EmbeddingQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, q.items, 1)
	assert.Equal(t, "embed", q.items[0].stage)
	assert.True(t, q.items[0].runAt.After(time.Now().Add(-time.Second)))

	require.Len(t, store.events, 1)
	fp := store.events[0].Payload.(domain.FailurePayload)
	assert.True(t, fp.Retryable)
	assert.Equal(t, 1, fp.Attempt)
}

func TestHandleCallback_RedeliveredFailureIsNoOp(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := NewMachine(store, q, objstore.NewMemory(),
		breaker.NewRegistry(breaker.DefaultConfig()),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: time.Minute}, nil)
	job := store.addJob(domain.ParseQueued, 3)
	ctx := context.Background()

	// the same failure callback delivered twice, well before the retry's
	// scheduled backoff has elapsed
	cb := Callback{JobID: job.ID, Failure: domain.StageFailure("parser 503", true)}
	require.NoError(t, m.HandleCallback(ctx, cb))
	require.NoError(t, m.HandleCallback(ctx, cb))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, store.eventCount())
	assert.Len(t, q.items, 1)
}

func TestHandleCallback_RepeatFailureAfterBackoffCounts(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := NewMachine(store, q, objstore.NewMemory(),
		breaker.NewRegistry(breaker.DefaultConfig()),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: time.Minute}, nil)
	job := store.addJob(domain.ParseQueued, 3)
	ctx := context.Background()

	cb := Callback{JobID: job.ID, Failure: domain.StageFailure("parser 503", true)}
	require.NoError(t, m.HandleCallback(ctx, cb))

	// once the backoff window has passed the retry has had its chance to
	// run, so an identical failure is a genuine new one
	store.ageJob(job.ID, 2*time.Minute)
	require.NoError(t, m.HandleCallback(ctx, cb))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 2, store.eventCount())
}

func TestRecordFailure_StaleSnapshotAppliesOnce(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := NewMachine(store, q, objstore.NewMemory(),
		breaker.NewRegistry(breaker.DefaultConfig()),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: time.Minute}, nil)
	job := store.addJob(domain.ParseQueued, 3)
	ctx := context.Background()
	ferr := domain.StageFailure("parser 503", true)

	// two deliveries racing on the same pre-failure snapshot: the second's
	// update misses on the retry-count condition and stays silent
	snap1, snap2 := *job, *job
	require.NoError(t, m.recordFailure(ctx, &snap1, ferr))
	require.NoError(t, m.recordFailure(ctx, &snap2, ferr))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, store.eventCount())
	assert.Len(t, q.items, 1)
}

func TestHandleCallback_FailureForTerminalJobIgnored(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeQueue{})
	job := store.addJob(domain.Failed, 3)
	ctx := context.Background()

	cb := Callback{JobID: job.ID, Failure: domain.StageFailure("late callback", true)}
	require.NoError(t, m.HandleCallback(ctx, cb))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, domain.Failed, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Zero(t, store.eventCount())
}

func TestHandleCallback_RetryBudgetExhaustedFailsTerminally(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeQueue{})
	job := store.addJob(domain.EmbeddingInProgress, 2)
	store.jobs[job.ID].RetryCount = 2
	ctx := context.Background()

	cb := Callback{JobID: job.ID, Failure: domain.StageFailure("embedder 503", true)}
	require.NoError(t, m.HandleCallback(ctx, cb))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, domain.Failed, got.Status)
	require.NotNil(t, got.Error)
	fp := store.events[len(store.events)-1].Payload.(domain.FailurePayload)
	assert.Equal(t, string(domain.CodeStageFailure), fp.Kind)
	assert.Equal(t, 3, fp.Attempt)
}

func TestHandleCallback_NonRetryableFailsImmediately(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMachine(store, q)
	job := store.addJob(domain.ParseQueued, 3)

	cb := Callback{JobID: job.ID, Failure: domain.StageFailure("unsupported encoding", false)}
	require.NoError(t, m.HandleCallback(context.Background(), cb))

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.Failed, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, q.items)
}

func TestCancel(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeQueue{})
	ctx := context.Background()

	job := store.addJob(domain.Chunking, 3)
	require.NoError(t, m.Cancel(ctx, job.ID))
	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, domain.Cancelled, got.Status)

	// cancelling again is a no-op
	require.NoError(t, m.Cancel(ctx, job.ID))

	done := store.addJob(domain.Complete, 3)
	err := m.Cancel(ctx, done.ID)
	assert.Equal(t, domain.CodeIllegalTransition, domain.CodeOf(err))
}
