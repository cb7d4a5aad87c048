package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/degrade"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/objstore"
)

func fetchMachine(objects *objstore.Memory, window time.Duration) *Machine {
	return NewMachine(newFakeStore(), &fakeQueue{}, objects,
		breaker.NewRegistry(breaker.DefaultConfig()),
		degrade.NewManager("ingestion", time.Second, nil),
		Config{RetryBaseDelay: time.Millisecond, FetchBaseDelay: 5 * time.Millisecond, FetchWindow: window},
		nil)
}

func TestFetchDocument_RetriesThroughVisibilityLag(t *testing.T) {
	objects := objstore.NewMemory()
	objects.VisibilityLag = 30 * time.Millisecond
	m := fetchMachine(objects, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, objects.Put(ctx, "docs/u1/h", []byte("bytes")))

	// immediately after the write the object is invisible; the bounded
	// backoff must ride it out rather than failing the stage
	data, err := m.FetchDocument(ctx, "docs/u1/h")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestFetchDocument_PermanentMissAfterWindow(t *testing.T) {
	m := fetchMachine(objstore.NewMemory(), 25*time.Millisecond)

	start := time.Now()
	_, err := m.FetchDocument(context.Background(), "docs/u1/never")
	require.Error(t, err)
	assert.Equal(t, domain.CodeObjectNotFound, domain.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchDocument_ContextCancellation(t *testing.T) {
	objects := objstore.NewMemory()
	objects.VisibilityLag = time.Hour
	m := fetchMachine(objects, time.Hour)
	require.NoError(t, objects.Put(context.Background(), "docs/u1/h", []byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.FetchDocument(ctx, "docs/u1/h")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
