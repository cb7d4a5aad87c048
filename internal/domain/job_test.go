package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardChain(t *testing.T) {
	order := []Status{
		Uploaded, ParseQueued, Parsed, ParseValidated, Chunking,
		ChunksStored, EmbeddingQueued, EmbeddingInProgress, Complete,
	}
	for i := 0; i < len(order)-1; i++ {
		assert.True(t, CanTransition(order[i], order[i+1]), "%s -> %s", order[i], order[i+1])
	}
	// skipping a stage is illegal
	assert.False(t, CanTransition(Uploaded, Parsed))
	assert.False(t, CanTransition(Parsed, Chunking))
}

func TestCanTransition_Terminal(t *testing.T) {
	for _, s := range []Status{Complete, Failed, Cancelled} {
		assert.True(t, s.Terminal())
		assert.False(t, CanTransition(s, Failed))
		assert.False(t, CanTransition(s, ParseQueued))
	}
	for _, s := range []Status{Uploaded, Chunking, EmbeddingInProgress} {
		assert.True(t, CanTransition(s, Failed))
		assert.True(t, CanTransition(s, Cancelled))
	}
}

func TestRequeueStatus_ReentersStageQueue(t *testing.T) {
	assert.Equal(t, ParseQueued, Parsed.RequeueStatus())
	assert.Equal(t, EmbeddingQueued, EmbeddingInProgress.RequeueStatus())
	assert.Equal(t, Chunking, Chunking.RequeueStatus())
	assert.True(t, CanTransition(EmbeddingInProgress, EmbeddingQueued))
}

func TestCodeOf(t *testing.T) {
	err := ConcurrencyLimitExceeded("u1", 4)
	assert.Equal(t, CodeConcurrencyLimit, CodeOf(err))
	assert.False(t, Retryable(err))
	assert.True(t, Retryable(TransientStorageUnavailable("docs/a")))
	assert.Equal(t, Code(""), CodeOf(assert.AnError))
}
