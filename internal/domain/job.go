package domain

import "time"

type Status string

const (
	Uploaded            Status = "uploaded"
	ParseQueued         Status = "parse_queued"
	Parsed              Status = "parsed"
	ParseValidated      Status = "parse_validated"
	Chunking            Status = "chunking"
	ChunksStored        Status = "chunks_stored"
	EmbeddingQueued     Status = "embedding_queued"
	EmbeddingInProgress Status = "embedding_in_progress"
	Complete            Status = "complete"
	Failed              Status = "failed"
	Cancelled           Status = "cancelled"
)

// next holds the single forward edge of the linear stage graph.
var next = map[Status]Status{
	Uploaded:            ParseQueued,
	ParseQueued:         Parsed,
	Parsed:              ParseValidated,
	ParseValidated:      Chunking,
	Chunking:            ChunksStored,
	ChunksStored:        EmbeddingQueued,
	EmbeddingQueued:     EmbeddingInProgress,
	EmbeddingInProgress: Complete,
}

// requeue maps each status to the queued status of the stage it belongs
// to. A retryable stage failure re-enters the stage here rather than
// walking back through intermediate states.
var requeue = map[Status]Status{
	Uploaded:            ParseQueued,
	ParseQueued:         ParseQueued,
	Parsed:              ParseQueued,
	ParseValidated:      Chunking,
	Chunking:            Chunking,
	ChunksStored:        EmbeddingQueued,
	EmbeddingQueued:     EmbeddingQueued,
	EmbeddingInProgress: EmbeddingQueued,
}

func (s Status) Terminal() bool {
	return s == Complete || s == Failed || s == Cancelled
}

// Next returns the forward successor, or "" for terminal states.
func (s Status) Next() Status { return next[s] }

// RequeueStatus returns the queued status a retry of s re-enters.
func (s Status) RequeueStatus() Status { return requeue[s] }

// CanTransition reports whether from -> to is a legal job transition.
// Legal edges are the forward successor, re-entry of the current stage's
// queued state (retry), Failed from any non-terminal state, and Cancelled
// from any state short of Complete.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch {
	case next[from] == to:
		return true
	case requeue[from] == to:
		return true
	case to == Failed:
		return true
	case to == Cancelled:
		return true
	}
	return false
}

type Job struct {
	ID            string
	DocumentID    string
	Owner         string
	Status        Status
	CorrelationID string
	RetryCount    int
	MaxRetries    int
	Progress      int
	Error         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
