// Package objstore abstracts the blob store documents land in.
// Read-after-write consistency is NOT assumed: an object can be admitted
// before it is readable, and consumers must treat an early miss as
// transient.
package objstore

import (
	"context"
	"time"
)

// Store is the contract the pipeline consumes. Get returns a domain error
// with code object_not_found when the path does not exist.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) ([]byte, error)

	// SignedWriteURL returns a time-boxed write capability scoped to path.
	SignedWriteURL(ctx context.Context, path string, expiry time.Duration) (string, time.Time, error)
}
