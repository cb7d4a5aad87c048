package domain

import "time"

// Document is immutable once created. At most one Document exists per
// (Owner, ContentHash) pair; retries and re-runs create new Jobs against
// the same Document.
type Document struct {
	ID          string
	Owner       string
	Filename    string
	Mime        string
	Size        int64
	ContentHash string
	StoragePath string
	CreatedAt   time.Time
}
