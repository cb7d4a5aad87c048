// Package storage is the relational source of truth for documents, jobs
// and events. Job status writes are conditional updates keyed on the
// expected prior status; zero rows affected is how a lost race or a
// duplicate callback shows up, never a torn write.
package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/docflow/internal/domain"
)

// ErrNotFound is returned when a document or job does not exist.
var ErrNotFound = errors.New("not found")

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// FindDocumentByHash looks up the dedup index. (owner, content_hash) maps
// to at most one document.
func (s *Store) FindDocumentByHash(ctx context.Context, owner, contentHash string) (*domain.Document, error) {
	row := s.db.QueryRow(ctx, `
select id, owner, filename, mime, size, content_hash, storage_path, created_at
  from documents
 where owner = $1 and content_hash = $2`, owner, contentHash)
	return scanDocument(row)
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	row := s.db.QueryRow(ctx, `
select id, owner, filename, mime, size, content_hash, storage_path, created_at
  from documents where id = $1`, documentID)
	return scanDocument(row)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
select id, document_id, owner, status, correlation_id, retry_count, max_retries,
       progress, error, created_at, updated_at
  from jobs where id = $1`, jobID)
	return scanJob(row)
}

// LatestJobForDocument returns the most recent job for a document, or
// ErrNotFound if the document has never been run.
func (s *Store) LatestJobForDocument(ctx context.Context, documentID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
select id, document_id, owner, status, correlation_id, retry_count, max_retries,
       progress, error, created_at, updated_at
  from jobs where document_id = $1
 order by created_at desc limit 1`, documentID)
	return scanJob(row)
}

// CountActiveJobs counts the owner's non-terminal jobs; this is the
// concurrency-gate input.
func (s *Store) CountActiveJobs(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
select count(*) from jobs
 where owner = $1 and status not in ('complete', 'failed', 'cancelled')`, owner).Scan(&n)
	return n, errors.Wrap(err, "count active jobs")
}

// AdmitParams is everything admission persists when it accepts a request.
type AdmitParams struct {
	Owner         string
	Filename      string
	Mime          string
	Size          int64
	ContentHash   string
	StoragePath   string
	CorrelationID string
	MaxRetries    int
}

// Admit creates-or-reuses the Document, creates the Job in its initial
// status and appends the upload_accepted event, all in one transaction.
func (s *Store) Admit(ctx context.Context, p AdmitParams) (*domain.Document, *domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin admit tx")
	}
	defer tx.Rollback(ctx)

	docID := uuid.NewString()
	// ON CONFLICT DO NOTHING + reselect keeps (owner, content_hash) unique
	// even when two identical uploads race.
	if _, err := tx.Exec(ctx, `
insert into documents (id, owner, filename, mime, size, content_hash, storage_path)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (owner, content_hash) do nothing`,
		docID, p.Owner, p.Filename, p.Mime, p.Size, p.ContentHash, p.StoragePath); err != nil {
		return nil, nil, errors.Wrap(err, "insert document")
	}
	doc, err := scanDocument(tx.QueryRow(ctx, `
select id, owner, filename, mime, size, content_hash, storage_path, created_at
  from documents where owner = $1 and content_hash = $2`, p.Owner, p.ContentHash))
	if err != nil {
		return nil, nil, err
	}

	jobID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
insert into jobs (id, document_id, owner, status, correlation_id, retry_count, max_retries, progress)
values ($1, $2, $3, $4, $5, 0, $6, 0)`,
		jobID, doc.ID, p.Owner, domain.Uploaded, p.CorrelationID, p.MaxRetries); err != nil {
		return nil, nil, errors.Wrap(err, "insert job")
	}

	if err := insertEvent(ctx, tx, domain.Event{
		ID:            uuid.NewString(),
		JobID:         jobID,
		DocumentID:    doc.ID,
		Type:          domain.EventUploadAccepted,
		Severity:      domain.SeverityInfo,
		Code:          string(domain.EventUploadAccepted),
		CorrelationID: p.CorrelationID,
	}); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit admit tx")
	}
	job, err := s.GetJob(ctx, jobID)
	return doc, job, err
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	err := row.Scan(&d.ID, &d.Owner, &d.Filename, &d.Mime, &d.Size,
		&d.ContentHash, &d.StoragePath, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan document")
	}
	return &d, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.DocumentID, &j.Owner, &j.Status, &j.CorrelationID,
		&j.RetryCount, &j.MaxRetries, &j.Progress, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	return &j, nil
}
