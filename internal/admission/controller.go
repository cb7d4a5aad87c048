// Package admission gates every new processing request before any job
// exists: availability (soft), cost (hard), concurrency (hard), with
// content-addressed dedup short-circuiting the whole thing.
package admission

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/objstore"
	"github.com/you/docflow/internal/storage"
)

// Store is the slice of the relational store admission needs.
type Store interface {
	FindDocumentByHash(ctx context.Context, owner, contentHash string) (*domain.Document, error)
	LatestJobForDocument(ctx context.Context, documentID string) (*domain.Job, error)
	CountActiveJobs(ctx context.Context, owner string) (int, error)
	Admit(ctx context.Context, p storage.AdmitParams) (*domain.Document, *domain.Job, error)
}

// Health answers "was this service healthy at the last sweep"; admission
// never issues live checks, so no lock spans a network call here.
type Health interface {
	Healthy(name string) bool
}

// CostGate estimates and records marginal spend. Reserve is
// check-and-increment in one step; Release backs a reservation out when a
// later gate rejects.
type CostGate interface {
	EstimateAll(size int64) float64
	Reserve(ctx context.Context, amount float64) (bool, error)
	Release(ctx context.Context, amount float64) error
}

type Config struct {
	// MaxConcurrentPerOwner is the ceiling on an owner's non-terminal jobs.
	MaxConcurrentPerOwner int

	// MaxSize rejects oversized uploads at validation.
	MaxSize int64

	// AllowedMimes, when non-empty, whitelists content types.
	AllowedMimes []string

	// HardServices must be healthy or admission rejects outright.
	// SoftServices only degrade logging when unhealthy.
	HardServices []string
	SoftServices []string

	URLExpiry  time.Duration
	MaxRetries int
}

type Controller struct {
	store   Store
	health  Health
	costs   CostGate
	objects objstore.Store
	config  Config
	slots   *reservations
	log     *zap.Logger
}

func NewController(store Store, health Health, costs CostGate, objects objstore.Store,
	config Config, log *zap.Logger) *Controller {
	if config.MaxConcurrentPerOwner <= 0 {
		config.MaxConcurrentPerOwner = 10
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 100 << 20
	}
	if config.URLExpiry <= 0 {
		config.URLExpiry = 15 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store:   store,
		health:  health,
		costs:   costs,
		objects: objects,
		config:  config,
		slots:   newReservations(),
		log:     log,
	}
}

type Request struct {
	Owner         string
	Filename      string
	Size          int64
	Mime          string
	ContentHash   string
	CorrelationID string
}

type Result struct {
	JobID        string    `json:"job_id"`
	DocumentID   string    `json:"document_id"`
	WriteURL     string    `json:"write_url"`
	URLExpiry    time.Time `json:"url_expiry"`
	Deduplicated bool      `json:"deduplicated"`
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Admit runs the gates in order: validation, availability (soft), dedup
// (short-circuit), cost (hard), concurrency (hard). On acceptance it
// creates-or-reuses the Document, creates the Job, writes the
// upload_accepted event and returns a time-boxed write capability.
func (c *Controller) Admit(ctx context.Context, req Request) (*Result, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	if err := c.checkAvailability(req); err != nil {
		return nil, err
	}

	if res, err := c.dedup(ctx, req); err != nil || res != nil {
		return res, err
	}

	estimate := c.costs.EstimateAll(req.Size)
	reserved, err := c.costs.Reserve(ctx, estimate)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, domain.CostLimitExceeded("pipeline", estimate)
	}
	// The spend reservation is backed out whenever a later gate or the
	// store rejects, so a refused admission never counts against the
	// ceilings.
	accepted := false
	defer func() {
		if accepted {
			return
		}
		if rerr := c.costs.Release(ctx, estimate); rerr != nil {
			c.log.Warn("cost reservation release failed",
				zap.String("owner", req.Owner), zap.Error(rerr))
		}
	}()

	// The reservation holds the owner's slot while the row is being
	// created; the deferred release always runs, cancellation included.
	pendingBefore, release := c.slots.reserve(req.Owner)
	defer release()

	active, err := c.store.CountActiveJobs(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if active+pendingBefore >= c.config.MaxConcurrentPerOwner {
		return nil, domain.ConcurrencyLimitExceeded(req.Owner, c.config.MaxConcurrentPerOwner)
	}

	path := storagePath(req.Owner, req.ContentHash)
	doc, job, err := c.store.Admit(ctx, storage.AdmitParams{
		Owner:         req.Owner,
		Filename:      req.Filename,
		Mime:          req.Mime,
		Size:          req.Size,
		ContentHash:   req.ContentHash,
		StoragePath:   path,
		CorrelationID: req.CorrelationID,
		MaxRetries:    c.config.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	// The job row exists from here; the spend stays charged even if the
	// URL signing below fails, because the work will still run.
	accepted = true

	url, expiry, err := c.objects.SignedWriteURL(ctx, path, c.config.URLExpiry)
	if err != nil {
		return nil, err
	}

	c.log.Info("admission accepted",
		zap.String("owner", req.Owner),
		zap.String("job_id", job.ID),
		zap.String("document_id", doc.ID),
		zap.String("correlation_id", req.CorrelationID),
		zap.Float64("estimated_cost", estimate))

	return &Result{JobID: job.ID, DocumentID: doc.ID, WriteURL: url, URLExpiry: expiry}, nil
}

func (c *Controller) validate(req Request) error {
	switch {
	case req.Owner == "":
		return domain.Validationf("owner is required")
	case req.Filename == "":
		return domain.Validationf("filename is required")
	case req.Size <= 0:
		return domain.Validationf("size must be positive")
	case req.Size > c.config.MaxSize:
		return domain.Validationf("size %d exceeds the %d byte limit", req.Size, c.config.MaxSize)
	case !hashPattern.MatchString(req.ContentHash):
		return domain.Validationf("content_hash must be a lowercase hex sha-256")
	}
	if len(c.config.AllowedMimes) > 0 {
		for _, m := range c.config.AllowedMimes {
			if m == req.Mime {
				return nil
			}
		}
		return domain.Validationf("mime %q is not accepted", req.Mime)
	}
	return nil
}

// checkAvailability is the soft gate: unhealthy soft services degrade
// logging only. A hard service being down rejects, because accepting work
// the store cannot record would strand the caller.
func (c *Controller) checkAvailability(req Request) error {
	for _, name := range c.config.SoftServices {
		if !c.health.Healthy(name) {
			c.log.Warn("admitting despite unhealthy service",
				zap.String("service", name),
				zap.String("owner", req.Owner),
				zap.String("correlation_id", req.CorrelationID))
		}
	}
	for _, name := range c.config.HardServices {
		if !c.health.Healthy(name) {
			return domain.ServiceUnavailable(name)
		}
	}
	return nil
}

// dedup returns the existing job and a fresh write capability when the
// same (owner, content_hash) already has a live pipeline run. A document
// whose last run ended failed or cancelled falls through: re-runs create a
// new job against the same document.
func (c *Controller) dedup(ctx context.Context, req Request) (*Result, error) {
	doc, err := c.store.FindDocumentByHash(ctx, req.Owner, req.ContentHash)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := c.store.LatestJobForDocument(ctx, doc.ID)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status == domain.Failed || job.Status == domain.Cancelled {
		return nil, nil
	}

	url, expiry, err := c.objects.SignedWriteURL(ctx, doc.StoragePath, c.config.URLExpiry)
	if err != nil {
		return nil, err
	}
	c.log.Info("admission deduplicated",
		zap.String("owner", req.Owner),
		zap.String("job_id", job.ID),
		zap.String("document_id", doc.ID),
		zap.String("correlation_id", req.CorrelationID))
	return &Result{JobID: job.ID, DocumentID: doc.ID, WriteURL: url, URLExpiry: expiry, Deduplicated: true}, nil
}

func storagePath(owner, contentHash string) string {
	return fmt.Sprintf("docs/%s/%s", owner, contentHash)
}
