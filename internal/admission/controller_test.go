package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/objstore"
	"github.com/you/docflow/internal/storage"
)

type fakeStore struct {
	mu     sync.Mutex
	docs   map[string]*domain.Document // keyed owner+hash
	jobs   map[string]*domain.Job
	events int
}

func newStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*domain.Document), jobs: make(map[string]*domain.Job)}
}

func (f *fakeStore) FindDocumentByHash(_ context.Context, owner, hash string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[owner+"/"+hash]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) LatestJobForDocument(_ context.Context, docID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Job
	for _, j := range f.jobs {
		if j.DocumentID == docID && (latest == nil || j.CreatedAt.After(latest.CreatedAt)) {
			latest = j
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) CountActiveJobs(_ context.Context, owner string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Owner == owner && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Admit(_ context.Context, p storage.AdmitParams) (*domain.Document, *domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := p.Owner + "/" + p.ContentHash
	doc, ok := f.docs[key]
	if !ok {
		doc = &domain.Document{
			ID: uuid.NewString(), Owner: p.Owner, Filename: p.Filename, Mime: p.Mime,
			Size: p.Size, ContentHash: p.ContentHash, StoragePath: p.StoragePath,
			CreatedAt: time.Now(),
		}
		f.docs[key] = doc
	}
	job := &domain.Job{
		ID: uuid.NewString(), DocumentID: doc.ID, Owner: p.Owner,
		Status: domain.Uploaded, CorrelationID: p.CorrelationID,
		MaxRetries: p.MaxRetries, CreatedAt: time.Now(),
	}
	f.jobs[job.ID] = job
	f.events++ // upload_accepted rides in the same unit of work
	dc, jc := *doc, *job
	return &dc, &jc, nil
}

func (f *fakeStore) setStatus(jobID string, s domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Status = s
}

type fakeHealth struct{ down map[string]bool }

func (h *fakeHealth) Healthy(name string) bool { return !h.down[name] }

type fakeCosts struct {
	mu      sync.Mutex
	rate    float64 // per MB
	ceiling float64 // 0 = unlimited
	spent   float64
}

func (c *fakeCosts) EstimateAll(size int64) float64 {
	return c.rate * float64(size) / (1 << 20)
}

func (c *fakeCosts) Reserve(_ context.Context, amount float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spent += amount
	if c.ceiling > 0 && c.spent > c.ceiling {
		c.spent -= amount
		return false, nil
	}
	return true, nil
}

func (c *fakeCosts) Release(_ context.Context, amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spent -= amount
	return nil
}

func hashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func validRequest(owner, content string) Request {
	return Request{
		Owner:         owner,
		Filename:      "report.pdf",
		Size:          1 << 20,
		Mime:          "application/pdf",
		ContentHash:   hashOf(content),
		CorrelationID: uuid.NewString(),
	}
}

func newController(store Store, health Health, costs CostGate, cfg Config) *Controller {
	return NewController(store, health, costs, objstore.NewMemory(), cfg, nil)
}
