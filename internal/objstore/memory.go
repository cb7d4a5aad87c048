package objstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/you/docflow/internal/domain"
)

// Memory is an in-process Store for development and tests. VisibilityLag
// makes freshly written objects invisible for a while, reproducing the
// read-after-write behavior of a real blob store.
type Memory struct {
	// VisibilityLag delays visibility of new objects to Get/Exists.
	VisibilityLag time.Duration

	// SigningKey signs dev-mode write URLs.
	SigningKey []byte

	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data      []byte
	visibleAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		SigningKey: []byte("dev-signing-key"),
		objects:    make(map[string]memObject),
		now:        time.Now,
	}
}

func (m *Memory) Put(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[path] = memObject{data: buf, visibleAt: m.now().Add(m.VisibilityLag)}
	return nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	return ok && !m.now().Before(obj.visibleAt), nil
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok || m.now().Before(obj.visibleAt) {
		return nil, domain.ObjectNotFound(path)
	}
	return obj.data, nil
}

func (m *Memory) SignedWriteURL(ctx context.Context, path string, expiry time.Duration) (string, time.Time, error) {
	deadline := m.now().Add(expiry)
	mac := hmac.New(sha256.New, m.SigningKey)
	fmt.Fprintf(mac, "PUT\n%s\n%d", path, deadline.Unix())
	sig := hex.EncodeToString(mac.Sum(nil))
	url := fmt.Sprintf("mem://uploads/%s?expires=%d&sig=%s", path, deadline.Unix(), sig)
	return url, deadline, nil
}
