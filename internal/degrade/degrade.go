// Package degrade executes a primary call under a timeout and, when it
// fails, walks an ordered fallback chain until one strategy answers.
package degrade

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Level ranks how a request was actually served. Levels form a total
// order: Full > Degraded > Minimal > Unavailable.
type Level int

const (
	Unavailable Level = iota
	Minimal
	Degraded
	Full
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Degraded:
		return "degraded"
	case Minimal:
		return "minimal"
	default:
		return "unavailable"
	}
}

// Fallback is one strategy in a chain. Execute either produces a
// substitute result or fails, in which case the next strategy is tried.
type Fallback interface {
	Execute(ctx context.Context, req any) (any, error)
	Level() Level
	Name() string
}

// Static always answers with a fixed value.
type Static struct {
	StrategyName string
	Value        any
	ServedAt     Level
}

func (s *Static) Execute(ctx context.Context, req any) (any, error) { return s.Value, nil }
func (s *Static) Level() Level                                      { return s.ServedAt }
func (s *Static) Name() string                                      { return s.StrategyName }

// Cached answers with the last value stored under the request's key. It
// fails when nothing has been cached yet.
type Cached struct {
	StrategyName string
	ServedAt     Level
	KeyFunc      func(req any) string

	mu     sync.RWMutex
	values map[string]any
}

func NewCached(name string, level Level, keyFunc func(req any) string) *Cached {
	return &Cached{
		StrategyName: name,
		ServedAt:     level,
		KeyFunc:      keyFunc,
		values:       make(map[string]any),
	}
}

// Store records a last-known-good value for key. Call it on every primary
// success so the cache is warm when the primary goes down.
func (c *Cached) Store(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

func (c *Cached) Execute(ctx context.Context, req any) (any, error) {
	key := c.KeyFunc(req)
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no cached value for key %q", key)
	}
	return v, nil
}

func (c *Cached) Level() Level { return c.ServedAt }
func (c *Cached) Name() string { return c.StrategyName }

// Func runs an alternate code path, e.g. "queue for later".
type Func struct {
	StrategyName string
	ServedAt     Level
	Fn           func(ctx context.Context, req any) (any, error)
}

func (f *Func) Execute(ctx context.Context, req any) (any, error) { return f.Fn(ctx, req) }
func (f *Func) Level() Level                                      { return f.ServedAt }
func (f *Func) Name() string                                      { return f.StrategyName }
