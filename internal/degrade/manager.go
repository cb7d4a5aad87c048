package degrade

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result is the structured outcome of a degraded execution. On total
// failure Err carries the PRIMARY's error (the root cause), never the last
// fallback's.
type Result struct {
	Value        any
	Level        Level
	StrategyUsed string
	Err          error
}

func (r Result) OK() bool { return r.Err == nil }

// Manager wraps one dependency class (ingestion, retrieval, storage) with
// a timeout on the primary call and an ordered fallback chain. One Manager
// exists per class; it is safe for concurrent use.
type Manager struct {
	name    string
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	fallbacks []Fallback
	current   Level
}

func NewManager(name string, timeout time.Duration, log *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{name: name, timeout: timeout, log: log, current: Full}
}

// AddFallback appends a strategy; fallbacks run in registration order.
func (m *Manager) AddFallback(f Fallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, f)
}

// Execute runs primary under the manager's timeout. A timeout counts the
// same as a returned error. On primary failure the fallbacks are tried in
// order; the first that does not itself fail becomes the result, and its
// declared level becomes the manager's current level.
func (m *Manager) Execute(ctx context.Context, req any, primary func(ctx context.Context) (any, error)) Result {
	value, primaryErr := m.callWithTimeout(ctx, primary)
	if primaryErr == nil {
		m.setLevel(Full)
		return Result{Value: value, Level: Full, StrategyUsed: "primary"}
	}

	m.mu.Lock()
	chain := make([]Fallback, len(m.fallbacks))
	copy(chain, m.fallbacks)
	m.mu.Unlock()

	for _, f := range chain {
		v, err := f.Execute(ctx, req)
		if err != nil {
			m.log.Debug("fallback failed",
				zap.String("manager", m.name),
				zap.String("strategy", f.Name()),
				zap.Error(err))
			continue
		}
		m.setLevel(f.Level())
		m.log.Warn("served degraded",
			zap.String("manager", m.name),
			zap.String("strategy", f.Name()),
			zap.String("level", f.Level().String()),
			zap.Error(primaryErr))
		return Result{Value: v, Level: f.Level(), StrategyUsed: f.Name()}
	}

	m.setLevel(Unavailable)
	return Result{Level: Unavailable, Err: primaryErr}
}

func (m *Manager) callWithTimeout(ctx context.Context, primary func(ctx context.Context) (any, error)) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := primary(cctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-cctx.Done():
		return nil, cctx.Err()
	}
}

func (m *Manager) setLevel(l Level) {
	m.mu.Lock()
	m.current = l
	m.mu.Unlock()
}

// CurrentLevel is the level of the most recent execution, for the health
// surface.
func (m *Manager) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Name() string { return m.name }

// Registry holds one Manager per dependency class.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

func (r *Registry) Register(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[m.Name()] = m
}

func (r *Registry) Get(name string) *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[name]
}

// Levels returns the current level per dependency class, keyed by name.
func (r *Registry) Levels() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.managers))
	for name, m := range r.managers {
		out[name] = m.CurrentLevel().String()
	}
	return out
}
