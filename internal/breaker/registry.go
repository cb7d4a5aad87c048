package breaker

import "sync"

// Registry constructs breakers lazily by name so unrelated call sites that
// share a name share fate. It is safe for concurrent use.
type Registry struct {
	defaultConfig Config
	mu            sync.RWMutex
	breakers      map[string]*Breaker
}

func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the default config if
// needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaultConfig)
	r.breakers[name] = b
	return b
}

// GetWithConfig returns the breaker for name, creating it with a custom
// config if it does not exist yet.
func (r *Registry) GetWithConfig(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, config)
	r.breakers[name] = b
	return b
}

func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshot returns current stats for every registered breaker, keyed by
// name.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
