// Package breaker implements the circuit breaker guarding every
// downstream call the pipeline makes.
//
// State diagram:
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │ [open timeout]
//	   │                              ▼
//	   └──[success threshold]── HALF_OPEN ──[any failure]──► OPEN
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ErrCircuitOpen is returned when a call is shed without a downstream
// attempt. It is accounted separately from downstream failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config controls how a breaker trips and recovers.
type Config struct {
	// FailureThreshold is consecutive classified failures before opening.
	FailureThreshold int

	// SuccessThreshold is consecutive probe successes to close from half-open.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before admitting a probe.
	OpenTimeout time.Duration

	// Classify reports whether err counts as a breaker failure. Errors it
	// rejects pass through uncounted, so caller bugs cannot trip the
	// circuit. nil means every non-nil error counts.
	Classify func(error) bool

	// OnStateChange is called asynchronously on transitions.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Stats is a point-in-time snapshot for health surfaces.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalShortCircs int64     `json:"total_short_circuits"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
}

// Breaker is safe for concurrent use; all state mutation is serialized by
// its mutex, which is never held across the wrapped call.
type Breaker struct {
	name   string
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	probing     bool

	totalCalls      int64
	totalFailures   int64
	totalShortCircs int64
}

func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &Breaker{name: name, config: config, state: Closed}
}

// errPanicked settles a call whose fn panicked. It counts as a failure
// under the default classification; a custom Classify may ignore it, but
// the probe slot is released either way.
var errPanicked = errors.New("wrapped call panicked")

// Do runs fn if the circuit allows it. When open, it returns
// ErrCircuitOpen without invoking fn. After OpenTimeout has elapsed since
// the last failure, exactly one in-flight probe is admitted; further calls
// are shed until that probe settles. A panic in fn settles the call before
// propagating, so a panicking probe cannot wedge the half-open state.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, ok := b.allow()
	if !ok {
		return ErrCircuitOpen
	}

	settled := false
	defer func() {
		if !settled {
			b.settle(errPanicked, probe)
		}
	}()

	err := fn(ctx)
	settled = true
	b.settle(err, probe)
	return err
}

func (b *Breaker) allow() (probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case Closed:
		return false, true
	case Open:
		if time.Since(b.lastFailure) > b.config.OpenTimeout {
			b.transitionTo(HalfOpen)
			b.probing = true
			return true, true
		}
		b.totalShortCircs++
		return false, false
	case HalfOpen:
		if b.probing {
			// one probe at a time
			b.totalShortCircs++
			return false, false
		}
		b.probing = true
		return true, true
	default:
		return false, false
	}
}

func (b *Breaker) settle(err error, probe bool) {
	counts := err != nil && (b.config.Classify == nil || b.config.Classify(err))

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if err != nil && !counts {
		// Unclassified errors pass through without touching the counters.
		return
	}

	if counts {
		b.failures++
		b.successes = 0
		b.totalFailures++
		b.lastFailure = time.Now()
		switch b.state {
		case Closed:
			if b.failures >= b.config.FailureThreshold {
				b.transitionTo(Open)
			}
		case HalfOpen:
			b.transitionTo(Open)
		}
		return
	}

	b.successes++
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.transitionTo(Closed)
		}
	}
}

// transitionTo requires b.mu held.
func (b *Breaker) transitionTo(state State) {
	if b.state == state {
		return
	}
	old := b.state
	b.state = state
	if state != HalfOpen {
		b.successes = 0
	}
	if b.config.OnStateChange != nil {
		// callback outside the lock path to prevent deadlocks
		go b.config.OnStateChange(b.name, old, state)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its counters. Use when the
// dependency is known fixed externally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probing = false
	if old != Closed && b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, old, Closed)
	}
}

// ForceOpen trips the breaker manually; it recovers through the normal
// half-open path after OpenTimeout.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = time.Now()
	b.transitionTo(Open)
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		Failures:        b.failures,
		Successes:       b.successes,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalShortCircs: b.totalShortCircs,
		LastFailure:     b.lastFailure,
	}
}
