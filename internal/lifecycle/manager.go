// Package lifecycle brings backing-service clients up in dependency order,
// tears them down in reverse, and runs health sweeps over them.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/docflow/internal/breaker"
)

type ServiceStatus string

const (
	StatusUninitialized ServiceStatus = "uninitialized"
	StatusHealthy       ServiceStatus = "healthy"
	StatusUnhealthy     ServiceStatus = "unhealthy"
	StatusFailed        ServiceStatus = "failed"
	StatusStopped       ServiceStatus = "stopped"
)

// Service describes one long-lived backing-service client. Init, Shutdown
// and HealthCheck are all optional; a nil HealthCheck means the service is
// assumed healthy once initialized.
type Service struct {
	Name        string
	DependsOn   []string
	Init        func(ctx context.Context) error
	Shutdown    func(ctx context.Context) error
	HealthCheck func(ctx context.Context) error

	// Breaker, when set, is reported alongside the service on the health
	// surface. Calls through the service should go through it.
	Breaker *breaker.Breaker
}

// Info is the point-in-time view of one registered service.
type Info struct {
	Name            string        `json:"name"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	Status          ServiceStatus `json:"status"`
	Breaker         string        `json:"breaker_state,omitempty"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
}

// Manager owns registration, ordered bring-up/tear-down, and health
// sweeps. All map access is guarded by mu; no lock is held across an
// Init, Shutdown or HealthCheck call.
type Manager struct {
	log          *zap.Logger
	checkTimeout time.Duration

	mu       sync.Mutex
	services map[string]*Service
	status   map[string]ServiceStatus
	lastSeen map[string]time.Time
	order    []string // init order, set by Start
}

func NewManager(log *zap.Logger, checkTimeout time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if checkTimeout <= 0 {
		checkTimeout = 5 * time.Second
	}
	return &Manager{
		log:          log,
		checkTimeout: checkTimeout,
		services:     make(map[string]*Service),
		status:       make(map[string]ServiceStatus),
		lastSeen:     make(map[string]time.Time),
	}
}

func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.services[svc.Name]; dup {
		return errors.Errorf("service %q already registered", svc.Name)
	}
	s := svc
	m.services[svc.Name] = &s
	m.status[svc.Name] = StatusUninitialized
	return nil
}

// Start computes a topological init order over the dependency graph, then
// initializes services in that order. A cycle or an unknown dependency is
// a configuration error reported before any init runs. A service whose
// dependencies are not all Healthy gets no init attempt: it stays
// Uninitialized, and no additional errors are logged for it, since the
// root failure was already reported once.
func (m *Manager) Start(ctx context.Context) error {
	order, err := m.initOrder()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.order = order
	m.mu.Unlock()

	for _, name := range order {
		m.mu.Lock()
		svc := m.services[name]
		ready := true
		for _, dep := range svc.DependsOn {
			if m.status[dep] != StatusHealthy {
				ready = false
				break
			}
		}
		m.mu.Unlock()

		if !ready {
			continue
		}

		if svc.Init != nil {
			if err := svc.Init(ctx); err != nil {
				m.log.Error("service init failed", zap.String("service", name), zap.Error(err))
				m.setStatus(name, StatusFailed)
				continue
			}
		}
		m.setStatus(name, StatusHealthy)
		m.log.Info("service initialized", zap.String("service", name))
	}
	return nil
}

// Stop walks the reverse init order, best effort. Individual shutdown
// failures are collected, not propagated mid-walk.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.Unlock()

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		m.mu.Lock()
		svc := m.services[name]
		status := m.status[name]
		m.mu.Unlock()

		if status == StatusUninitialized || status == StatusStopped {
			continue
		}
		if svc.Shutdown != nil {
			if err := svc.Shutdown(ctx); err != nil {
				m.log.Warn("service shutdown failed", zap.String("service", name), zap.Error(err))
				errs = multierr.Append(errs, errors.Wrapf(err, "shutdown %s", name))
			}
		}
		m.setStatus(name, StatusStopped)
	}
	return errs
}

// Sweep runs every registered health check under the check timeout. A
// check error (or panic) marks the service Unhealthy and is never
// re-thrown; a passing check restores Healthy. Services that never
// initialized are left alone.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		if m.status[name] == StatusHealthy || m.status[name] == StatusUnhealthy {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	for _, name := range names {
		m.mu.Lock()
		svc := m.services[name]
		m.mu.Unlock()
		if svc.HealthCheck == nil {
			continue
		}

		err := m.runCheck(ctx, svc)
		now := time.Now()
		m.mu.Lock()
		m.lastSeen[name] = now
		if err != nil {
			m.status[name] = StatusUnhealthy
		} else {
			m.status[name] = StatusHealthy
		}
		m.mu.Unlock()

		if err != nil {
			m.log.Warn("health check failed", zap.String("service", name), zap.Error(err))
		}
	}
}

func (m *Manager) runCheck(ctx context.Context, svc *Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("health check panicked: %v", r)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()
	return svc.HealthCheck(cctx)
}

// Healthy reports whether name is currently healthy. Unknown names are
// not healthy.
func (m *Manager) Healthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[name] == StatusHealthy
}

// Snapshot returns the service map for the health surface.
func (m *Manager) Snapshot() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Info, len(m.services))
	for name, svc := range m.services {
		info := Info{
			Name:            name,
			DependsOn:       svc.DependsOn,
			Status:          m.status[name],
			LastHealthCheck: m.lastSeen[name],
		}
		if svc.Breaker != nil {
			info.Breaker = svc.Breaker.State().String()
		}
		out[name] = info
	}
	return out
}

func (m *Manager) setStatus(name string, s ServiceStatus) {
	m.mu.Lock()
	m.status[name] = s
	m.mu.Unlock()
}
