package lifecycle

import (
	"sort"

	"github.com/pkg/errors"
)

// initOrder returns a topological ordering of the registered services.
// Registration order does not matter; ties are broken by name so the
// result is deterministic. A cycle or an edge to an unregistered service
// is a fatal configuration error.
func (m *Manager) initOrder() ([]string, error) {
	m.mu.Lock()
	indeg := make(map[string]int, len(m.services))
	dependents := make(map[string][]string, len(m.services))
	for name, svc := range m.services {
		if _, ok := indeg[name]; !ok {
			indeg[name] = 0
		}
		for _, dep := range svc.DependsOn {
			if _, ok := m.services[dep]; !ok {
				m.mu.Unlock()
				return nil, errors.Errorf("service %q depends on unregistered service %q", name, dep)
			}
			indeg[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	m.mu.Unlock()

	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indeg))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(indeg) {
		var stuck []string
		for name, d := range indeg {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, errors.Errorf("dependency cycle among services: %v", stuck)
	}
	return order, nil
}
