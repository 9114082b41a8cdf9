package health

import (
	"sort"
	"sync"
	"time"
)

// Probe computes a component's status on demand
type Probe func() Status

// Monitor tracks pushed statuses and pulled probes for a set of components
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]Probe
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]Probe),
	}
}

// Update stores a pushed status for name
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// UpdateHealthy stores a healthy status for name
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy stores an unhealthy status for name
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded stores a degraded status for name
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Register adds a probe evaluated on every read. A probe replaces a pushed status
// of the same name.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	m.probes[name] = probe
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Get returns the current status of name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	probe, isProbe := m.probes[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if isProbe {
		return m.evaluate(name, probe), true
	}
	return status, exists
}

// GetAll returns the current status of every component
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	result := make(map[string]Status, len(m.statuses)+len(m.probes))
	for name, status := range m.statuses {
		result[name] = status
	}
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	for name, p := range probes {
		result[name] = m.evaluate(name, p)
	}
	return result
}

// Remove forgets name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	delete(m.probes, name)
	m.mu.Unlock()
}

// AggregateHealth combines every component, ordered by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	all := m.GetAll()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, all[name])
	}
	return Aggregate(systemName, subs)
}

// Count returns the number of tracked components
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses) + len(m.probes)
}

func (m *Monitor) evaluate(name string, probe Probe) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = NewUnhealthy(name, "health probe panicked")
		}
	}()
	status = probe()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}
