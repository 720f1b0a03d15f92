package health

import (
	"sync"
	"time"
)

// Monitor keeps the latest status of each named part. Safe for concurrent
// use.
type Monitor struct {
	mu    sync.RWMutex
	parts map[string]Status
}

func NewMonitor() *Monitor {
	return &Monitor{parts: make(map[string]Status)}
}

// Update stores status under name. The Component field is forced to name
// and a missing timestamp is set to now.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.parts[name] = status
	m.mu.Unlock()
}

func (m *Monitor) UpdateHealthy(name, message string)   { m.Update(name, NewHealthy(name, message)) }
func (m *Monitor) UpdateDegraded(name, message string)  { m.Update(name, NewDegraded(name, message)) }
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, NewUnhealthy(name, message)) }

func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.parts[name]
	return s, ok
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.parts, name)
	m.mu.Unlock()
}

// AggregateHealth folds every part into one status named component.
func (m *Monitor) AggregateHealth(component string) Status {
	m.mu.RLock()
	parts := make([]Status, 0, len(m.parts))
	for _, s := range m.parts {
		parts = append(parts, s)
	}
	m.mu.RUnlock()
	return Aggregate(component, parts)
}
