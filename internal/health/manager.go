// Package health aggregates liveness checks from engine components.
package health

import (
	"sync"

	"spot_engine/internal/core"
)

// Manager runs registered health checks on demand.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds a health check for a component. A nil error from the
// check means healthy.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status returns the current state of every registered component.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// Healthy reports whether every registered check passes.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Health check failed", "component", component, "error", err.Error())
			}
			return false
		}
	}
	return true
}
