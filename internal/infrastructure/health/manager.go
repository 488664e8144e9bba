// Package health aggregates liveness checks from bot components
package health

import (
	"sync"

	"trading_bot/internal/core"
)

// Manager aggregates health status from different components
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates a new health manager
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{
		checks: make(map[string]func() error),
	}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds a new health check for a component
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status returns the current status of all registered components
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true when every registered check passes
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Health check failing", "check", component, "error", err)
			}
			return false
		}
	}
	return true
}
