// Package health aggregates component health for the operational endpoint
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"etf_arb/internal/core"
)

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string, len(hm.checks))
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Handler serves the aggregated status as JSON, 503 when anything is unhealthy
func (hm *HealthManager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := hm.GetStatus()
		healthy := true
		for _, s := range status {
			if s != "Healthy" {
				healthy = false
			}
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
			if hm.logger != nil {
				hm.logger.Warn("Health check failing", "status", status)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":    healthy,
			"components": status,
		})
	})
}

// Heartbeat is a liveness check fed by a periodic loop
type Heartbeat struct {
	mu     sync.Mutex
	last   time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewHeartbeat creates a heartbeat that goes stale after maxAge without a beat
func NewHeartbeat(maxAge time.Duration) *Heartbeat {
	return &Heartbeat{maxAge: maxAge, now: time.Now}
}

// Beat records progress
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = h.now()
}

// Check fails before the first beat and once the last one is too old
func (h *Heartbeat) Check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last.IsZero() {
		return fmt.Errorf("no cycle completed yet")
	}
	if age := h.now().Sub(h.last); age > h.maxAge {
		return fmt.Errorf("last cycle %s ago", age.Truncate(time.Millisecond))
	}
	return nil
}
