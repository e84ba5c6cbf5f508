package model

import (
	"sort"
	"time"
)

// EndpointHealth tracks the health status of a model endpoint.
type EndpointHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit waits before allowing a test request.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the breaker defaults. A long batch replay hits
// the same provider for hours, so an endpoint that fails three retried calls
// in a row is rested for a minute.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	}
}

// MarkEndpointSuccess records a successful request and closes the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.statusLocked(name)
	status.LastSuccess = r.now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkEndpointFailure records a failed request and opens the circuit once the
// failure threshold is reached.
func (r *Registry) MarkEndpointFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.statusLocked(name)
	status.LastFailure = r.now()
	status.FailureCount++

	if status.FailureCount >= r.healthCfg.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = status.LastFailure
		status.Available = false
	}
}

func (r *Registry) statusLocked(name string) *EndpointHealth {
	status, ok := r.health[name]
	if !ok {
		status = &EndpointHealth{Available: true}
		r.health[name] = status
	}
	return status
}

// IsEndpointAvailable reports whether an endpoint may receive requests. An
// open circuit becomes half-open once the recovery timeout has passed.
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, ok := r.health[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	return r.now().Sub(status.CircuitOpenedAt) > r.healthCfg.RecoveryTimeout
}

// OpenCircuits returns the endpoints whose circuit is currently open, sorted.
func (r *Registry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, status := range r.health {
		if status.CircuitOpen && r.now().Sub(status.CircuitOpenedAt) <= r.healthCfg.RecoveryTimeout {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// GetAvailableFallbackChain returns the fallback chain filtered to available
// endpoints. When every endpoint is unavailable the full chain is returned.
func (r *Registry) GetAvailableFallbackChain(c Capability) []string {
	chain := r.GetFallbackChain(c)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}
