package router

import (
	"sync"
	"time"

	"github.com/a2a-fabric/core/types"
)

// BreakerConfig tunes the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig returns the standard per-agent breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringWindow: 120 * time.Second,
	}
}

// breakerEvent describes one breaker transition or probe. Nothing in
// this package constructs or publishes it; transitions are reported
// through the Router's OpCircuit log lines.
type breakerEvent struct {
	Kind    string // opened, closed, half-open, failure, success, reset, enabled
	AgentID string
	State   types.CircuitBreakerState
}

// breaker is a per-agent circuit breaker, enabled opt-in per agent;
// an agent with no breaker registered is always treated as closed.
type breaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	state   types.CircuitBreakerState
	enabled bool
}

func newBreaker(agentID string, cfg BreakerConfig) *breaker {
	return &breaker{
		cfg:     cfg,
		enabled: true,
		state:   types.CircuitBreakerState{AgentID: agentID, Status: types.CircuitClosed},
	}
}

// allow reports whether a request may be admitted, transitioning
// open→half-open when the timeout has elapsed.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return true
	}
	switch b.state.Status {
	case types.CircuitClosed, types.CircuitHalfOpen:
		return true
	case types.CircuitOpen:
		if b.state.NextAttempt != nil && !now.Before(*b.state.NextAttempt) {
			b.state.Status = types.CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// recordSuccess registers a successful delivery.
func (b *breaker) recordSuccess(now time.Time) (types.CircuitBreakerState, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Successes++
	b.state.LastSuccessTime = &now
	kind := "success"
	switch b.state.Status {
	case types.CircuitClosed:
		b.state.Failures = 0
	case types.CircuitHalfOpen:
		if b.state.Successes >= b.cfg.SuccessThreshold {
			b.state.Status = types.CircuitClosed
			b.state.Failures = 0
			b.state.Successes = 0
			b.state.NextAttempt = nil
			kind = "closed"
		}
	}
	return b.state, kind
}

// recordFailure registers a failed delivery.
func (b *breaker) recordFailure(now time.Time) (types.CircuitBreakerState, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Failures++
	b.state.LastFailureTime = &now
	kind := "failure"
	switch b.state.Status {
	case types.CircuitHalfOpen:
		b.open(now)
		kind = "opened"
	case types.CircuitClosed:
		if b.state.Failures >= b.cfg.FailureThreshold {
			b.open(now)
			kind = "opened"
		}
	}
	return b.state, kind
}

// open transitions the breaker to open and schedules the next retry probe.
func (b *breaker) open(now time.Time) {
	b.state.Status = types.CircuitOpen
	next := now.Add(b.cfg.Timeout)
	b.state.NextAttempt = &next
	b.state.Successes = 0
}

// snapshot returns the current state without mutating it.
func (b *breaker) snapshot() types.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// reset clears all counters and returns the breaker to closed.
func (b *breaker) reset() types.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Status = types.CircuitClosed
	b.state.Failures = 0
	b.state.Successes = 0
	b.state.NextAttempt = nil
	return b.state
}
