package mailbox

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// BreakerClosed admits all messages.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects all messages until the open timeout elapses.
	BreakerOpen

	// BreakerHalfOpen admits probe messages; enough successes close the
	// circuit, a single failure reopens it.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// Enabled turns the breaker on. A disabled breaker admits
	// everything.
	Enabled bool

	// FailureThreshold is the number of consecutive failures within the
	// sampling window that trips the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that close the circuit.
	SuccessThreshold int

	// Timeout is how long an open circuit stays open before probing.
	Timeout time.Duration

	// SamplingWindow bounds how far back consecutive failures count; a
	// failure older than the window no longer contributes to tripping.
	SamplingWindow time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// DefaultBreakerConfig returns the standard breaker tuning. The breaker
// ships disabled; it is opt-in per actor type.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		SamplingWindow:   60 * time.Second,
	}
}

// CircuitBreaker guards an activation's message intake. Consecutive turn
// failures trip it open; after the open timeout it admits probes, and
// consecutive probe successes close it again.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu sync.Mutex

	state BreakerState

	// consecFailures counts failures since the last success, pruned by
	// the sampling window via firstFailureAt.
	consecFailures int
	firstFailureAt time.Time

	// halfOpenSuccesses counts consecutive successes while half-open.
	halfOpenSuccesses int

	// openedAt is when the circuit last tripped.
	openedAt time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &CircuitBreaker{cfg: cfg}
}

// Allow reports whether a message may be admitted right now. An open
// circuit transitions to half-open once the timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.cfg.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true

	case BreakerOpen:
		if cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.Timeout {
			cb.transition(BreakerHalfOpen)
			return true
		}
		return false

	default:
		return true
	}
}

// RecordSuccess feeds a successful turn into the state machine.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.consecFailures = 0

	case BreakerHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure feeds a failed turn into the state machine.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock()

	switch cb.state {
	case BreakerClosed:
		// Failures outside the sampling window restart the streak.
		if cb.consecFailures == 0 ||
			now.Sub(cb.firstFailureAt) > cb.cfg.SamplingWindow {

			cb.consecFailures = 0
			cb.firstFailureAt = now
		}

		cb.consecFailures++
		if cb.consecFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = now
			cb.transition(BreakerOpen)
		}

	case BreakerHalfOpen:
		// One probe failure reopens the circuit.
		cb.openedAt = now
		cb.transition(BreakerOpen)
	}
}

// State returns the current breaker state, applying the open timeout so
// callers observe HalfOpen once probing is allowed.
func (cb *CircuitBreaker) State() BreakerState {
	if !cb.cfg.Enabled {
		return BreakerClosed
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen &&
		cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.Timeout {

		cb.transition(BreakerHalfOpen)
	}

	return cb.state
}

// transition moves to a new state and resets the counters that belong to
// the state being left. Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}

	log.DebugS(context.Background(), "Circuit breaker transition",
		"from", cb.state.String(),
		"to", next.String())

	cb.state = next
	cb.consecFailures = 0
	cb.halfOpenSuccesses = 0
}
