package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds and timing for a circuit breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	WindowDuration   time.Duration
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		WindowDuration:   10 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern around a single
// dependency. Failures are counted within a rolling window; once the
// threshold is reached the circuit opens and calls are rejected until the
// reset timeout elapses, after which a limited number of probe calls
// decide whether it closes again.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time

	stateTransitions int
	rejectedCalls    int

	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker for a named dependency.
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 10 * time.Second
	}
	now := time.Now
	return &CircuitBreaker{
		name:            name,
		cfg:             cfg,
		state:           CircuitClosed,
		lastStateChange: now(),
		now:             now,
	}
}

// Execute runs the function with circuit breaker protection. When the
// circuit is open the function is not invoked and a CircuitOpenError is
// returned; otherwise the function's own error is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// allow transitions the breaker lazily and decides whether a call may
// proceed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()

	if cb.state == CircuitOpen {
		cb.rejectedCalls++
		return &CircuitOpenError{Name: cb.name, Failures: cb.failures, RetryAfter: cb.retryAfterLocked()}
	}
	return nil
}

// advance applies time-based transitions. Callers must hold cb.mu.
func (cb *CircuitBreaker) advance() {
	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		// A stale failure window no longer counts toward the threshold.
		if cb.failures > 0 && now.Sub(cb.lastFailure) > cb.cfg.WindowDuration {
			cb.failures = 0
		}
	case CircuitOpen:
		if now.Sub(cb.lastStateChange) >= cb.cfg.ResetTimeout {
			cb.transition(CircuitHalfOpen, now)
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) transition(to CircuitState, now time.Time) {
	cb.state = to
	cb.lastStateChange = now
	cb.stateTransitions++
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(CircuitClosed, cb.now())
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen, now)
		}
	case CircuitHalfOpen:
		// A single failed probe reopens the circuit.
		cb.failures++
		cb.lastFailure = now
		cb.successes = 0
		cb.transition(CircuitOpen, now)
	case CircuitOpen:
		cb.lastFailure = now
	}
}

// State returns the current state after applying lazy transitions.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed, cb.now())
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) retryAfterLocked() time.Duration {
	remaining := cb.cfg.ResetTimeout - cb.now().Sub(cb.lastStateChange)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return Metrics{
		Name:             cb.name,
		State:            cb.state.String(),
		Failures:         cb.failures,
		Successes:        cb.successes,
		StateTransitions: cb.stateTransitions,
		RejectedCalls:    cb.rejectedCalls,
	}
}

// Metrics contains circuit breaker counters.
type Metrics struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	Failures         int    `json:"failures"`
	Successes        int    `json:"successes"`
	StateTransitions int    `json:"state_transitions"`
	RejectedCalls    int    `json:"rejected_calls"`
}

// CircuitOpenError is returned when the circuit is open and a call was
// rejected without being attempted.
type CircuitOpenError struct {
	Name       string
	Failures   int
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open (failures: %d, retry after %s)", e.Name, e.Failures, e.RetryAfter.Round(time.Millisecond))
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
