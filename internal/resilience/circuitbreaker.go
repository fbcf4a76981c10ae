// Package resilience keeps captioning alive when a recognition engine fails.
//
// [CircuitBreaker] stops a failing engine from being hit with stream
// starts. [FallbackGroup] puts each of several engines behind its own
// breaker and tries them in order; [STTFallback] is that group as an
// stt.Provider.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while a
// breaker is open or its half-open trial calls are all in flight.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is a breaker's mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the time an open breaker waits before letting trial calls
	// through. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax trial calls are admitted while half-open, and as many
	// successes close the breaker. Default 3.
	HalfOpenMax int

	// OnStateChange runs after each transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	Now func() time.Time
}

// CircuitBreaker is a closed/open/half-open breaker. A single failed trial call
// re-opens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int // admitted while half-open
	passed   int // succeeded while half-open
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker rejects it, and feeds fn's result
// back into the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may run and whether it is a half-open trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state, cb.trials, cb.passed = StateHalfOpen, 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			cb.transition(from, StateHalfOpen)
			return false, ErrCircuitOpen
		}
		cb.trials++
		trial = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.transition(from, to)
	return trial, nil
}

func (cb *CircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && trial:
		cb.open()
	case err != nil:
		if cb.failures++; cb.failures >= cb.cfg.MaxFailures {
			cb.open()
		}
	case !trial:
		cb.failures = 0
	case cb.state == StateHalfOpen:
		// A concurrent trial call may have re-opened the breaker already.
		if cb.passed++; cb.passed >= cb.cfg.HalfOpenMax {
			cb.state, cb.failures = StateClosed, 0
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.transition(from, to)
}

// open must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.failures = cb.cfg.MaxFailures
}

func (cb *CircuitBreaker) transition(from, to State) {
	if from == to {
		return
	}
	slog.Info("resilience: breaker state changed", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State reports the breaker's mode. An open breaker past its reset timeout
// reports half-open before the next Execute moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets its failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.trials, cb.passed = StateClosed, 0, 0, 0
	cb.mu.Unlock()
	cb.transition(from, StateClosed)
}
