package mcircuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker is open.
var ErrOpen = errors.New("mcircuitbreaker: circuit is open")

// Config tunes when the breaker trips and how long it stays open before
// probing the underlying dependency again.
type Config struct {
	ServiceName          string
	FailureThreshold     uint32
	HalfOpenMaxRequests  uint32
	OpenTimeout          time.Duration
	Listener             StateListener
}

// DefaultConfig matches spec.md §4.6's sink breaker numbers (3 consecutive
// failures, 60s cool-off), reused here for broker publish guards.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:         serviceName,
		FailureThreshold:    3,
		HalfOpenMaxRequests: 1,
		OpenTimeout:         60 * time.Second,
	}
}

// CircuitBreaker is a minimal closed/open/half-open breaker around a
// fallible operation, reimplemented locally because the teacher's
// lib-commons circuit breaker package is not present in the source pack
// (see DESIGN.md).
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	counts     Counts
	openedAt   time.Time
	halfOpenN  uint32
}

// New constructs a CircuitBreaker in the closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}

	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 60 * time.Second
	}

	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState(time.Now())
}

// currentState transitions open->half-open once OpenTimeout has elapsed.
// Caller must hold b.mu.
func (b *CircuitBreaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(StateHalfOpen, now)
	}

	return b.state
}

// Execute runs fn if the breaker allows it, recording the outcome and
// tripping/resetting the breaker as needed. Returns ErrOpen without
// calling fn when the breaker is open.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn()
	b.after(err)

	return err
}

func (b *CircuitBreaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	switch state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenN >= b.cfg.HalfOpenMaxRequests {
			return ErrOpen
		}

		b.halfOpenN++
	}

	b.counts.onRequest()

	return nil
}

func (b *CircuitBreaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if err != nil {
		b.counts.onFailure()

		if b.state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}

		return
	}

	b.counts.onSuccess()

	if b.state == StateHalfOpen {
		b.transition(StateClosed, now)
	}
}

// transition moves to newState, resetting window counters and notifying
// the listener. Caller must hold b.mu.
func (b *CircuitBreaker) transition(newState State, now time.Time) {
	if newState == b.state {
		return
	}

	from := b.state
	b.state = newState
	b.halfOpenN = 0

	if newState == StateOpen {
		b.openedAt = now
	}

	event := StateChangeEvent{
		ServiceName: b.cfg.ServiceName,
		FromState:   from,
		ToState:     newState,
		Counts:      b.counts,
	}

	b.counts.reset()

	if b.cfg.Listener != nil {
		b.cfg.Listener.OnCircuitBreakerStateChange(event)
	}
}
