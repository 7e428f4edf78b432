// Package circuitbreaker guards outbound collaborator calls (payment
// gateways, the billing system). Each target gets an independent circuit so
// a flapping gateway cannot block billing traffic, and vice versa.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a single target's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

const (
	defaultFailureThreshold         = 5
	defaultOpenStateTimeout         = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 2
)

// Config customizes the breaker thresholds. Zero values fall back to the
// defaults above.
type Config struct {
	FailureThreshold         int
	OpenStateTimeout         time.Duration
	HalfOpenSuccessThreshold int
}

type targetState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	openUntil            time.Time
}

// CircuitBreaker tracks the health of named targets in memory.
type CircuitBreaker struct {
	mu                       sync.RWMutex
	targets                  map[string]*targetState
	failureThreshold         int
	openStateTimeout         time.Duration
	halfOpenSuccessThreshold int
}

// New creates a CircuitBreaker from cfg.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenStateTimeout <= 0 {
		cfg.OpenStateTimeout = defaultOpenStateTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{
		targets:                  make(map[string]*targetState),
		failureThreshold:         cfg.FailureThreshold,
		openStateTimeout:         cfg.OpenStateTimeout,
		halfOpenSuccessThreshold: cfg.HalfOpenSuccessThreshold,
	}
}

// caller must hold the write lock.
func (cb *CircuitBreaker) getTargetState(target string) *targetState {
	ts, exists := cb.targets[target]
	if !exists {
		ts = &targetState{state: Closed}
		cb.targets[target] = ts
	}
	return ts
}

// Allow reports whether calls to target may proceed. An Open circuit whose
// timeout has elapsed transitions to HalfOpen and lets probes through.
func (cb *CircuitBreaker) Allow(target string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ts := cb.getTargetState(target)

	switch ts.state {
	case Closed:
		return true
	case Open:
		if time.Now().After(ts.openUntil) {
			ts.state = HalfOpen
			ts.consecutiveSuccesses = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		ts.state = Closed
		return true
	}
}

// RecordFailure records a failed call to target.
func (cb *CircuitBreaker) RecordFailure(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ts := cb.getTargetState(target)
	ts.lastFailureTime = time.Now()

	switch ts.state {
	case Closed:
		ts.consecutiveFailures++
		if ts.consecutiveFailures >= cb.failureThreshold {
			ts.state = Open
			ts.openUntil = time.Now().Add(cb.openStateTimeout)
		}
	case HalfOpen:
		// A probe failed, re-open immediately.
		ts.state = Open
		ts.openUntil = time.Now().Add(cb.openStateTimeout)
		ts.consecutiveFailures = 0
		ts.consecutiveSuccesses = 0
	case Open:
		return
	}
}

// RecordSuccess records a successful call to target.
func (cb *CircuitBreaker) RecordSuccess(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ts := cb.getTargetState(target)

	switch ts.state {
	case Closed:
		ts.consecutiveFailures = 0
	case HalfOpen:
		ts.consecutiveSuccesses++
		if ts.consecutiveSuccesses >= cb.halfOpenSuccessThreshold {
			ts.state = Closed
			ts.consecutiveFailures = 0
			ts.consecutiveSuccesses = 0
		}
	case Open:
		// Allow should have prevented the call; success while Open does not
		// change state.
		return
	}
}

// GetState returns the current circuit state for target without triggering
// the Open to HalfOpen transition. Intended for tests and monitoring.
func (cb *CircuitBreaker) GetState(target string) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	ts, exists := cb.targets[target]
	if !exists {
		return Closed
	}
	return ts.state
}
