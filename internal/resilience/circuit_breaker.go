// Package resilience implements a sliding-window circuit breaker used to
// stop hammering the control service once its responses start failing
// consistently.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
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
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type eventKind int

const (
	eventAttempt eventKind = iota
	eventSuccess
	eventFailure
)

type event struct {
	ts   time.Time
	kind eventKind
}

// clock abstracts time for deterministic tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// StateObserver receives state transitions, typically wired to metrics.
type StateObserver func(name string, s State)

// CircuitBreaker trips open after threshold failures within window (given
// at least minAttempts total attempts in that window), stays open for
// resetTimeout, then allows successThreshold probe successes in half-open
// before closing again.
type CircuitBreaker struct {
	mu sync.Mutex

	name string

	state    State
	openedAt time.Time

	events []event
	window time.Duration

	threshold        int
	minAttempts      int
	successes        int
	successThreshold int
	resetTimeout     time.Duration

	clock    clock
	onChange StateObserver
}

// Option configures optional CircuitBreaker behavior.
type Option func(*CircuitBreaker)

func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

func WithHalfOpenSuccessThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

func WithStateObserver(fn StateObserver) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker constructs a breaker with sane defaults; zero-valued
// numeric arguments fall back to those defaults.
func NewCircuitBreaker(name string, threshold, minAttempts int, window, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if minAttempts <= 0 {
		minAttempts = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		threshold:        threshold,
		minAttempts:      minAttempts,
		window:           window,
		resetTimeout:     resetTimeout,
		successThreshold: 3,
		clock:            realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.AllowRequest() {
		return ErrCircuitOpen
	}

	cb.recordAttempt()
	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// AllowRequest reports whether a call may proceed, transitioning Open to
// HalfOpen once resetTimeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.transitionInto(StateHalfOpen)
			return true
		}
		return false
	default: // HalfOpen
		return true
	}
}

func (cb *CircuitBreaker) recordAttempt() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventAttempt})
	cb.prune()
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventSuccess})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionInto(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventFailure})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.transitionInto(StateOpen)
		return
	}
	cb.evaluate()
}

func (cb *CircuitBreaker) prune() {
	cutoff := cb.clock.Now().Add(-cb.window)
	for i := range cb.events {
		if !cb.events[i].ts.Before(cutoff) {
			cb.events = cb.events[i:]
			return
		}
	}
	cb.events = nil
}

func (cb *CircuitBreaker) evaluate() {
	if cb.state != StateClosed {
		return
	}
	var attempts, failures int
	for _, e := range cb.events {
		switch e.kind {
		case eventAttempt:
			attempts++
		case eventFailure:
			failures++
		}
	}
	if attempts >= cb.minAttempts && failures >= cb.threshold {
		cb.transitionInto(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionInto(s State) {
	if cb.state == s {
		return
	}
	cb.state = s
	switch s {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
	case StateHalfOpen:
		cb.successes = 0
	case StateClosed:
		cb.events = nil
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, s)
	}
}

// GetState returns the breaker's current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
