package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a circuit breaker
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // a limited number of trial calls pass
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrHalfOpenLimit = errors.New("circuit breaker half-open limit reached")
)

// CircuitBreaker trips after maxFailures consecutive failures and trials the
// dependency again once resetTimeout has passed.
type CircuitBreaker struct {
	maxFailures      int
	resetTimeout     time.Duration
	halfOpenMaxCalls int

	// isFailure decides which errors count against the breaker
	isFailure func(error) bool
	onChange  func(from, to State)
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	openedAt      time.Time
	halfOpenCalls int
}

type Option func(*CircuitBreaker)

// WithFailurePredicate counts only errors for which fn returns true.
// Other errors are passed through and reset the failure streak.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

func WithStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

func New(maxFailures int, resetTimeout time.Duration, halfOpenMaxCalls int, opts ...Option) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 1
	}
	cb := &CircuitBreaker{
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
		state:            StateClosed,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Call runs fn unless the breaker is open.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	cb.updateState()

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			cb.mu.Unlock()
			return ErrHalfOpenLimit
		}
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) updateState() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++

	if cb.state == StateHalfOpen || cb.failureCount >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.halfOpenCalls = 0
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.halfOpenCalls = 0
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(from, s)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
