// Package circuit provides a circuit breaker for background fetches
package circuit

import (
	"sync"
	"time"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - fetches pass through
	StateClosed State = iota
	// StateOpen - fetches are rejected until the timeout elapses
	StateOpen
	// StateHalfOpen - a single trial fetch decides whether to close again
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that open the breaker
	FailureThreshold uint32

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration

	// Function called when state changes
	OnStateChange func(name string, from State, to State)

	// Function to determine if an error counts as a failure. Cancelled
	// fetches are neither successes nor failures.
	IsFailure func(err error) bool
}

// Counts holds the numbers of fetches and their outcomes
type Counts struct {
	Requests            uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
	Rejected            uint32
}

// Breaker guards background fetches against a failing remote
type Breaker struct {
	name   string
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	expiry   time.Time
	trialOut bool
}

// ErrOpenState is returned when the breaker rejects a fetch
var ErrOpenState = errors.NewError(errors.ErrCodeNetworkUnavailable, "circuit breaker is open").
	WithComponent("circuit")

// New creates a breaker
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	return &Breaker{name: name, config: config}
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeOperationCanceled, errors.ErrCodeHandleClosed:
		return false
	}
	return true
}

// Ready reports whether a fetch would currently be let through
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current(time.Now()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return !b.trialOut
	}
	return true
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(time.Now()) {
	case StateOpen:
		b.counts.Rejected++
		return ErrOpenState
	case StateHalfOpen:
		if b.trialOut {
			b.counts.Rejected++
			return ErrOpenState
		}
		b.trialOut = true
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.current(now)
	if state == StateHalfOpen {
		b.trialOut = false
	}

	if !b.config.IsFailure(err) {
		if err == nil {
			b.counts.ConsecutiveFailures = 0
			if state == StateHalfOpen {
				b.setState(StateClosed, now)
			}
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && b.expiry.Before(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.ConsecutiveFailures = 0
	b.trialOut = false
	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	} else {
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.setState(StateClosed, time.Now())
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}
