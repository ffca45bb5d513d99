// Package circuit guards calls into flaky collaborators. After enough
// consecutive failures the breaker opens and rejects calls until a
// cool-down elapses, then lets a probe through.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed passes calls through
	StateClosed State = iota
	// StateOpen rejects calls
	StateOpen
	// StateHalfOpen admits a limited number of probe calls
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Probe calls allowed while half-open
	MaxProbes uint32 `yaml:"max_probes"`

	// Time spent open before probing
	Timeout time.Duration `yaml:"timeout"`

	// Called on every state transition
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// Decides whether an error counts against the breaker
	IsFailure func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of calls and their outcomes since the last
// state change.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	clock  clock.Clock

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a closed breaker. A nil clk uses wall-clock time.
func New(name string, config Config, clk clock.Clock) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Breaker{name: name, config: config, clock: clk}
}

// Context cancellation is the caller giving up, not the callee failing.
func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker admits the call. A rejected call
// returns an error coded SERVICE_UNAVAILABLE without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.clock.Now())
	switch {
	case state == StateOpen:
		return ErrOpenState
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes:
		return ErrTooManyRequests
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state := b.currentState(now)

	if !b.config.IsFailure(err) {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.expiry) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	b.expiry = time.Time{}
	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.clock.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.clock.Now())
	b.counts = Counts{}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

var (
	// ErrOpenState is returned while the breaker is open
	ErrOpenState = errors.Sentinel(errors.ErrCodeServiceUnavailable, "circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is spent
	ErrTooManyRequests = errors.Sentinel(errors.ErrCodeServiceUnavailable, "too many requests in half-open state")
)
