// Package resilience protects the remote data store from overload. It
// provides the circuit breaker, the request deduplicator and the executor
// that composes them around a generic remote operation.
package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"sprintboard-backend/pkg/errors"
)

// State represents the current state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// BreakerConfig configures circuit breaker behavior.
//
// The breaker protects the remote store by:
//  1. Counting consecutive failures while closed
//  2. Opening once failures reach the threshold
//  3. Rejecting calls while open, until the reset timeout elapses
//  4. Allowing exactly one trial call in half-open
//  5. Closing again when the trial succeeds
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the circuit
	ResetTimeout     time.Duration // How long the circuit stays open before a trial

	OnStateChange func(from, to State) // Callback on state changes
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker is a three-state circuit breaker tracking consecutive failures of
// one protected operation class.
type Breaker struct {
	name   string
	config BreakerConfig
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastStateChange     time.Time
	trialInFlight       bool

	// Metrics
	totalCalls    int64
	totalFailures int64
	totalRejected int64

	// now is replaceable in tests
	now func() time.Time
}

// Snapshot is a read-only view of breaker state for health endpoints.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastStateChange     time.Time `json:"lastStateChange"`
	TotalCalls          int64     `json:"totalCalls"`
	TotalFailures       int64     `json:"totalFailures"`
	TotalRejected       int64     `json:"totalRejected"`
}

// NewBreaker creates a breaker for the named operation class.
func NewBreaker(name string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}

	return &Breaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Execute runs op under breaker protection. While the circuit is open the
// call fails fast with a CircuitOpen error and op is never invoked.
func (b *Breaker) Execute(op func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op()
	b.afterCall(err)
	return err
}

// beforeCall decides whether the call may proceed, performing any state
// transition the clock demands.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalCalls++
		return nil

	case StateOpen:
		if b.now().Sub(b.lastStateChange) < b.config.ResetTimeout {
			b.totalRejected++
			return errors.NewCircuitOpen(b.name)
		}
		// Reset timeout elapsed: permit a single trial call.
		b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		b.totalCalls++
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.totalRejected++
			return errors.NewCircuitOpen(b.name)
		}
		b.trialInFlight = true
		b.totalCalls++
		return nil

	default:
		return errors.NewInternal("unknown circuit state", nil)
	}
}

// afterCall records the call outcome and transitions accordingly.
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err != nil {
			b.totalFailures++
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.config.FailureThreshold {
				b.transitionLocked(StateOpen)
				b.logger.Warn("circuit breaker opened",
					zap.String("breaker", b.name),
					zap.Int("consecutive_failures", b.consecutiveFailures),
				)
			}
		} else {
			b.consecutiveFailures = 0
		}

	case StateHalfOpen:
		b.trialInFlight = false
		if err != nil {
			b.totalFailures++
			// Failed trial: reopen and restart the timeout clock.
			b.transitionLocked(StateOpen)
			b.logger.Info("circuit breaker reopened after failed trial",
				zap.String("breaker", b.name),
			)
		} else {
			b.consecutiveFailures = 0
			b.transitionLocked(StateClosed)
			b.logger.Info("circuit breaker closed after successful trial",
				zap.String("breaker", b.name),
			)
		}
	}
}

// Reset forces the breaker back to closed, clearing the failure count.
// Exposed as an emergency control.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
		b.logger.Info("circuit breaker reset", zap.String("breaker", b.name))
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a read-only view for observability endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastStateChange:     b.lastStateChange,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalRejected:       b.totalRejected,
	}
}

// transitionLocked changes state (lock must be held).
func (b *Breaker) transitionLocked(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}

	b.state = newState
	b.lastStateChange = b.now()

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(oldState, newState)
	}
}
