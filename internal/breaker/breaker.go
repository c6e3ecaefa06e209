// Package breaker provides per-processor circuit breakers isolating faulty
// consumers from the routing path.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/framebuf/framebuf/internal/models"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota
	// StateHalfOpen allows a limited number of probe calls.
	StateHalfOpen
	// StateOpen rejects calls immediately.
	StateOpen
)

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

// ErrOpen is returned when the circuit breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before admitting
	// probe calls.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of successes in half-open state
	// needed to close the circuit.
	SuccessThreshold int
	// HalfOpenMaxCalls bounds the probe calls admitted during one
	// half-open period; the count resets only on a state change.
	HalfOpenMaxCalls int
	// CallTimeout bounds each call; expiry counts as a failure.
	CallTimeout time.Duration
	// OnStateChange is called outside the lock when the state changes.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 3,
		CallTimeout:      10 * time.Second,
	}
}

// Breaker implements the circuit breaker state machine for one processor.
type Breaker struct {
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	lastChange    time.Time

	totalCalls int64
	totalFails int64
	openCount  int64
}

// New creates a breaker in the closed state.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		config:     config,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// State returns the current state, accounting for recovery timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Available reports whether a call would be admitted right now.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admittableLocked()
}

func (b *Breaker) admittableLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.halfOpenCalls < b.config.HalfOpenMaxCalls
	case StateOpen:
		return time.Since(b.openedAt) >= b.config.RecoveryTimeout
	}
	return false
}

// Call runs op under the breaker. If the circuit is open and not yet
// recoverable, fallback runs instead when provided; otherwise ErrOpen is
// returned without invoking op. Errors of kind Policy and context
// cancellation are excluded from failure counting.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error, fallback func() error) error {
	if !b.admit() {
		if fallback != nil {
			return fallback()
		}
		return models.NewError(models.KindPolicy, ErrOpen)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	err := op(callCtx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.excluded(ctx, err):
		b.settleProbe()
	default:
		b.RecordFailure()
	}
	return err
}

// admit transitions open→half-open when the recovery timeout has elapsed
// and reserves a probe slot in half-open state.
func (b *Breaker) admit() bool {
	b.mu.Lock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
	}

	switch b.state {
	case StateClosed:
		b.totalCalls++
		b.mu.Unlock()
		return true
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return false
		}
		b.halfOpenCalls++
		b.totalCalls++
		b.mu.Unlock()
		return true
	default:
		b.mu.Unlock()
		return false
	}
}

// excluded reports whether err must not count as a breaker failure:
// caller cancellation and policy decisions are not the processor's fault.
func (b *Breaker) excluded(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return true
	}
	return models.IsKind(err, models.KindPolicy)
}

// settleProbe releases a half-open probe slot without an outcome.
func (b *Breaker) settleProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// RecordSuccess records a successful call against the processor.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.successes = 1
		}
	}
}

// RecordFailure records a failed call against the processor.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFails++
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during recovery reopens immediately and resets
		// the recovery timer.
		b.transitionLocked(StateOpen)
	case StateOpen:
		b.openedAt = time.Now()
	}
}

// transitionLocked changes state; the caller holds the lock.
func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastChange = time.Now()
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	if to == StateOpen {
		b.openedAt = time.Now()
		b.openCount++
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(from, to)
	}
}

// Reset forces the breaker back to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	} else {
		b.failures = 0
		b.successes = 0
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessesInHalfOpen int       `json:"successes_in_half_open"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TimesOpened         int64     `json:"times_opened"`
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	state := b.State().String()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               state,
		ConsecutiveFailures: b.failures,
		SuccessesInHalfOpen: b.successes,
		OpenedAt:            b.openedAt,
		LastStateChange:     b.lastChange,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFails,
		TimesOpened:         b.openCount,
	}
}
