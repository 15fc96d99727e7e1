// Package breaker implements a three-state circuit breaker, one instance per
// logical outbound dependency (content source API, LLM API, database, each
// peer role). Breaker state is in-memory only and resets on restart.
//
// State transitions:
//
//	CLOSED    --consecutive failures >= FailureThreshold-->  OPEN
//	OPEN      --RecoveryTimeout elapsed-->                   HALF_OPEN
//	HALF_OPEN --successes >= SuccessThreshold-->             CLOSED
//	HALF_OPEN --any failure-->                               OPEN
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// ErrOpen is returned when a call is rejected without invoking the dependency
// because the breaker is open (or half-open with all probe slots taken).
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in metrics and health summaries.
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

// Config holds the per-dependency breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED that
	// opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes in HALF_OPEN that
	// closes the breaker.
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays OPEN before admitting
	// probes.
	RecoveryTimeout time.Duration
	// CallTimeout bounds each call made through the breaker. Timeouts count
	// as failures. Zero disables the per-call timeout.
	CallTimeout time.Duration
	// HalfOpenMaxConcurrent caps the number of concurrent probes admitted in
	// HALF_OPEN.
	HalfOpenMaxConcurrent int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:      5,
		SuccessThreshold:      2,
		RecoveryTimeout:       60 * time.Second,
		CallTimeout:           30 * time.Second,
		HalfOpenMaxConcurrent: 3,
	}
}

// Stats is a point-in-time snapshot of a breaker's counters and state.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Calls           uint64    `json:"calls"`
	Successes       uint64    `json:"successes"`
	Failures        uint64    `json:"failures"`
	Timeouts        uint64    `json:"timeouts"`
	Rejected        uint64    `json:"rejected"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Breaker is a single circuit breaker. Safe for concurrent use.
type Breaker struct {
	name  string
	cfg   Config
	clock clockwork.Clock

	mu               sync.Mutex
	state            State
	failures         int // consecutive failures while CLOSED
	successes        int // successful probes while HALF_OPEN
	halfOpenInFlight int
	lastChange       time.Time

	calls, okCount, failCount, timeoutCount, rejectCount uint64
}

// New creates a breaker with the given name and configuration. Zero or
// negative thresholds fall back to defaults.
func New(name string, cfg Config, clock clockwork.Clock) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxConcurrent <= 0 {
		cfg.HalfOpenMaxConcurrent = def.HalfOpenMaxConcurrent
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		name:       name,
		cfg:        cfg,
		clock:      clock,
		state:      StateClosed,
		lastChange: clock.Now(),
	}
}

// Do runs fn through the breaker. In CLOSED and HALF_OPEN the call runs with
// CallTimeout applied; in OPEN (or when half-open probe slots are exhausted)
// it is rejected immediately with a KindCircuitOpen fault and fn is never
// invoked.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)

	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(callCtx.Err() != nil && ctx.Err() == nil)
	b.record(probe, err, timedOut)
	return err
}

// admit decides whether a call may proceed and performs the OPEN → HALF_OPEN
// transition when the recovery timeout has elapsed. probe reports whether the
// admitted call occupies a half-open probe slot; only such calls release one
// on completion. A call admitted in CLOSED that finishes after the breaker
// moved to HALF_OPEN holds no slot.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.calls++
		return false, nil

	case StateOpen:
		if b.clock.Now().Sub(b.lastChange) < b.cfg.RecoveryTimeout {
			b.rejectCount++
			return false, fault.Wrap(fault.KindCircuitOpen, ErrOpen, b.name)
		}
		b.transition(StateHalfOpen)
		fallthrough

	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxConcurrent {
			b.rejectCount++
			return false, fault.Wrap(fault.KindCircuitOpen, ErrOpen, b.name)
		}
		b.halfOpenInFlight++
		b.calls++
		return true, nil
	}
}

// record books the outcome of an admitted call.
func (b *Breaker) record(probe bool, err error, timedOut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}

	if err == nil {
		b.okCount++
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.failCount++
	if timedOut {
		b.timeoutCount++
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failed probe re-opens and restarts the recovery timer.
		b.transition(StateOpen)
	}
}

// transition moves to the new state and resets per-state counters.
// Caller holds b.mu.
func (b *Breaker) transition(next State) {
	b.state = next
	b.lastChange = b.clock.Now()
	b.failures = 0
	b.successes = 0
	if next != StateHalfOpen {
		b.halfOpenInFlight = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED and clears consecutive counters.
// Cumulative call counters are retained.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// Snapshot returns the current stats.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		Calls:           b.calls,
		Successes:       b.okCount,
		Failures:        b.failCount,
		Timeouts:        b.timeoutCount,
		Rejected:        b.rejectCount,
		LastStateChange: b.lastChange,
	}
}
