// Package resilience protects the sample pipeline from failing persistence
// backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops calling a backend after repeated failures and probes it again after
// a cool-down. [FallbackGroup] chains several backends of the same kind,
// each behind its own breaker, so that uploads move to a healthy fallback
// while the primary is down. [UploadFallback] applies this to
// upload.Uploader.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed in the half-open
	// state. Default: 3.
	HalfOpenMax int

	// Now is the time source. Default: time.Now.
	Now func() time.Time

	// OnStateChange, if set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// Counts is a snapshot of a breaker's bookkeeping.
type Counts struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       int64
	TotalSuccesses      int64
	Rejected            int64
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	now           func() time.Time
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
	totalFail       int64
	totalOK         int64
	rejected        int64
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
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
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		now:           cfg.Now,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transition = cb.setStateLocked(StateHalfOpen)
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}

	err := fn()

	cb.mu.Lock()
	if err != nil {
		transition = cb.recordFailureLocked(inHalfOpen)
	} else {
		transition = cb.recordSuccessLocked(inHalfOpen)
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// setStateLocked switches state and returns the notification to run after
// unlocking, or nil. Caller holds cb.mu.
func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	switch to {
	case StateOpen:
		slog.Warn("resilience: circuit breaker opened",
			"name", cb.name, "consecutive_failures", cb.consecutiveFail, "from", from)
	case StateHalfOpen:
		slog.Info("resilience: circuit breaker half-open", "name", cb.name)
	case StateClosed:
		slog.Info("resilience: circuit breaker closed", "name", cb.name, "from", from)
	}
	if cb.onStateChange == nil {
		return nil
	}
	name, fn := cb.name, cb.onStateChange
	return func() { fn(name, from, to) }
}

// recordFailureLocked handles failure accounting. Caller holds cb.mu.
func (cb *CircuitBreaker) recordFailureLocked(inHalfOpen bool) func() {
	cb.lastFailure = cb.now()
	cb.totalFail++

	if inHalfOpen {
		cb.halfOpenFails++
		cb.consecutiveFail = cb.maxFailures
		return cb.setStateLocked(StateOpen)
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		return cb.setStateLocked(StateOpen)
	}
	return nil
}

// recordSuccessLocked handles success accounting. Caller holds cb.mu.
func (cb *CircuitBreaker) recordSuccessLocked(inHalfOpen bool) func() {
	cb.totalOK++
	if !inHalfOpen {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.halfOpenCalls-cb.halfOpenFails < cb.halfOpenMax {
		return nil
	}
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	return cb.setStateLocked(StateClosed)
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Counts returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		State:               cb.stateLocked(),
		ConsecutiveFailures: cb.consecutiveFail,
		TotalFailures:       cb.totalFail,
		TotalSuccesses:      cb.totalOK,
		Rejected:            cb.rejected,
	}
}

// Reset forces the breaker back to [StateClosed] and clears the failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	transition := cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}
