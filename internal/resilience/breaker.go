// Package resilience decides when a persistently failing audio stream should
// be torn down and reopened.
//
// The central type is [Breaker], a three-state breaker (closed → open →
// half-open) fed with the outcome of every I/O cycle. Transient failures are
// absorbed by the device layer's single inline recovery; the breaker only
// trips after a run of consecutive failed cycles, and then paces reopen
// attempts so a missing device is not hammered.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the healthy state: failures are counted but no
	// reopen is attempted.
	StateClosed State = iota

	// StateOpen means the breaker has tripped. A reopen is attempted
	// whenever the cooldown has elapsed since the last attempt.
	StateOpen

	// StateHalfOpen follows a successful reopen. The next successful cycle
	// closes the breaker; the next failure opens it again.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of consecutive failed cycles in the closed
	// state before the breaker trips. Default: 50 (about half a second of
	// 10 ms backoffs).
	Threshold int

	// Cooldown is the minimum time between two reopen attempts.
	// Default: 1s.
	Cooldown time.Duration

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Default: time.Now. Tests override it.
	Now func() time.Time
}

// Breaker tracks consecutive I/O failures for one stream and tells the
// caller when to reopen it.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastAttempt     time.Time
	attempts        int
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 50
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		logger:    cfg.Logger,
		now:       cfg.Now,
		state:     StateClosed,
	}
}

// Failure records a failed cycle. If a reopen is due it calls reopen, records
// the outcome, and returns attempted=true together with reopen's error.
// reopen runs with the breaker unlocked.
func (b *Breaker) Failure(reopen func() error) (attempted bool, err error) {
	b.mu.Lock()
	b.consecutiveFail++
	due := false
	switch b.state {
	case StateClosed:
		if b.consecutiveFail >= b.threshold {
			b.state = StateOpen
			due = true
			b.logger.Warn("breaker opened", "name", b.name, "consecutive_failures", b.consecutiveFail)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("breaker re-opened from half-open", "name", b.name)
		due = b.now().Sub(b.lastAttempt) >= b.cooldown
	case StateOpen:
		due = b.now().Sub(b.lastAttempt) >= b.cooldown
	}
	if due {
		b.lastAttempt = b.now()
		b.attempts++
	}
	b.mu.Unlock()

	if !due {
		return false, nil
	}

	err = reopen()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.logger.Warn("reopen attempt failed", "name", b.name, "attempt", b.attempts, "err", err)
		return true, err
	}
	if b.state == StateOpen {
		b.state = StateHalfOpen
		b.logger.Info("breaker half-open after reopen", "name", b.name, "attempt", b.attempts)
	}
	return true, nil
}

// Success records a good cycle and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.logger.Info("breaker closed", "name", b.name, "attempts", b.attempts)
	}
	b.state = StateClosed
	b.consecutiveFail = 0
	b.attempts = 0
}

// State returns the current [State] of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the length of the current failure run.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFail
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.attempts = 0
	b.lastAttempt = time.Time{}
}
