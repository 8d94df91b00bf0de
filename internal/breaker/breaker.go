// Package breaker implements a three-state circuit breaker guarding outbound
// calls to SIEM destinations. No circuit-breaker library
// appears anywhere in the reference corpus; the state machine below is
// hand-rolled against spec.md §4.6 rather than force-fitting an unobserved
// dependency (see DESIGN.md).
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip CLOSED -> OPEN
	SuccessThreshold int           // consecutive successes to close HALF_OPEN -> CLOSED
	RecoveryTimeout  time.Duration // OPEN duration before a trial HALF_OPEN call is allowed
}

// DefaultConfig mirrors spec.md §4.6's defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 60 * time.Second}
}

// OpenError is returned when a call is rejected without being attempted
// because the breaker is OPEN.
type OpenError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Destination, e.RetryAfter)
}

// Breaker is safe for concurrent use by multiple goroutines.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	consecutiveOK     int
	openedAt          time.Time
	onTransition      func(from, to State)
}

// New constructs a Breaker in the CLOSED state.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  Closed,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed right now, transitioning
// OPEN -> HALF_OPEN if the recovery timeout has elapsed. It does not itself
// invoke anything; callers use Execute for the common case.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() (bool, time.Duration) {
	switch b.state {
	case Closed:
		return true, 0
	case HalfOpen:
		return true, 0
	case Open:
		elapsed := time.Since(b.openedAt)
		if elapsed >= b.cfg.RecoveryTimeout {
			b.transitionLocked(HalfOpen)
			return true, 0
		}
		return false, b.cfg.RecoveryTimeout - elapsed
	}
	return true, 0
}

// Execute runs fn only if the breaker allows it, recording the outcome.
// If the breaker is OPEN, fn is never invoked and an *OpenError is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	allowed, retryAfter := b.Allow()
	if !allowed {
		return &OpenError{Destination: b.name, RetryAfter: retryAfter}
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveOK = 0
	switch b.state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
	case Open:
		// A failure observed while OPEN (e.g. a racing trial call) just
		// resets the recovery window.
		b.openedAt = time.Now()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	case Open:
		// Shouldn't happen: Allow() moves OPEN->HALF_OPEN before any call.
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Open:
		b.openedAt = time.Now()
		b.consecutiveFails = 0
	case HalfOpen:
		b.consecutiveOK = 0
	case Closed:
		b.consecutiveFails = 0
		b.consecutiveOK = 0
	}

	if b.logger != nil {
		b.logger.Info("circuit breaker transition",
			"breaker", b.name, "from", from, "to", to)
	}
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// OnTransition registers a callback invoked on every state change, used to
// wire operational alerting (internal/alerting) without the breaker
// depending on it directly.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}
