// Package breaker implements the closed/open/half-open circuit breaker that
// guards notification delivery (spec.md §4.3), with exponential backoff on
// retried calls via cenkalti/backoff/v5 — the same retry library the
// teacher's stack already depends on for its agent-manager resilience code.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the breaker is open and rejecting calls.
var ErrOpen = errors.New("breaker: circuit is open")

// Config tunes the breaker (spec.md §4.3 defaults).
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns the spec.md §4.3 defaults: 5 consecutive failures,
// 30s recovery, 3 concurrent half-open probes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 3}
}

// OnStateChange is invoked whenever the breaker transitions, carrying the
// previous and new state; used to emit circuit.opened/closed/half_open
// events onto the event bus.
type OnStateChange func(from, to State)

// Breaker is a single named circuit breaker instance.
type Breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int
	onChange         OnStateChange
}

// New builds a breaker with cfg, applying DefaultConfig for zero fields.
func New(cfg Config, onChange OnStateChange) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &Breaker{cfg: cfg, state: Closed, onChange: onChange}
}

// State returns the current breaker state, transitioning open->half-open
// first if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()
	return b.state
}

// maybeRecover must be called with b.mu held.
func (b *Breaker) maybeRecover() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setState(HalfOpen)
		b.halfOpenInFlight = 0
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
	}
	if from != to && b.onChange != nil {
		go b.onChange(from, to)
	}
}

// admit reserves a call slot, returning ErrOpen if the breaker refuses.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()

	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.halfOpenInFlight--
		b.setState(Closed)
	}
	b.consecutiveFails = 0
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.halfOpenInFlight--
		b.setState(Open)
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.setState(Open)
	}
}

// Call executes fn if the breaker admits it, recording the outcome.
// Returns ErrOpen without invoking fn when the breaker refuses.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// RetryConfig tunes CallWithRetry (spec.md §4.6 notification retries).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig returns 3 attempts with base 1s (waits of 1s, then 2s,
// between them).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 1 * time.Second}
}

// CallWithRetry calls fn through the breaker up to cfg.MaxAttempts times,
// waiting with exponential backoff (base * 2^attempt) between them when fn
// (or the breaker) returns an error. onAttempt, if non-nil, is invoked
// before each attempt with its 0-based index.
func CallWithRetry(ctx context.Context, b *Breaker, cfg RetryConfig, onAttempt func(attempt int), fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = cfg.BaseDelay * time.Duration(1<<uint(cfg.MaxAttempts))

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt)
		}
		err := b.Call(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < cfg.MaxAttempts-1 {
			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
