package ner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/straja-ai/lexanon/internal/redact"
)

// CircuitState is the breaker state.
//
//	closed    → open       after ConsecutiveFailures failures
//	open      → half-open  after OpenDuration
//	half-open → closed     on a successful trial call
//	half-open → open       on a failed trial call
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BreakerConfig configures CircuitBreaker.
type BreakerConfig struct {
	ConsecutiveFailures int
	OpenDuration        time.Duration
}

// CircuitBreaker wraps an oracle and fails fast with ErrUnavailable while the
// circuit is open, so detection degrades to regex-only without paying the
// oracle timeout on every document.
type CircuitBreaker struct {
	primary Oracle
	cfg     BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	nowFunc func() time.Time
}

// NewCircuitBreaker wraps primary.
func NewCircuitBreaker(primary Oracle, cfg BreakerConfig) (*CircuitBreaker, error) {
	if primary == nil {
		return nil, fmt.Errorf("circuit_breaker: primary oracle must not be nil")
	}
	if cfg.ConsecutiveFailures < 1 {
		return nil, fmt.Errorf("circuit_breaker: consecutive_failures must be >= 1, got %d", cfg.ConsecutiveFailures)
	}
	if cfg.OpenDuration <= 0 {
		return nil, fmt.Errorf("circuit_breaker: open_duration must be > 0, got %v", cfg.OpenDuration)
	}
	return &CircuitBreaker{
		primary: primary,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}, nil
}

// Recognize forwards to the primary oracle unless the circuit is open. In
// half-open state a single trial call goes through; concurrent callers fail fast
// until it completes.
func (cb *CircuitBreaker) Recognize(ctx context.Context, text string) ([]Span, error) {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	if state == CircuitOpen || (state == CircuitHalfOpen && cb.probing) {
		cb.mu.Unlock()
		return nil, fmt.Errorf("%w: circuit %s", ErrUnavailable, state)
	}
	if state == CircuitHalfOpen {
		cb.probing = true
	}
	cb.mu.Unlock()

	spans, err := cb.primary.Recognize(ctx, text)
	if err != nil {
		// Caller cancellation does not count as an oracle failure.
		if errors.Is(ctx.Err(), context.Canceled) {
			cb.mu.Lock()
			cb.probing = false
			cb.mu.Unlock()
			return nil, err
		}
		cb.recordFailure()
		return nil, err
	}
	cb.recordSuccess()
	return spans, nil
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// currentStateLocked handles the time-based open → half-open transition.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) currentStateLocked() CircuitState {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.OpenDuration {
		cb.state = CircuitHalfOpen
		cb.probing = false
		redact.Logf("ner circuit breaker half-open after %s", cb.cfg.OpenDuration)
	}
	return cb.state
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasOpen := cb.state != CircuitClosed
	cb.consecutiveFailures = 0
	cb.state = CircuitClosed
	cb.probing = false
	if wasOpen {
		redact.Logf("ner circuit breaker closed after successful trial call")
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.probing = false

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = cb.nowFunc()
		redact.Logf("ner circuit breaker reopened after failed trial call (failures=%d)", cb.consecutiveFailures)
		return
	}
	if cb.state == CircuitClosed && cb.consecutiveFailures >= cb.cfg.ConsecutiveFailures {
		cb.state = CircuitOpen
		cb.openedAt = cb.nowFunc()
		redact.Logf("ner circuit breaker opened (failures=%d open_duration=%s)", cb.consecutiveFailures, cb.cfg.OpenDuration)
	}
}
