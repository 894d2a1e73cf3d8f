package remote

import (
	"sync"
	"time"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed: requests pass through.
	BreakerClosed BreakerState = iota
	// BreakerOpen: requests are rejected immediately.
	BreakerOpen
	// BreakerHalfOpen: a limited number of probe requests are allowed.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker is a consecutive-failure circuit breaker for the remote backend.
// Only transport-level failures trip it: a version conflict or a 404 is a
// healthy backend giving an unwelcome answer. A disabled breaker passes
// everything through.
type Breaker struct {
	cfg           config.BreakerConfig
	onStateChange func(from, to BreakerState)

	mu           sync.Mutex
	state        BreakerState
	failures     uint32
	halfOpenUsed uint32
	openedAt     time.Time

	now func() time.Time
}

// NewBreaker creates a breaker from config. onStateChange may be nil.
func NewBreaker(cfg config.BreakerConfig, onStateChange func(from, to BreakerState)) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	return &Breaker{
		cfg:           cfg,
		onStateChange: onStateChange,
		state:         BreakerClosed,
		now:           time.Now,
	}
}

// Allow reports whether a request may proceed. A rejection carries
// ErrCodeBreakerOpen, which is retryable so callers queue instead of failing.
func (b *Breaker) Allow() error {
	if !b.cfg.Enabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case BreakerOpen:
		return errors.New(errors.ErrCodeBreakerOpen, "remote circuit breaker is open").
			WithComponent("remote").
			WithDetail("retry_after", b.openedAt.Add(b.cfg.OpenTimeout).Sub(b.now()).String())
	case BreakerHalfOpen:
		if b.halfOpenUsed >= b.cfg.HalfOpenRequests {
			return errors.New(errors.ErrCodeBreakerOpen, "remote circuit breaker is probing").
				WithComponent("remote")
		}
		b.halfOpenUsed++
	}
	return nil
}

// Record feeds the outcome of a request back into the breaker. Non-retryable
// errors count as successes: the backend answered.
func (b *Breaker) Record(err error) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()
	if err == nil || !errors.IsRetryable(err) {
		b.failures = 0
		if state == BreakerHalfOpen {
			b.transitionLocked(BreakerClosed)
		}
		return
	}

	b.failures++
	switch state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionLocked(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transitionLocked(BreakerClosed)
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) transitionLocked(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	switch next {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerHalfOpen:
		b.halfOpenUsed = 0
	case BreakerClosed:
		b.failures = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(prev, next)
	}
}
