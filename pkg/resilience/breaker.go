// Package resilience provides the reliability primitives shared by
// every component that talks to an external dependency: a circuit
// breaker, a bounded exponential-backoff retry, and a debounced
// aggregate health checker.
package resilience

import (
	"context"
	"sync"
	"time"

	"foreman/pkg/protocol"
)

// BreakerState is a circuit breaker state.
type BreakerState string

// Breaker states.
const (
	Closed   BreakerState = "CLOSED"
	Open     BreakerState = "OPEN"
	HalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping (default 5)
	RecoveryTimeout  time.Duration // OPEN -> HALF_OPEN probe delay (default 30s)
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.RecoveryTimeout == 0 {
		out.RecoveryTimeout = 30 * time.Second
	}
	return out
}

// Breaker guards calls to one named external dependency. While OPEN it
// fails fast with *protocol.BreakerOpenError — distinguishable from the
// wrapped call's own failures — without invoking the call at all.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewBreaker creates a CLOSED breaker for a named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		state:   Closed,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (b *Breaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = fn
}

// State returns the current state, applying the OPEN -> HALF_OPEN
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == Open && b.nowFunc().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.state = HalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call runs fn under the breaker. In OPEN state fn is not invoked.
// A HALF_OPEN success closes the breaker and resets the failure count;
// a HALF_OPEN failure re-opens it immediately.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	switch b.stateLocked() {
	case Open:
		b.mu.Unlock()
		return &protocol.BreakerOpenError{Name: b.name}
	case HalfOpen, Closed:
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = b.nowFunc()
		if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = Open
		}
		return err
	}
	b.failures = 0
	b.state = Closed
	return nil
}
