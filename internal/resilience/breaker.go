// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker shields a flaky dependency: after a streak of consecutive
// failures it rejects calls outright until a cooldown elapses, then lets
// one trial call through to decide whether the dependency recovered.
type Breaker struct {
	mu       sync.Mutex
	state    breakerState
	streak   int
	maxFails int
	cooldown time.Duration
	openedAt time.Time
	now      func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFails
// consecutive failures and stays open for cooldown before allowing a
// trial call.
func NewBreaker(maxFails int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFails: maxFails,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Execute runs fn unless the circuit is open. A caller whose ctx is
// already done is rejected with the context error, and a failure caused
// by ctx expiring mid-call does not count against the dependency: only
// genuine call failures move the streak.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.streak = 0
		b.state = breakerClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller went away; it tells us nothing about the dependency.
	default:
		b.streak++
		if b.state == breakerHalfOpen || b.streak >= b.maxFails {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
	}
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
	}
	return false
}
