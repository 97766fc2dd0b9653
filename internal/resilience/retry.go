package resilience

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig controls exponential backoff for transient external failures.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry matches the sandbox provider call policy.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Attempts:  3,
		BaseDelay: 750 * time.Millisecond,
		MaxDelay:  8 * time.Second,
	}
}

// transientFragments are matched case-insensitively against error messages
// to decide whether a failure is worth retrying.
var transientFragments = []string{
	"econnreset",
	"connection reset",
	"connection refused",
	"429",
	"502",
	"503",
	"504",
	"too many requests",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"fetch failed",
	"timeout",
	"timed out",
	"socket hang up",
	"temporarily unavailable",
	"eof",
}

// IsTransient reports whether err looks like a retryable external failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Retry runs fn up to cfg.Attempts times, sleeping
// min(maxDelay, base * 2^(attempt-1)) plus jitter between attempts.
// Non-transient errors and context cancellation stop the loop immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 750 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= cfg.Attempts || !IsTransient(err) {
			return err
		}

		delay := cfg.BaseDelay << uint(attempt-1)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		// Up to 20% jitter to avoid thundering herds on provider recovery.
		delay += time.Duration(rand.Int64N(int64(delay)/5 + 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
