// Package job defines the durable execution record paired 1:1 with a run.
package job

import "time"

// Status is the queue-side view of a run's execution state. It moves in
// lockstep with run.Status but is not equal to it: a job sits in queued
// during retry backoff while the run is also queued.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job tracks queue and retry state for exactly one run.
type Job struct {
	RunID       string    `json:"run_id"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultMaxBackoff caps the retry delay between attempts.
const DefaultMaxBackoff = 30 * time.Second

// RetryDelay returns the backoff before the next attempt:
// min(maxBackoff, 2^attempts) seconds. attempts is 1-based after the
// first failure, so the first retry waits 2s, then 4s, 8s, ...
func RetryDelay(attempts int, maxBackoff time.Duration) time.Duration {
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	if attempts < 0 {
		attempts = 0
	}
	// Shift overflows past 2^30; the cap makes anything bigger irrelevant.
	if attempts > 30 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
