// Package worker runs the execution side of agentd: claiming queued runs,
// driving the agent, supervising sandboxes and rescuing stuck jobs.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/database"
)

// Watcher polls a run's status during an attempt and cancels the attempt
// context as soon as the run is cancelled from outside. Cancellation is
// written by the ingress path; the watcher only has to notice it.
type Watcher struct {
	store    database.Store
	interval time.Duration
}

// NewWatcher creates a Watcher polling at the given interval.
func NewWatcher(store database.Store, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 750 * time.Millisecond
	}
	return &Watcher{store: store, interval: interval}
}

// Watch derives a context from parent that is cancelled when the run's
// status becomes cancelled. The returned stop function releases the
// poller; callers must invoke it when the attempt ends.
func (w *Watcher) Watch(parent context.Context, runID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			r, err := w.store.GetRun(ctx, runID)
			if err != nil {
				// Transient store errors must not kill a healthy attempt.
				slog.Debug("cancel watcher poll failed", "run_id", runID, "error", err)
				continue
			}
			if r.Status == run.StatusCancelled {
				slog.Info("run cancelled, stopping attempt", "run_id", runID)
				cancel()
				return
			}
		}
	}()

	return ctx, cancel
}
