package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/port/database"
	"github.com/forgeops/agentd/internal/port/messagequeue"
)

// Scheduler runs the two periodic rescue loops: requeueing stale running
// jobs whose worker died, and kicking runnable queued jobs whose request
// message was lost. Both are idempotent; duplicates lose the claim.
type Scheduler struct {
	store database.Store
	queue messagequeue.Queue
	cfg   config.Worker
}

// NewScheduler creates a Scheduler.
func NewScheduler(store database.Store, queue messagequeue.Queue, cfg config.Worker) *Scheduler {
	return &Scheduler{store: store, queue: queue, cfg: cfg}
}

// Start launches both loops. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, "requeue_stale_running", s.requeueStaleRunning)
	go s.loop(ctx, "kick_queued", s.kickQueued)
}

// loop ticks at the configured interval with up to 10% jitter so
// replicas do not align their sweeps.
func (s *Scheduler) loop(ctx context.Context, name string, tick func(context.Context)) {
	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		delay := interval + time.Duration(rand.Int64N(int64(interval)/10+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		slog.Debug("scheduler tick", "loop", name)
		tick(ctx)
	}
}

// requeueStaleRunning flips running jobs whose updated_at went stale back
// to queued and republishes them. Disabled when the threshold is zero,
// which is the safe default for long agent runs that cannot heartbeat.
func (s *Scheduler) requeueStaleRunning(ctx context.Context) {
	if s.cfg.RequeueRunningAfter <= 0 {
		return
	}
	ids, err := s.store.RequeueStaleRunningJobs(ctx, s.cfg.RequeueRunningAfter)
	if err != nil {
		slog.Error("requeue stale running jobs failed", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Warn("reclaimed stale running jobs", "count", len(ids))
	}
	s.publish(ctx, ids)
}

// kickQueued republishes runnable queued jobs. The min-age guard keeps it
// from racing the create path's own publish.
func (s *Scheduler) kickQueued(ctx context.Context) {
	ids, err := s.store.ListRunnableQueuedJobRunIDs(ctx, s.cfg.KickQueuedLimit, s.cfg.KickQueuedMinAge)
	if err != nil {
		slog.Error("list runnable queued jobs failed", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("kicking queued jobs", "count", len(ids))
	}
	s.publish(ctx, ids)
}

func (s *Scheduler) publish(ctx context.Context, runIDs []string) {
	for _, id := range runIDs {
		data, err := json.Marshal(messagequeue.RunRequestedPayload{RunID: id})
		if err != nil {
			continue
		}
		if err := s.queue.Publish(ctx, messagequeue.SubjectRunRequested, data); err != nil {
			slog.Error("publish run request failed", "run_id", id, "error", err)
		}
	}
}
