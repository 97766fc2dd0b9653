package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/forgeops/agentd/internal/adapter/otel"
	"github.com/forgeops/agentd/internal/adapter/ws"
	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/domain/job"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/agentcore"
	"github.com/forgeops/agentd/internal/port/database"
	"github.com/forgeops/agentd/internal/port/messagequeue"
	"github.com/forgeops/agentd/internal/port/sandbox"
)

// ModelSelector resolves the provider/model pair an attempt should use.
// source is "request", "env" or "default".
type ModelSelector interface {
	Resolve(provider, model string) (resolvedProvider, resolvedModel, source string, err error)
}

// CostEstimator prices a successful run's token usage. A zero cost with
// empty version means no pricing row was found.
type CostEstimator interface {
	Estimate(ctx context.Context, provider, model string, u *run.Usage) (costUSD float64, pricingVersion string)
}

// Supervisor owns the full lifecycle of run attempts on this process:
// claim, backend and model resolution, agent invocation, retry accounting
// and terminal bookkeeping. Concurrency is bounded by a weighted
// semaphore.
type Supervisor struct {
	store     database.Store
	queue     messagequeue.Queue
	driver    *Driver
	sandboxes *Sandboxes // nil when the remote backend is not configured
	watcher   *Watcher
	hub       *ws.Hub
	metrics   *otel.Metrics
	commit    agentcore.PostCommitHook // nil when host commits are disabled
	models    ModelSelector
	costs     CostEstimator
	cfg       config.Worker
	agentCfg  config.Agent

	sem     *semaphore.Weighted
	baseCtx context.Context
}

// SupervisorDeps bundles the collaborators a Supervisor needs.
type SupervisorDeps struct {
	Store     database.Store
	Queue     messagequeue.Queue
	Driver    *Driver
	Sandboxes *Sandboxes
	Watcher   *Watcher
	Hub       *ws.Hub
	Metrics   *otel.Metrics
	Commit    agentcore.PostCommitHook
	Models    ModelSelector
	Costs     CostEstimator
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(deps SupervisorDeps, cfg config.Worker, agentCfg config.Agent) *Supervisor {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Supervisor{
		store:     deps.Store,
		queue:     deps.Queue,
		driver:    deps.Driver,
		sandboxes: deps.Sandboxes,
		watcher:   deps.Watcher,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		commit:    deps.Commit,
		models:    deps.Models,
		costs:     deps.Costs,
		cfg:       cfg,
		agentCfg:  agentCfg,
		sem:       semaphore.NewWeighted(maxConcurrent),
	}
}

// Start subscribes to run requests. The returned cancel function stops
// the subscription; in-flight attempts drain on their own.
func (s *Supervisor) Start(ctx context.Context) (func(), error) {
	s.baseCtx = ctx
	return s.queue.Subscribe(ctx, messagequeue.SubjectRunRequested, s.handleRunRequested)
}

func (s *Supervisor) handleRunRequested(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunRequestedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		// Malformed payloads can never succeed; drop instead of redelivering.
		slog.Error("malformed run request", "error", err)
		return nil
	}
	if p.RunID == "" {
		return nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer s.sem.Release(1)
		s.Process(s.baseCtx, p.RunID)
	}()
	return nil
}

// Process executes one delivery of a run request. Duplicate deliveries
// and already-terminal runs lose the claim and return without effect.
func (s *Supervisor) Process(ctx context.Context, runID string) {
	claimed, err := s.store.ClaimRunForExecution(ctx, runID)
	if err != nil {
		slog.Error("claim failed", "run_id", runID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("claim lost", "run_id", runID)
		return
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		slog.Error("load claimed run failed", "run_id", runID, "error", err)
		return
	}
	j, err := s.store.GetJob(ctx, runID)
	if err != nil {
		slog.Error("load job failed", "run_id", runID, "error", err)
		return
	}

	attempt := j.Attempts + 1
	if err := s.store.SetRunExecutionAttempt(ctx, runID, attempt, j.MaxAttempts); err != nil {
		slog.Warn("record attempt failed", "run_id", runID, "error", err)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, run.StatusRunning); err != nil {
		// A cancel can land between claim and here.
		slog.Info("run not startable", "run_id", runID, "error", err)
		s.settleUnstartable(ctx, runID)
		return
	}

	s.driver.Append(ctx, runID, event.TypeStatus,
		event.StatusPayload(event.StatusRunning, map[string]any{"attempt": attempt}))
	s.broadcastStatus(ctx, r, run.StatusRunning, attempt)
	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1)
	}
	slog.Info("attempt started", "run_id", runID, "attempt", attempt, "max_attempts", j.MaxAttempts)

	s.runAttempt(ctx, r, j, attempt)
}

// runAttempt drives a single claimed attempt to one of the four
// outcomes: success, retry, terminal failure or cancellation.
func (s *Supervisor) runAttempt(ctx context.Context, r *run.Run, j *job.Job, attempt int) {
	backend := s.resolveBackend(r)
	if backend != r.WorkspaceBackend {
		if err := s.store.SetRunWorkspaceBackend(ctx, r.ID, backend); err != nil {
			slog.Warn("persist workspace backend failed", "run_id", r.ID, "error", err)
		}
		r.WorkspaceBackend = backend
	}

	provider, model, source, err := s.models.Resolve(r.Provider, r.Model)
	if err != nil {
		// A misconfigured model can never succeed; fail without retries.
		s.failTerminal(ctx, r, attempt, "model resolution: "+err.Error())
		return
	}
	s.driver.Append(ctx, r.ID, event.TypeStatus,
		event.StatusPayload(event.StatusModelResolved, map[string]any{
			"provider": provider,
			"model":    model,
			"source":   source,
		}))

	attemptCtx, stopWatch := s.watcher.Watch(ctx, r.ID)
	defer stopWatch()
	// One CLI invocation covers both agent phases, so the attempt budget
	// is their sum.
	attemptCtx, cancelTimeout := context.WithTimeout(attemptCtx, s.agentCfg.PlanTimeout+s.agentCfg.BuildTimeout)
	defer cancelTimeout()

	req := agentcore.Request{
		RunID:            r.ID,
		Prompt:           r.Prompt,
		Input:            r.Input,
		Provider:         provider,
		Model:            model,
		WorkspaceBackend: backend,
	}

	var sb sandbox.Sandbox
	if backend == run.BackendE2B {
		if s.sandboxes == nil {
			s.failTerminal(ctx, r, attempt, "remote workspace backend requested but not configured")
			return
		}
		acquired, sbErr := s.sandboxes.Acquire(attemptCtx, r)
		if sbErr != nil {
			s.settleFailure(ctx, r, j, attempt, "sandbox: "+sbErr.Error())
			return
		}
		sb = acquired
		req.SandboxID = sb.ID()
		defer s.sandboxes.Release(ctx, r.ID, sb)
	}

	res, runErr := s.driver.Execute(attemptCtx, req)

	if runErr != nil {
		if s.attemptCancelled(ctx, r.ID, runErr) {
			s.settleCancelled(ctx, r, attempt)
			return
		}
		if sb != nil && attempt >= j.MaxAttempts {
			// The budget is spent and the workspace is about to go away.
			s.sandboxes.Snapshot(ctx, r.ID, sb)
		}
		s.settleFailure(ctx, r, j, attempt, runErr.Error())
		return
	}

	if sb != nil {
		s.sandboxes.Snapshot(ctx, r.ID, sb)
	}
	s.settleSuccess(ctx, r, attempt, res)
}

// resolveBackend picks the workspace backend: request, then config, then
// e2b when the provider is wired, host otherwise.
func (s *Supervisor) resolveBackend(r *run.Run) run.WorkspaceBackend {
	if r.WorkspaceBackend == run.BackendHost || r.WorkspaceBackend == run.BackendE2B {
		return r.WorkspaceBackend
	}
	switch s.agentCfg.WorkspaceBackend {
	case string(run.BackendHost):
		return run.BackendHost
	case string(run.BackendE2B):
		return run.BackendE2B
	}
	if s.sandboxes != nil {
		return run.BackendE2B
	}
	return run.BackendHost
}

// attemptCancelled reports whether the attempt error is a user
// cancellation, confirming against the run row since timeouts and crashes
// also cancel the attempt context.
func (s *Supervisor) attemptCancelled(ctx context.Context, runID string, runErr error) bool {
	if !errors.Is(runErr, domain.ErrAborted) && !errors.Is(runErr, context.Canceled) {
		return false
	}
	r, err := s.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return false
	}
	return r.Status == run.StatusCancelled
}

func (s *Supervisor) settleSuccess(ctx context.Context, r *run.Run, attempt int, res *agentcore.Result) {
	ctx = context.WithoutCancel(ctx)

	var cost float64
	var pricingVersion string
	if s.costs != nil {
		cost, pricingVersion = s.costs.Estimate(ctx, res.Provider, res.Model, res.Usage)
	}

	meta := run.CompleteMeta{
		Provider:         res.Provider,
		Model:            res.Model,
		Usage:            res.Usage,
		DurationMS:       res.DurationMS,
		EstimatedCostUSD: cost,
		PricingVersion:   pricingVersion,
	}
	if err := s.store.CompleteRun(ctx, r.ID, res.Output, meta); err != nil {
		// Lost the race with a cancel; the cancel outcome stands.
		slog.Warn("complete run failed", "run_id", r.ID, "error", err)
		s.settleUnstartable(ctx, r.ID)
		return
	}
	if err := s.store.MarkJobSucceeded(ctx, r.ID); err != nil {
		slog.Warn("mark job succeeded failed", "run_id", r.ID, "error", err)
	}

	done := map[string]any{"duration_ms": res.DurationMS}
	if res.Usage != nil {
		done["usage"] = res.Usage
	}
	if pricingVersion != "" {
		done["estimated_cost_usd"] = cost
		done["pricing_version"] = pricingVersion
	}
	payload, _ := json.Marshal(done)
	s.driver.Append(ctx, r.ID, event.TypeDone, payload)

	// The commit outcome is bookkeeping after the fact; done stays the
	// event subscribers key the run's completion on.
	if r.WorkspaceBackend == run.BackendHost && s.commit != nil {
		s.postCommit(ctx, r)
	}

	s.broadcastStatus(ctx, r, run.StatusCompleted, attempt)
	if s.metrics != nil {
		s.metrics.RunsCompleted.Add(ctx, 1)
		s.metrics.RunDuration.Record(ctx, float64(res.DurationMS)/1000)
		s.metrics.RunCost.Record(ctx, cost)
	}
	slog.Info("run completed", "run_id", r.ID, "attempt", attempt, "duration_ms", res.DurationMS)
}

// settleFailure records a failed attempt and either schedules a retry or
// fails the run terminally once the attempt budget is spent.
func (s *Supervisor) settleFailure(ctx context.Context, r *run.Run, j *job.Job, attempt int, errMsg string) {
	ctx = context.WithoutCancel(ctx)

	s.driver.Append(ctx, r.ID, event.TypeStatus,
		event.StatusPayload(event.StatusAttemptFailed, map[string]any{
			"attempts":     attempt,
			"max_attempts": j.MaxAttempts,
			"error":        errMsg,
		}))

	if attempt < j.MaxAttempts {
		delay := job.RetryDelay(attempt, s.cfg.MaxBackoff)
		if err := s.store.QueueRunForRetry(ctx, r.ID); err != nil {
			// Cancelled mid-failure; leave the cancel outcome in place.
			slog.Info("retry requeue rejected", "run_id", r.ID, "error", err)
			s.settleUnstartable(ctx, r.ID)
			return
		}
		if err := s.store.MarkJobFailed(ctx, r.ID, attempt, delay); err != nil {
			slog.Error("mark job for retry failed", "run_id", r.ID, "error", err)
		}
		s.driver.Append(ctx, r.ID, event.TypeStatus,
			event.StatusPayload(event.StatusRetrying, map[string]any{
				"next_attempt":    attempt + 1,
				"backoff_seconds": int64(delay.Seconds()),
			}))
		s.scheduleRetryKick(r.ID, delay)
		s.broadcastStatus(ctx, r, run.StatusQueued, attempt)
		if s.metrics != nil {
			s.metrics.RunsRetried.Add(ctx, 1)
		}
		slog.Warn("attempt failed, retrying", "run_id", r.ID, "attempt", attempt, "delay", delay, "error", errMsg)
		return
	}

	if err := s.store.FailRun(ctx, r.ID, errMsg); err != nil {
		slog.Warn("fail run rejected", "run_id", r.ID, "error", err)
		s.settleUnstartable(ctx, r.ID)
		return
	}
	if err := s.store.MarkJobFailed(ctx, r.ID, attempt, 0); err != nil {
		slog.Error("mark job failed failed", "run_id", r.ID, "error", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"error":        errMsg,
		"attempts":     attempt,
		"max_attempts": j.MaxAttempts,
	})
	s.driver.Append(ctx, r.ID, event.TypeError, payload)
	s.broadcastStatus(ctx, r, run.StatusError, attempt)
	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1)
	}
	slog.Error("run failed", "run_id", r.ID, "attempt", attempt, "error", errMsg)
}

// scheduleRetryKick republishes the run request once the backoff elapses,
// so a retry starts close to its announced delay. The periodic queued-job
// sweep remains the safety net if this process dies before the timer
// fires.
func (s *Supervisor) scheduleRetryKick(runID string, delay time.Duration) {
	ctx := s.baseCtx
	if ctx == nil {
		return
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		data, err := json.Marshal(messagequeue.RunRequestedPayload{RunID: runID})
		if err != nil {
			return
		}
		if err := s.queue.Publish(ctx, messagequeue.SubjectRunRequested, data); err != nil {
			slog.Warn("retry republish failed", "run_id", runID, "error", err)
		}
	}()
}

// failTerminal fails a run without consuming further attempts, used for
// errors no retry can fix.
func (s *Supervisor) failTerminal(ctx context.Context, r *run.Run, attempt int, errMsg string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.FailRun(ctx, r.ID, errMsg); err != nil {
		slog.Warn("fail run rejected", "run_id", r.ID, "error", err)
		s.settleUnstartable(ctx, r.ID)
		return
	}
	if err := s.store.MarkJobFailed(ctx, r.ID, r.MaxAttempts, 0); err != nil {
		slog.Error("mark job failed failed", "run_id", r.ID, "error", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"error":        errMsg,
		"attempts":     r.MaxAttempts,
		"max_attempts": r.MaxAttempts,
	})
	s.driver.Append(ctx, r.ID, event.TypeError, payload)
	s.broadcastStatus(ctx, r, run.StatusError, attempt)
	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1)
	}
	slog.Error("run failed", "run_id", r.ID, "attempt", attempt, "error", errMsg)
}

// settleCancelled parks the job after a user cancellation. The cancelled
// status event was written by the cancel request itself; the attempt
// exits without a terminal event of its own.
func (s *Supervisor) settleCancelled(ctx context.Context, r *run.Run, attempt int) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkJobCancelled(ctx, r.ID); err != nil {
		slog.Warn("mark job cancelled failed", "run_id", r.ID, "error", err)
	}
	s.broadcastStatus(ctx, r, run.StatusCancelled, attempt)
	slog.Info("attempt stopped by cancellation", "run_id", r.ID, "attempt", attempt)
}

// settleUnstartable reconciles the job with a run that turned terminal
// underneath the attempt.
func (s *Supervisor) settleUnstartable(ctx context.Context, runID string) {
	r, err := s.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return
	}
	if r.Status == run.StatusCancelled {
		if err := s.store.MarkJobCancelled(context.WithoutCancel(ctx), runID); err != nil {
			slog.Warn("mark job cancelled failed", "run_id", runID, "error", err)
		}
	}
}

// postCommit runs the host workspace commit hook, surfacing the outcome
// as a status event.
func (s *Supervisor) postCommit(ctx context.Context, r *run.Run) {
	cr := s.commit.Commit(ctx, r.ID, r.WorkspaceBackend)
	switch {
	case cr.Skipped:
		s.driver.Append(ctx, r.ID, event.TypeStatus,
			event.StatusPayload(event.StatusGitCommitSkipped, nil))
	case !cr.OK:
		s.driver.Append(ctx, r.ID, event.TypeStatus,
			event.StatusPayload(event.StatusGitCommitError, map[string]any{"error": cr.Error}))
	default:
		s.driver.Append(ctx, r.ID, event.TypeStatus,
			event.StatusPayload(event.StatusGitCommit, map[string]any{"commit_sha": cr.CommitSHA}))
	}
}

func (s *Supervisor) broadcastStatus(ctx context.Context, r *run.Run, status run.Status, attempt int) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		Status:    string(status),
		Attempt:   attempt,
	})
}
