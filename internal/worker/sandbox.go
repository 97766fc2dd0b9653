package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/database"
	"github.com/forgeops/agentd/internal/port/sandbox"
	"github.com/forgeops/agentd/internal/resilience"
	"github.com/forgeops/agentd/internal/snapshot"
)

// Sandboxes provisions the remote workspace for an attempt. It reconnects
// to a previously recorded sandbox when one is still alive, otherwise it
// creates a fresh one with transient-error retries behind a circuit
// breaker.
type Sandboxes struct {
	provider sandbox.Provider
	store    database.Store
	driver   *Driver
	capturer *snapshot.Capturer
	cfg      config.E2B
	retry    resilience.RetryConfig
	breaker  *resilience.Breaker
}

// NewSandboxes creates the sandbox supervisor. capturer may be nil to
// disable workspace snapshots.
func NewSandboxes(provider sandbox.Provider, store database.Store, driver *Driver, capturer *snapshot.Capturer, cfg config.E2B) *Sandboxes {
	return &Sandboxes{
		provider: provider,
		store:    store,
		driver:   driver,
		capturer: capturer,
		cfg:      cfg,
		retry: resilience.RetryConfig{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		breaker: resilience.NewBreaker(5, 30*cfg.RetryBaseDelay),
	}
}

// Acquire returns a live sandbox for the run. The sandbox id is persisted
// on the run row so a later attempt can reconnect instead of recreating.
func (s *Sandboxes) Acquire(ctx context.Context, r *run.Run) (sandbox.Sandbox, error) {
	if r.SandboxID != "" {
		sb, err := s.provider.ConnectSandbox(ctx, r.SandboxID)
		if err == nil {
			slog.Info("reconnected sandbox", "run_id", r.ID, "sandbox_id", r.SandboxID)
			return sb, nil
		}
		// Stale id: the sandbox expired or was torn down. Clear it and
		// fall through to creation.
		slog.Warn("sandbox reconnect failed", "run_id", r.ID, "sandbox_id", r.SandboxID, "error", err)
		if clearErr := s.store.SetRunSandboxID(ctx, r.ID, ""); clearErr != nil {
			slog.Warn("clear stale sandbox id failed", "run_id", r.ID, "error", clearErr)
		}
	}

	var sb sandbox.Sandbox
	err := s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			created, err := s.provider.CreateSandbox(ctx, sandbox.CreateOptions{
				Template: s.cfg.Template,
				Timeout:  s.cfg.SandboxTimeout,
			})
			if err != nil {
				return err
			}
			sb = created
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	if err := s.store.SetRunSandboxID(ctx, r.ID, sb.ID()); err != nil {
		slog.Warn("persist sandbox id failed", "run_id", r.ID, "error", err)
	}
	s.driver.Append(ctx, r.ID, event.TypeStatus,
		event.StatusPayload(event.StatusSandboxCreated, map[string]any{"sandbox_id": sb.ID()}))

	return sb, nil
}

// Snapshot captures a best-effort workspace snapshot. It never fails the
// attempt: outcomes surface as status events only. Callers invoke it at a
// settled outcome, before the run's terminal event, so the snapshot status
// precedes done or error in the journal.
func (s *Sandboxes) Snapshot(ctx context.Context, runID string, sb sandbox.Sandbox) {
	if s.capturer == nil {
		return
	}
	// Detached so a timed-out attempt still snapshots.
	ctx = context.WithoutCancel(ctx)

	res, err := s.capturer.Capture(ctx, runID, sb)
	if err != nil {
		slog.Warn("workspace snapshot failed", "run_id", runID, "error", err)
		s.driver.Append(ctx, runID, event.TypeStatus,
			event.StatusPayload(event.StatusSnapshotStoreFailed, map[string]any{"error": err.Error()}))
		return
	}
	s.driver.Append(ctx, runID, event.TypeStatus,
		event.StatusPayload(event.StatusSnapshotStored, map[string]any{
			"key":        res.Key,
			"size_bytes": res.SizeBytes,
			"file_count": res.FileCount,
		}))
}

// Release tears the sandbox down and clears the persisted id.
func (s *Sandboxes) Release(ctx context.Context, runID string, sb sandbox.Sandbox) {
	// Detached so a cancelled attempt still closes.
	ctx = context.WithoutCancel(ctx)

	if err := sb.Close(ctx); err != nil {
		slog.Warn("sandbox close failed", "run_id", runID, "sandbox_id", sb.ID(), "error", err)
	}
	if err := s.store.SetRunSandboxID(ctx, runID, ""); err != nil {
		slog.Warn("clear sandbox id failed", "run_id", runID, "error", err)
	}
}
