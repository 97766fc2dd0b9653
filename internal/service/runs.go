// Package service holds the ingress-facing use cases of agentd. Handlers
// stay thin; everything with semantics lives here or in the worker.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeops/agentd/internal/adapter/otel"
	"github.com/forgeops/agentd/internal/adapter/ws"
	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/domain/message"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/database"
	"github.com/forgeops/agentd/internal/port/journal"
	"github.com/forgeops/agentd/internal/port/messagequeue"
)

// MaxPromptBytes bounds the accepted prompt size.
const MaxPromptBytes = 256 << 10

// RunService is the ingress API over runs: creation, cancellation and
// read models. Execution itself happens in the worker.
type RunService struct {
	store   database.Store
	journal journal.Journal
	queue   messagequeue.Queue
	hub     *ws.Hub
	metrics *otel.Metrics
	cfg     config.Worker
}

// NewRunService creates a RunService. hub and metrics may be nil.
func NewRunService(store database.Store, j journal.Journal, queue messagequeue.Queue, hub *ws.Hub, metrics *otel.Metrics, cfg config.Worker) *RunService {
	return &RunService{store: store, journal: j, queue: queue, hub: hub, metrics: metrics, cfg: cfg}
}

// Create validates and persists a new run, then publishes the run
// request. With an idempotency key, a replayed create returns the
// existing run and created=false without publishing again.
func (s *RunService) Create(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	if err := validateCreate(&req); err != nil {
		return nil, false, err
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.cfg.MaxJobAttempts
	}

	r, created, err := s.store.CreateRun(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if !created {
		slog.Info("run create replayed", "run_id", r.ID, "idempotency_key", req.IdempotencyKey)
		return r, false, nil
	}

	if err := s.store.AddMessage(ctx, &message.Message{
		ProjectID: r.ProjectID,
		RunID:     r.ID,
		Role:      message.RoleUser,
		Content:   r.Prompt,
	}); err != nil {
		slog.Warn("record user message failed", "run_id", r.ID, "error", err)
	}

	// The queue is a hint, not the ledger: a lost publish is repaired by
	// the kick-queued scheduler.
	data, _ := json.Marshal(messagequeue.RunRequestedPayload{RunID: r.ID})
	if err := s.queue.Publish(ctx, messagequeue.SubjectRunRequested, data); err != nil {
		slog.Warn("publish run request failed", "run_id", r.ID, "error", err)
	}

	s.broadcastStatus(ctx, r, run.StatusQueued)
	slog.Info("run created", "run_id", r.ID, "project_id", r.ProjectID, "run_index", r.RunIndex)
	return r, true, nil
}

// Cancel requests cancellation of a run. Cancelling a cancelled run is a
// no-op success; cancelling a completed or failed run is a conflict.
func (s *RunService) Cancel(ctx context.Context, runID string) error {
	changed, err := s.store.CancelRun(ctx, runID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if _, _, err := s.journal.Append(ctx, runID, event.TypeStatus,
		event.StatusPayload(event.StatusCancelled, nil)); err != nil {
		slog.Warn("append cancelled event failed", "run_id", runID, "error", err)
	}
	// A queued run has no worker to park its job; running jobs are parked
	// again by the worker on exit, which is idempotent.
	if err := s.store.MarkJobCancelled(ctx, runID); err != nil {
		slog.Warn("mark job cancelled failed", "run_id", runID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.RunsCancelled.Add(ctx, 1)
	}
	r, err := s.store.GetRun(ctx, runID)
	if err == nil {
		s.broadcastStatus(ctx, r, run.StatusCancelled)
	}
	slog.Info("run cancelled", "run_id", runID)
	return nil
}

// Get returns a run by id.
func (s *RunService) Get(ctx context.Context, runID string) (*run.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// GetInProject returns a run scoped to its project.
func (s *RunService) GetInProject(ctx context.Context, projectID, runID string) (*run.Run, error) {
	return s.store.GetRunInProject(ctx, projectID, runID)
}

// Events pages a run's journal: id > afterID, ascending, at most limit.
func (s *RunService) Events(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.journal.ListAfter(ctx, runID, afterID, limit)
}

// Artifacts lists the artifacts recorded for a run.
func (s *RunService) Artifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, runID)
}

// AddUserMessage appends a user chat turn threaded onto the project's
// latest writable run.
func (s *RunService) AddUserMessage(ctx context.Context, projectID, content string) (*message.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidInput)
	}
	if len(content) > MaxPromptBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", domain.ErrInvalidInput, MaxPromptBytes)
	}

	r, err := s.store.GetLatestWritableRun(ctx, projectID)
	if err != nil {
		return nil, err
	}

	m := &message.Message{
		ProjectID: projectID,
		RunID:     r.ID,
		Role:      message.RoleUser,
		Content:   content,
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	slog.Info("user message added", "project_id", projectID, "run_id", r.ID)
	return m, nil
}

// Messages lists the chat turns of a run within its project.
func (s *RunService) Messages(ctx context.Context, projectID, runID string) ([]message.Message, error) {
	return s.store.ListMessages(ctx, projectID, runID)
}

// LatestWritableRun returns the run a continuation message should thread
// onto: the project's newest run that has not terminally failed.
func (s *RunService) LatestWritableRun(ctx context.Context, projectID string) (*run.Run, error) {
	return s.store.GetLatestWritableRun(ctx, projectID)
}

func (s *RunService) broadcastStatus(ctx context.Context, r *run.Run, status run.Status) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		Status:    string(status),
		Attempt:   r.Attempt,
	})
}

func validateCreate(req *run.CreateRequest) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	switch {
	case req.ProjectID == "":
		return fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	case req.Prompt == "":
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidInput)
	case len(req.Prompt) > MaxPromptBytes:
		return fmt.Errorf("%w: prompt exceeds %d bytes", domain.ErrInvalidInput, MaxPromptBytes)
	}
	switch req.WorkspaceBackend {
	case "", run.BackendHost, run.BackendE2B:
	default:
		return fmt.Errorf("%w: unknown workspace backend %q", domain.ErrInvalidInput, req.WorkspaceBackend)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return fmt.Errorf("%w: input must be valid JSON", domain.ErrInvalidInput)
	}
	return nil
}
