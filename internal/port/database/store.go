// Package database defines the persistence port (interface) for runs,
// jobs, artifacts, messages and pricing.
package database

import (
	"context"
	"time"

	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/domain/job"
	"github.com/forgeops/agentd/internal/domain/message"
	"github.com/forgeops/agentd/internal/domain/pricing"
	"github.com/forgeops/agentd/internal/domain/run"
)

// Store is the port interface the orchestrator consumes for durable state.
// All mutations are single-row writes or conditional (CAS) updates.
type Store interface {
	// CreateRun inserts a run plus its job and the initial queued status
	// event atomically. When a live run with the same (projectID,
	// idempotencyKey) exists it is returned with created=false and nothing
	// is written.
	CreateRun(ctx context.Context, req run.CreateRequest) (r *run.Run, created bool, err error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	GetRunInProject(ctx context.Context, projectID, id string) (*run.Run, error)
	// GetLatestWritableRun returns the most recent run of the project that
	// is not terminally failed, used to thread continuation messages.
	GetLatestWritableRun(ctx context.Context, projectID string) (*run.Run, error)

	// ClaimRunForExecution promotes the job queued→running iff it is
	// currently queued and the run is not terminal. Exactly one of any
	// number of racing workers wins.
	ClaimRunForExecution(ctx context.Context, runID string) (bool, error)
	GetJob(ctx context.Context, runID string) (*job.Job, error)

	SetRunExecutionAttempt(ctx context.Context, runID string, attempt, maxAttempts int) error
	SetRunSandboxID(ctx context.Context, runID, sandboxID string) error
	SetRunWorkspaceBackend(ctx context.Context, runID string, backend run.WorkspaceBackend) error

	// UpdateRunStatus applies a status transition, rejecting moves the
	// state machine forbids with domain.ErrInvalidTransition.
	UpdateRunStatus(ctx context.Context, runID string, status run.Status) error
	// CompleteRun finalizes a running run with output, usage and cost.
	CompleteRun(ctx context.Context, runID, output string, meta run.CompleteMeta) error
	// FailRun moves running→error and records the error text.
	FailRun(ctx context.Context, runID, errMsg string) error
	// CancelRun is idempotent and accepted from {queued, running, cancelled}.
	// changed reports whether this call performed the transition, so the
	// caller can write the cancelled status event exactly once.
	CancelRun(ctx context.Context, runID string) (changed bool, err error)
	// QueueRunForRetry moves running→queued ahead of the next attempt.
	QueueRunForRetry(ctx context.Context, runID string) error

	MarkJobSucceeded(ctx context.Context, runID string) error
	MarkJobCancelled(ctx context.Context, runID string) error
	// MarkJobFailed re-queues the job with nextRunAt=now+delay while
	// attempts < maxAttempts, otherwise marks it failed.
	MarkJobFailed(ctx context.Context, runID string, attempts int, delay time.Duration) error
	// RequeueStaleRunningJobs flips running jobs whose updatedAt is older
	// than the threshold back to queued and returns the affected run ids.
	RequeueStaleRunningJobs(ctx context.Context, staleAfter time.Duration) ([]string, error)
	// ListRunnableQueuedJobRunIDs returns queued jobs with nextRunAt <= now
	// aged at least minAge, oldest update first.
	ListRunnableQueuedJobRunIDs(ctx context.Context, limit int, minAge time.Duration) ([]string, error)

	CreateArtifact(ctx context.Context, a *artifact.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error)

	AddMessage(ctx context.Context, m *message.Message) error
	ListMessages(ctx context.Context, projectID, runID string) ([]message.Message, error)

	GetModelPricing(ctx context.Context, provider, model string) (*pricing.ModelPricing, error)
}
