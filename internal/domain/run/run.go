// Package run defines the Run domain entity for agent executions.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are sticky:
// the store rejects any transition away from them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition reports whether the run status machine permits from → to.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		// Cancel is idempotent; everything else is rejected.
		return from == StatusCancelled && to == StatusCancelled
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusQueued || to == StatusCompleted || to == StatusError || to == StatusCancelled
	}
	return false
}

// WorkspaceBackend defines where the agent's workspace lives during a run.
type WorkspaceBackend string

const (
	BackendHost WorkspaceBackend = "host" // Direct host filesystem access
	BackendE2B  WorkspaceBackend = "e2b"  // Remote sandbox
)

// Usage holds token accounting reported by the agent on success.
type Usage struct {
	InputTokens           int64 `json:"input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens,omitempty"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens,omitempty"`
}

// Run represents a single invocation of the coding agent on a prompt,
// scoped to a project. A run owns its job, events, artifacts and messages.
type Run struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	ParentRunID    string `json:"parent_run_id,omitempty"`
	RunIndex       int64  `json:"run_index"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Prompt           string           `json:"prompt"`
	Input            json.RawMessage  `json:"input,omitempty"`
	Provider         string           `json:"provider,omitempty"`
	Model            string           `json:"model,omitempty"`
	WorkspaceBackend WorkspaceBackend `json:"workspace_backend"`

	Status      Status `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	SandboxID   string `json:"sandbox_id,omitempty"`

	Output           string  `json:"output,omitempty"`
	Error            string  `json:"error,omitempty"`
	Usage            *Usage  `json:"usage,omitempty"`
	DurationMS       int64   `json:"duration_ms,omitempty"`
	CostCurrency     string  `json:"cost_currency"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
	PricingVersion   string  `json:"pricing_version,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new run.
type CreateRequest struct {
	ProjectID        string           `json:"project_id"`
	ParentRunID      string           `json:"parent_run_id,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
	Prompt           string           `json:"prompt"`
	Input            json.RawMessage  `json:"input,omitempty"`
	Provider         string           `json:"provider,omitempty"`
	Model            string           `json:"model,omitempty"`
	WorkspaceBackend WorkspaceBackend `json:"workspace_backend,omitempty"`
	MaxAttempts      int              `json:"max_attempts,omitempty"`
}

// CompleteMeta carries the success metadata written by CompleteRun.
type CompleteMeta struct {
	Provider         string
	Model            string
	Usage            *Usage
	DurationMS       int64
	EstimatedCostUSD float64
	PricingVersion   string
}
