// Package agentcore defines the collaborator interface to the LLM agent.
// Prompt construction, tool schemas and the plan/build dialogue live
// entirely behind this port; the orchestrator only schedules one call per
// attempt and consumes the event stream.
package agentcore

import (
	"context"
	"encoding/json"

	"github.com/forgeops/agentd/internal/domain/run"
)

// EventType mirrors the journal event kinds the agent can emit.
type EventType string

const (
	EventToken  EventType = "token"
	EventTool   EventType = "tool"
	EventFileOp EventType = "file_op"
	EventStatus EventType = "status"
)

// Event is a single agent emission forwarded to the journal.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventFunc receives agent events in emission order.
type EventFunc func(Event)

// Request carries everything one agent invocation needs.
type Request struct {
	RunID            string
	Prompt           string
	Input            json.RawMessage
	Provider         string
	Model            string
	WorkspaceBackend run.WorkspaceBackend
	SandboxID        string
	OnEvent          EventFunc
}

// Result is returned by a successful agent invocation.
type Result struct {
	Output      string
	Provider    string
	Model       string
	ModelSource string // "request", "env" or "default"
	Usage       *run.Usage
	DurationMS  int64
}

// Agent is the collaborator interface. Implementations report user
// cancellation by returning an error wrapping domain.ErrAborted.
type Agent interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CommitResult is returned by the host post-commit hook. The hook never
// returns a Go error; failures are carried in Error.
type CommitResult struct {
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// PostCommitHook commits host-backend workspace changes after a successful
// run. Outcomes, including failures, surface as status events only.
type PostCommitHook interface {
	Commit(ctx context.Context, runID string, backend run.WorkspaceBackend) CommitResult
}
