// Package event defines the journal record attached to a run.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of journal event.
type Type string

const (
	TypeStatus Type = "status"
	TypeToken  Type = "token"
	TypeTool   Type = "tool"
	TypeFileOp Type = "file_op"
	TypeDone   Type = "done"
	TypeError  Type = "error"
	TypePing   Type = "ping"
)

// Well-known values for the "status" key inside status event payloads.
// Unknown status strings are passed through opaque; consumers must not
// filter on this set.
const (
	StatusQueued              = "queued"
	StatusRunning             = "running"
	StatusCancelled           = "cancelled"
	StatusModelResolved       = "model_resolved"
	StatusAttemptFailed       = "attempt_failed"
	StatusRetrying            = "retrying"
	StatusSandboxCreated      = "sandbox_created"
	StatusSnapshotStored      = "workspace_snapshot_stored"
	StatusSnapshotStoreFailed = "workspace_snapshot_store_failed"
	StatusGitCommit           = "git_commit"
	StatusGitCommitSkipped    = "git_commit_skipped"
	StatusGitCommitError      = "git_commit_error"
)

// Event is a single immutable record in a run's journal. ID is globally
// monotonic with insertion order; Seq is dense 1..N within the run.
type Event struct {
	ID      int64           `json:"id"`
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// StatusPayload builds the payload for a status event. Extra keys are
// merged next to the "status" key.
func StatusPayload(status string, extra map[string]any) json.RawMessage {
	m := map[string]any{"status": status}
	for k, v := range extra {
		m[k] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		// Only unmarshalable values can fail here; fall back to the bare status.
		data, _ = json.Marshal(map[string]string{"status": status})
	}
	return data
}
