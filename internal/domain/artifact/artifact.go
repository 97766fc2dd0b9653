// Package artifact defines byproducts of a run stored by reference.
package artifact

import "time"

// Artifact points at an object-store blob produced by a run. Rows are
// write-once: snapshot capture records them, nothing updates them.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"` // object-store key
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkspaceKey returns the canonical object key for a run's workspace
// snapshot. At most one exists per run; re-capture replaces it in place.
func WorkspaceKey(runID string) string {
	return "runs/" + runID + "/workspace.zip"
}
