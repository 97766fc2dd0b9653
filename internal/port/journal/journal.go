// Package journal defines the append-only event journal port.
package journal

import (
	"context"
	"encoding/json"

	"github.com/forgeops/agentd/internal/domain/event"
)

// Journal is the port interface for a run's ordered event log.
//
// Guarantees: total order within a run matches insertion order; readers
// observe a prefix-consistent view; events are never mutated.
type Journal interface {
	// Append assigns the next dense seq for the run and inserts the event,
	// retrying seq collisions internally. Returns the global id and the
	// per-run seq.
	Append(ctx context.Context, runID string, typ event.Type, payload json.RawMessage) (id, seq int64, err error)

	// ListAfter returns events with id > afterID for the run, ordered by
	// id ascending, at most limit.
	ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error)

	// List back-pages through a run's events ordered by id ascending.
	List(ctx context.Context, runID string, limit, offset int) ([]event.Event, error)
}
