package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus = "run.status"
	EventRunEvent  = "run.event"
)

// RunStatusEvent is broadcast when a run's status changes.
type RunStatusEvent struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt,omitempty"`
}

// RunJournalEvent mirrors one journal event to live subscribers.
type RunJournalEvent struct {
	RunID   string          `json:"run_id"`
	ID      int64           `json:"id"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
