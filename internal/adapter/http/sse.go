package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/forgeops/agentd/internal/domain/event"
)

const (
	ssePollInterval = time.Second
	ssePingInterval = 15 * time.Second
)

// streamRunEvents replays the run's journal from afterID and then follows
// it live, polling the journal until the run reaches a terminal status
// and the tail is drained. Clients resume with Last-Event-ID.
func (h *Handlers) streamRunEvents(w http.ResponseWriter, r *http.Request, runID string, afterID int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		afterID = parseInt64(lastID, afterID)
	}

	rn, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	terminal := rn.Status.Terminal()
	lastPing := time.Now()

	for {
		events, err := h.runs.Events(ctx, runID, afterID, 200)
		if err != nil {
			return
		}
		for _, ev := range events {
			writeSSE(w, ev)
			afterID = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		// Drain fully after the run ends, then close the stream.
		if terminal && len(events) == 0 {
			return
		}
		if !terminal {
			rn, err = h.runs.Get(ctx, runID)
			if err != nil {
				return
			}
			terminal = rn.Status.Terminal()
		}

		if time.Since(lastPing) >= ssePingInterval {
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			lastPing = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(ssePollInterval):
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\n", strconv.FormatInt(ev.ID, 10))
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
