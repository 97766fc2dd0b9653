package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/forgeops/agentd/internal/adapter/otel"
	"github.com/forgeops/agentd/internal/adapter/ws"
	"github.com/forgeops/agentd/internal/domain/event"
	"github.com/forgeops/agentd/internal/port/agentcore"
	"github.com/forgeops/agentd/internal/port/journal"
)

// SandboxBinder persists the sandbox id an agent reports mid-attempt, so
// a later attempt can reconnect to the workspace the agent actually used.
type SandboxBinder interface {
	SetRunSandboxID(ctx context.Context, runID, sandboxID string) error
}

// Driver invokes the agent for one attempt and forwards the event stream
// to the journal. Events are funneled through a single goroutine so the
// journal order matches emission order even when the agent emits from
// multiple goroutines.
type Driver struct {
	agent   agentcore.Agent
	journal journal.Journal
	binder  SandboxBinder
	hub     *ws.Hub
	metrics *otel.Metrics
}

// NewDriver creates a Driver. binder, hub and metrics may be nil.
func NewDriver(agent agentcore.Agent, j journal.Journal, binder SandboxBinder, hub *ws.Hub, metrics *otel.Metrics) *Driver {
	return &Driver{agent: agent, journal: j, binder: binder, hub: hub, metrics: metrics}
}

var eventTypes = map[agentcore.EventType]event.Type{
	agentcore.EventToken:  event.TypeToken,
	agentcore.EventTool:   event.TypeTool,
	agentcore.EventFileOp: event.TypeFileOp,
	agentcore.EventStatus: event.TypeStatus,
}

// Execute runs the agent once, journaling every emitted event before
// returning. req.OnEvent is replaced; callers must not set it.
func (d *Driver) Execute(ctx context.Context, req agentcore.Request) (*agentcore.Result, error) {
	// Journal writes outlive the attempt context: a cancelled attempt must
	// still persist the events emitted before the cut.
	sinkCtx := context.WithoutCancel(ctx)

	events := make(chan agentcore.Event, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		known := req.SandboxID
		for ev := range events {
			if id := statusSandboxID(ev); id != "" && id != known && d.binder != nil {
				if err := d.binder.SetRunSandboxID(sinkCtx, req.RunID, id); err != nil {
					slog.Warn("persist reported sandbox id failed", "run_id", req.RunID, "error", err)
				} else {
					known = id
				}
			}
			d.append(sinkCtx, req.RunID, ev)
		}
	}()

	req.OnEvent = func(ev agentcore.Event) {
		events <- ev
	}

	res, err := d.agent.Run(ctx, req)

	close(events)
	wg.Wait()
	return res, err
}

// statusSandboxID extracts the sandbox id a status event carries, if any.
// Agents report one when they provision or swap the workspace themselves.
func statusSandboxID(ev agentcore.Event) string {
	if ev.Type != agentcore.EventStatus {
		return ""
	}
	var p struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ""
	}
	return p.SandboxID
}

// Append journals a single event on behalf of the supervisor, outside an
// agent invocation.
func (d *Driver) Append(ctx context.Context, runID string, typ event.Type, payload []byte) {
	d.append(ctx, runID, agentcore.Event{Type: agentcore.EventType(typ), Payload: payload})
}

func (d *Driver) append(ctx context.Context, runID string, ev agentcore.Event) {
	typ, ok := eventTypes[ev.Type]
	if !ok {
		typ = event.Type(ev.Type)
	}

	id, seq, err := d.journal.Append(ctx, runID, typ, ev.Payload)
	if err != nil {
		slog.Error("journal append failed", "run_id", runID, "type", typ, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.EventsAppended.Add(ctx, 1)
	}
	if d.hub != nil {
		d.hub.BroadcastEvent(ctx, ws.EventRunEvent, ws.RunJournalEvent{
			RunID:   runID,
			ID:      id,
			Seq:     seq,
			Type:    string(typ),
			Payload: ev.Payload,
		})
	}
}
