package http

import (
	"net/http"
	"strconv"

	"github.com/forgeops/agentd/internal/adapter/ws"
	"github.com/forgeops/agentd/internal/domain/artifact"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/objectstore"
	"github.com/forgeops/agentd/internal/service"
)

const maxBodyBytes = 1 << 20

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	runs    *service.RunService
	objects objectstore.Store
	hub     *ws.Hub
}

// NewHandlers creates the handler set.
func NewHandlers(runs *service.RunService, objects objectstore.Store, hub *ws.Hub) *Handlers {
	return &Handlers{runs: runs, objects: objects, hub: hub}
}

// CreateRun handles POST /api/v1/projects/{id}/runs.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	req.ProjectID = urlParam(r, "id")
	if key := r.Header.Get("X-Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	created, isNew, err := h.runs.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	status := http.StatusCreated
	if !isNew {
		status = http.StatusOK
	}
	writeJSON(w, status, created)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// GetProjectRun handles GET /api/v1/projects/{id}/runs/{runID}.
func (h *Handlers) GetProjectRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.runs.GetInProject(r.Context(), urlParam(r, "id"), urlParam(r, "runID"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(run.StatusCancelled)})
}

// ListRunEvents handles GET /api/v1/runs/{id}/events. With
// Accept: text/event-stream (or ?stream=true) it switches to SSE,
// replaying the journal and following it live until the run finishes.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	afterID := parseInt64(r.URL.Query().Get("after"), 0)
	limit := int(parseInt64(r.URL.Query().Get("limit"), 200))

	if wantsStream(r) {
		h.streamRunEvents(w, r, runID, afterID)
		return
	}

	events, err := h.runs.Events(r.Context(), runID, afterID, limit)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ListRunArtifacts handles GET /api/v1/runs/{id}/artifacts.
func (h *Handlers) ListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.runs.Artifacts(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// DownloadWorkspace handles GET /api/v1/runs/{id}/artifacts/workspace,
// serving the workspace snapshot zip.
func (h *Handlers) DownloadWorkspace(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	if _, err := h.runs.Get(r.Context(), runID); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	data, err := h.objects.Get(r.Context(), artifact.WorkspaceKey(runID))
	if err != nil {
		writeDomainError(w, err, "workspace snapshot not found")
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "workspace snapshot not found")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="workspace.zip"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// AddProjectMessage handles POST /api/v1/projects/{id}/messages, threading
// a user message onto the project's latest writable run.
func (h *Handlers) AddProjectMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Content string `json:"content"`
	}](w, r, maxBodyBytes)
	if !ok {
		return
	}

	m, err := h.runs.AddUserMessage(r.Context(), urlParam(r, "id"), body.Content)
	if err != nil {
		writeDomainError(w, err, "no writable run")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListRunMessages handles GET /api/v1/projects/{id}/runs/{runID}/messages.
func (h *Handlers) ListRunMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.runs.Messages(r.Context(), urlParam(r, "id"), urlParam(r, "runID"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetLatestWritableRun handles GET /api/v1/projects/{id}/runs/latest.
func (h *Handlers) GetLatestWritableRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.runs.LatestWritableRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "no writable run")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return r.Header.Get("Accept") == "text/event-stream"
}
