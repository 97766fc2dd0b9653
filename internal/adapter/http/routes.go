package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgeops/agentd/internal/adapter/otel"
	"github.com/forgeops/agentd/internal/config"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, cfg config.Server) {
	r.Use(otel.HTTPMiddleware("agentd"))
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))

	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs (nested under projects)
		r.Post("/projects/{id}/runs", h.CreateRun)
		r.Get("/projects/{id}/runs/latest", h.GetLatestWritableRun)
		r.Get("/projects/{id}/runs/{runID}", h.GetProjectRun)
		r.Get("/projects/{id}/runs/{runID}/messages", h.ListRunMessages)
		r.Post("/projects/{id}/messages", h.AddProjectMessage)

		// Runs (direct access)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Get("/runs/{id}/events", h.ListRunEvents)
		r.Get("/runs/{id}/artifacts", h.ListRunArtifacts)
		r.Get("/runs/{id}/artifacts/workspace", h.DownloadWorkspace)
	})

	// WebSocket endpoint for live run updates.
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}
