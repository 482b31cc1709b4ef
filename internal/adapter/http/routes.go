package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. ws, when
// non-nil, handles WebSocket upgrade requests for real-time events.
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Approvals
		r.Post("/approvals", h.CreateApproval)
		r.Get("/approvals/{id}", h.GetApproval)
		r.Post("/approvals/{id}/respond", h.RespondApproval)
		r.Get("/approvals/{id}/wait", h.WaitApproval)

		// Budgets
		r.Post("/budgets/check", h.CheckBudget)
		r.Post("/budgets/usage", h.CommitUsage)
		r.Post("/budgets/reset-daily", h.ResetDailyBudgets)

		// Emergency stops
		r.Post("/stops", h.TriggerStop)
		r.Get("/stops/{id}", h.GetStop)
		r.Delete("/stops/{id}", h.DeactivateStop)

		// Per-project views (nested)
		r.Get("/projects/{id}/approvals", h.ListApprovals)
		r.Get("/projects/{id}/budgets", h.ListBudgets)
		r.Get("/projects/{id}/budgets/{agentType}", h.GetBudget)
		r.Post("/projects/{id}/budgets/{agentType}/reset-session", h.ResetSessionBudget)
		r.Get("/projects/{id}/stops", h.ListStops)
	})
}
