/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back office UI

ROUTE GROUPS:
  /api/templates/*      Distribution templates
  /api/recurring/*      Recurring invoice definitions
  /api/invoices         Materialized invoices
  /api/runs             Driver runs
  /api/accounts         GL reference data
  /api/profit-centers   GL reference data
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/apengine/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Template routes
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
			r.Put("/{id}/details", h.ReplaceDetails)
			r.Post("/{id}/finalize", h.FinalizeTemplate)
			r.Post("/{id}/allocate", h.AllocateTemplate)
		})

		// Recurring definition routes
		r.Route("/recurring", func(r chi.Router) {
			r.Get("/", h.ListDefinitions)
			r.Post("/", h.CreateDefinition)
			r.Get("/{id}", h.GetDefinition)
			r.Put("/{id}", h.UpdateDefinition)
			r.Post("/{id}/deactivate", h.DeactivateDefinition)
			r.Get("/{id}/preview", h.PreviewDefinition)
			r.Post("/{id}/materialize", h.MaterializeDefinition)
		})

		r.Get("/invoices", h.ListInvoices)

		// Driver routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.TriggerRun)
		})

		// Reference data routes
		r.Post("/accounts", h.CreateAccount)
		r.Post("/profit-centers", h.CreateProfitCenter)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
