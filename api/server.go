/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  unique id per request for tracing
  2. RealIP:     honours X-Forwarded-For for audit attribution
  3. Recoverer:  panic recovery (500 instead of crash)
  4. metrics:    Prometheus counters and latency
  5. CORS:       cross-origin requests for internal frontends

SECURITY NOTE:
  Authentication lives in the upstream gateway; the core trusts the
  X-User-ID header it forwards. Do not expose this service directly.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.RegisterUser)
			r.Post("/{id}/deactivate", h.DeactivateUser)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/requests/inbox", h.RequestInbox)
			r.Get("/{id}/requests/outbox", h.RequestOutbox)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.Transfer)
			r.Post("/bulk", h.BulkTransfer)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/respond", h.RespondRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/stats", h.GetEventStats)
			r.Get("/{id}/contributions", h.ListContributions)
			r.Post("/{id}/contributions", h.Contribute)
			r.Post("/{id}/close", h.CloseEvent)
			r.Post("/{id}/cancel", h.CancelEvent)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.QueryAudit)
			r.Get("/verify", h.VerifyAudit)
			r.Get("/reports/{kind}", h.AuditReport)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
