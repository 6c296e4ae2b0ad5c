package api

import (
	"net/http"

	"github.com/agentoven/toolgate/internal/api/handlers"
	"github.com/agentoven/toolgate/internal/api/middleware"
	"github.com/agentoven/toolgate/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.SessionExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", middleware.SessionHeader},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "Retry-After", middleware.SessionHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.GetVersion)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/route", h.RouteTool)
		r.Post("/execute", h.Execute)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/{name}", h.GetProvider)
			r.Put("/{name}/health", h.SetProviderHealth)
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", h.ListTools)
			r.Get("/{name}", h.GetTool)
		})

		r.Get("/timeouts", h.GetTimeouts)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Get("/{id}", h.GetSession)
			r.Delete("/{id}", h.EvictSession)
		})

		r.Route("/transport", func(r chi.Router) {
			r.Get("/breaker", h.GetBreaker)
			r.Get("/records", h.ListTransportRecords)
			r.Get("/records/{id}", h.GetTransportRecord)
			r.Get("/records/{id}/payload", h.GetTransportPayload)
		})
	})

	return r
}
