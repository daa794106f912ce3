// Package api wires the HTTP surface named in §6: the inbound webhook,
// health/status probes, and bearer-guarded admin routes. Everything
// else (routing between reply pipelines, conversation memory, the
// knowledge registry) happens below this layer, not in route handlers.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/brewline/control-plane/internal/api/handlers"
	"github.com/brewline/control-plane/internal/api/middleware"
	"github.com/brewline/control-plane/internal/config"
	"github.com/brewline/control-plane/internal/webhook"
)

// NewRouter builds the full HTTP handler: the webhook gate, health
// probes, and admin routes, wrapped in the teacher's standard
// middleware chain (request ID, recoverer, compression, structured
// logging, CORS).
func NewRouter(cfg *config.Config, gate *webhook.Gate, h *handlers.Handlers, adminToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Timestamp", "X-Signature"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Post("/chat/webhook", gate.ServeHTTP)

	r.Get("/health", h.Health)
	r.Get("/health/vector", h.HealthVector)
	r.Get("/health/models", h.HealthModels)

	admin := middleware.NewAdminAuth(adminToken)
	r.Route("/internal", func(r chi.Router) {
		r.Use(admin.Handler)
		r.Post("/config/refresh", h.RefreshConfig)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Handler)
		r.Post("/models/probe/{model}", h.ProbeModel)
		r.Post("/models/sync", h.SyncModels)
		r.Get("/models/cost", h.CostSummary)
	})

	return r
}

func parseCORSOrigins() []string {
	v := os.Getenv("CORS_ORIGINS")
	if v == "" {
		return []string{"*"}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
