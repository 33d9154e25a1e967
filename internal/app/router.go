// Package app wires the HTTP surface: middleware stack, routes, and the
// WebSocket mount point.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiseohq/aiseo/internal/adapter/httpserver"
	"github.com/aiseohq/aiseo/internal/config"
	"github.com/aiseohq/aiseo/internal/observability"
	"github.com/aiseohq/aiseo/internal/wsfanout"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
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

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, hub *wsfanout.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health and metrics stay unauthenticated for the probes.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// The WebSocket endpoint authenticates inside the upgrade handshake; the
	// request timeout middleware must not apply to long-lived sockets.
	r.Get("/v1/events/ws", wsfanout.Handler(hub, cfg.JWTSecret))

	// Authenticated API.
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		api.Use(httpserver.AuthMiddleware(cfg.JWTSecret))
		api.Use(srv.QuotaGuard())
		api.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		api.Get("/v1/flows", srv.ListFlowsHandler())
		api.Post("/v1/flows", srv.SubmitFlowHandler())

		api.Put("/v1/schedules/{id}", srv.UpsertScheduleHandler())
		api.Delete("/v1/schedules/{id}", srv.DeleteScheduleHandler())
		api.Post("/v1/schedules/{id}/trigger", srv.TriggerScheduleHandler())

		api.Post("/v1/webhooks", srv.CreateWebhookHandler())
		api.Post("/v1/webhooks/{id}/rotate", srv.RotateWebhookSecretHandler())
		api.Delete("/v1/webhooks/{id}", srv.DeleteWebhookHandler())

		api.Get("/v1/usage", srv.UsageHandler())
	})

	return httpserver.SecurityHeaders(r)
}
