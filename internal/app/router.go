// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/adi99/vidai/internal/adapter/httpserver"
	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// admin may be nil; the ops API mounts only when credentials are configured.
func BuildRouter(cfg config.Config, srv *httpserver.Server, admin *httpserver.AdminServer) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints carry a per-IP edge limit on top of the per-user
	// domain limiter inside the handlers.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/api/generate/image", srv.GenerateImageHandler())
		wr.Post("/api/generate/video", srv.GenerateVideoHandler())
		wr.Post("/api/training", srv.TrainingHandler())
		wr.Post("/api/generate/{jobId}/cancel", srv.CancelJobHandler())
		wr.Post("/api/moderation/report", srv.ReportHandler())
		wr.Put("/api/notifications/prefs", srv.UpdateNotificationPrefHandler())
	})
	// Read-only endpoints
	r.Get("/api/generate/history", srv.HistoryHandler())
	r.Get("/api/generate/{jobId}", srv.JobStatusHandler())
	r.Get("/api/credits", srv.CreditsHandler())
	r.Get("/api/credits/transactions", srv.TransactionsHandler())
	r.Get("/api/notifications/prefs", srv.NotificationPrefsHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	// Ops API
	if cfg.AdminEnabled() && admin != nil {
		admin.MountRoutes(r)
	}

	return httpserver.SecurityHeaders(r)
}
