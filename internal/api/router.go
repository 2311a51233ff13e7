package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/epam/modular-api/pkg/metrics"
)

// NewRouter wires the fixed routes and the module catch-all behind the
// shared middleware chain.
func NewRouter(h *Handler, m *metrics.ServerMetrics, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))

	r.With(MetricsMiddleware(m, "/login")).Post("/login", h.Login)
	r.With(MetricsMiddleware(m, "/refresh")).Post("/refresh", h.Refresh)
	r.With(MetricsMiddleware(m, "/logout")).Post("/logout", h.Logout)
	r.With(MetricsMiddleware(m, "/health_check")).Get("/health_check", h.Health)
	r.With(MetricsMiddleware(m, "/swagger")).Get("/swagger", h.Swagger)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Everything else belongs to installed modules.
	r.With(MetricsMiddleware(m, "/*")).Handle("/*", http.HandlerFunc(h.Dispatch))

	return r
}
