package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"contentsync/internal/handlers"
	"contentsync/internal/job"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Pipelines handlers.Pipelines
	Runner    handlers.Runner
	Jobs      *job.Manager
	Checks    map[string]handlers.Check

	// Registry receives the HTTP metrics; Gatherer serves /metrics. Both
	// default to the global Prometheus registry.
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	if deps.Registry == nil {
		deps.Registry = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	metrics := NewMetrics(deps.Registry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(RequestLogger)
	r.Use(metrics.Middleware)
	r.Use(CORS)

	jobs := handlers.NewJobsHandler(deps.Pipelines, deps.Runner, deps.Jobs)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", handlers.NewHealthHandler(deps.Checks))

		r.Route("/pipelines/{id}", func(r chi.Router) {
			r.Post("/jobs", jobs.Start)
			r.Post("/audit", jobs.Audit)
			r.Post("/metadata/cleanup", jobs.CleanupMetadata)
		})
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", jobs.Status)
			r.Get("/log", jobs.Log)
			r.Post("/{action}", jobs.Control)
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	return r
}
