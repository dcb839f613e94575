package api

import (
	"log/slog"
	"net/http"

	"studio/internal/health"
	"studio/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          Jobs
	Pipeline      Pipeline
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	// BaseURL prefixes links in responses. Empty yields relative links.
	BaseURL string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.Pipeline, cfg.HealthChecker, cfg.BaseURL)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/stages/{stage}/jobs", auth(http.HandlerFunc(handler.SubmitJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/artifacts/{name}", auth(http.HandlerFunc(handler.GetArtifact)))
	mux.Handle("POST /v1/jobs/{jobId}/advance", auth(http.HandlerFunc(handler.AdvanceJob)))

	logger := slog.With("component", "http")
	mws := []Middleware{
		RequestIDMiddleware(),
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	}
	if cfg.Metrics != nil {
		mws = append(mws, MetricsMiddleware(cfg.Metrics))
	}
	mws = append(mws, CORSMiddleware(), ContentTypeMiddleware())

	return Chain(mux, mws...)
}
