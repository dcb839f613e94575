// Package api provides the HTTP API handlers and routing for the studio service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"

	"studio/internal/apperrors"
	"studio/internal/artifact"
	"studio/internal/health"
	"studio/internal/job"
	"studio/internal/stage"
)

const (
	// maxRequestBodySize bounds submissions, which may carry an inline voice
	// sample and reference image.
	maxRequestBodySize = 32 << 20

	// retryAfterSeconds is advertised on responses a client may repeat.
	retryAfterSeconds = "5"
)

// Jobs is the scheduler surface the API serves.
type Jobs interface {
	Submit(ctx context.Context, st stage.Type, req *job.SubmitRequest) (*job.Record, error)
	GetStatus(ctx context.Context, jobID string) (*job.Status, error)
	GetArtifact(ctx context.Context, jobID, name string) (io.ReadCloser, *artifact.Artifact, error)
	List(ctx context.Context, filter job.Filter) ([]job.Status, error)
}

// Pipeline advances completed jobs to the next stage.
type Pipeline interface {
	AdvancePipeline(ctx context.Context, jobID string, overrides *stage.Request) (*job.Record, error)
}

// Handler contains HTTP handlers for the studio API
type Handler struct {
	jobs     Jobs
	pipeline Pipeline
	health   *health.Checker
	urls     urls
	logger   *slog.Logger
}

// NewHandler creates a new API handler. baseURL prefixes the links in
// responses; empty yields relative links.
func NewHandler(jobs Jobs, pipeline Pipeline, healthChecker *health.Checker, baseURL string) *Handler {
	return &Handler{
		jobs:     jobs,
		pipeline: pipeline,
		health:   healthChecker,
		urls:     urls{base: baseURL},
		logger:   slog.With("component", "api"),
	}
}

// SubmitJob handles POST /v1/stages/{stage}/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	st, err := stage.Parse(r.PathValue("stage"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), apperrors.KindOf(apperrors.ErrValidation))
		return
	}

	rec, err := h.jobs.Submit(r.Context(), st, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, h.urls.submitResponse(rec))
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var filter job.Filter
	if v := r.URL.Query().Get("stage"); v != "" {
		st, err := stage.Parse(v)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		filter.Stage = st
	}
	if v := r.URL.Query().Get("status"); v != "" {
		if !slices.Contains([]string{job.StatePending, job.StateRunning, job.StateCompleted, job.StateFailed}, v) {
			h.handleError(w, r, apperrors.Validation("status", "status must be pending, running, completed or failed"))
			return
		}
		filter.State = v
	}

	statuses, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := ListResponse{Jobs: make([]StatusResponse, len(statuses)), Total: len(statuses)}
	for i := range statuses {
		resp.Jobs[i] = h.urls.statusResponse(&statuses[i])
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.jobs.GetStatus(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.urls.statusResponse(status))
}

// GetArtifact handles GET /v1/jobs/{jobId}/artifacts/{name}
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	rc, art, err := h.jobs.GetArtifact(r.Context(), r.PathValue("jobId"), r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", art.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": stage.FileName(art.JobID, art.Name),
	}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Artifact download interrupted", "jobId", art.JobID, "artifact", art.Name, "error", err)
	}
}

// AdvanceJob handles POST /v1/jobs/{jobId}/advance. The body, if any,
// overrides request fields carried forward from the completed job.
func (h *Handler) AdvanceJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var overrides *stage.Request
	var body stage.Request
	switch err := json.NewDecoder(r.Body).Decode(&body); {
	case errors.Is(err, io.EOF):
	case err != nil:
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), apperrors.KindOf(apperrors.ErrValidation))
		return
	default:
		overrides = &body
	}

	rec, err := h.pipeline.AdvancePipeline(r.Context(), r.PathValue("jobId"), overrides)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, h.urls.submitResponse(rec))
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while a required dependency check fails or during shutdown;
// failing optional checks report degraded with 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Ready() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, kind string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if apperrors.Retryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= 500 {
		h.logger.Error("Internal error", "error", err, "path", r.URL.Path, "requestId", RequestIDFromContext(r.Context()))
	} else {
		h.logger.Warn("Client error", "error", err, "path", r.URL.Path, "status", status, "requestId", RequestIDFromContext(r.Context()))
	}
	h.writeError(w, status, err.Error(), apperrors.KindOf(err))
}
