package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"contentsync/internal/config"
	"contentsync/internal/contextutil"
	"contentsync/internal/job"
)

// Pipelines loads pipeline configs by id.
type Pipelines interface {
	Load(id string) (*config.PipelineConfig, error)
}

// Runner builds job bodies for a pipeline.
type Runner interface {
	Job(pcfg *config.PipelineConfig, dryRun bool) job.Func
	AuditJob(pcfg *config.PipelineConfig, scanOnly bool) job.Func
	CleanupMetadata(ctx context.Context, pcfg *config.PipelineConfig) (removed, remaining int, err error)
}

// JobsHandler starts jobs, reports on them and relays control requests.
type JobsHandler struct {
	pipelines Pipelines
	runner    Runner
	jobs      *job.Manager
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(pipelines Pipelines, runner Runner, jobs *job.Manager) *JobsHandler {
	return &JobsHandler{pipelines: pipelines, runner: runner, jobs: jobs}
}

// StartResponse is returned when a job is accepted.
type StartResponse struct {
	JobID      string `json:"job_id"`
	PipelineID string `json:"pipeline_id"`
	DryRun     bool   `json:"dry_run,omitempty"`
	Status     string `json:"status"`
}

// LogResponse carries a page of job log records.
type LogResponse struct {
	Records    []job.Record `json:"records"`
	NextOffset int64        `json:"next_offset"`
}

// ControlResponse reports a control request.
type ControlResponse struct {
	JobID     string `json:"job_id"`
	Action    string `json:"action"`
	Requested bool   `json:"requested"`
}

// CleanupResponse reports a metadata cleanup.
type CleanupResponse struct {
	PipelineID string `json:"pipeline_id"`
	Removed    int    `json:"removed"`
	Remaining  int    `json:"remaining"`
}

// Start handles POST /api/pipelines/{id}/jobs[?dry_run=true].
func (h *JobsHandler) Start(w http.ResponseWriter, r *http.Request) {
	dryRun, err := boolParam(r, "dry_run")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.start(w, r, dryRun, func(pcfg *config.PipelineConfig) job.Func {
		return h.runner.Job(pcfg, dryRun)
	})
}

// Audit handles POST /api/pipelines/{id}/audit[?scan_only=true].
func (h *JobsHandler) Audit(w http.ResponseWriter, r *http.Request) {
	scanOnly, err := boolParam(r, "scan_only")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.start(w, r, false, func(pcfg *config.PipelineConfig) job.Func {
		return h.runner.AuditJob(pcfg, scanOnly)
	})
}

func (h *JobsHandler) start(w http.ResponseWriter, r *http.Request, dryRun bool, build func(*config.PipelineConfig) job.Func) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	pcfg, err := h.pipelines.Load(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	j, err := h.jobs.Start(job.Spec{PipelineID: pcfg.ID, DryRun: dryRun, Run: build(pcfg)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.InfoContext(ctx, "job started via API", "job_id", j.ID, "pipeline", pcfg.ID, "dry_run", dryRun)
	_ = writeJSON(w, http.StatusAccepted, StartResponse{
		JobID:      j.ID,
		PipelineID: pcfg.ID,
		DryRun:     dryRun,
		Status:     "accepted",
	})
}

// Status handles GET /api/jobs/{id}.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	s, err := h.jobs.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, s)
}

// Log handles GET /api/jobs/{id}/log?offset=&follow=. Without follow it
// returns the records after offset and the offset to resume from. With
// follow it streams one JSON record per line until the job ends.
func (h *JobsHandler) Log(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	jobID := chi.URLParam(r, "id")

	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.fail(w, r, &ValidationError{Field: "offset", Message: "must be a non-negative integer"})
			return
		}
		offset = n
	}
	follow, err := boolParam(r, "follow")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	records, next, err := h.jobs.Replay(jobID, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !follow {
		if records == nil {
			records = []job.Record{}
		}
		_ = writeJSON(w, http.StatusOK, LogResponse{Records: records, NextOffset: next})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	err = h.jobs.Follow(ctx, jobID, offset, func(rec job.Record) error {
		if err := enc.Encode(rec); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WarnContext(ctx, "log stream ended", "job_id", jobID, "error", err)
	}
}

// Control handles POST /api/jobs/{id}/{action}.
func (h *JobsHandler) Control(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	jobID := chi.URLParam(r, "id")

	action, err := job.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.fail(w, r, &ValidationError{Field: "action", Message: err.Error()})
		return
	}
	requested, err := h.jobs.Request(jobID, action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.InfoContext(ctx, "job control requested", "job_id", jobID, "action", action, "requested", requested)
	_ = writeJSON(w, http.StatusAccepted, ControlResponse{JobID: jobID, Action: string(action), Requested: requested})
}

// CleanupMetadata handles POST /api/pipelines/{id}/metadata/cleanup.
func (h *JobsHandler) CleanupMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	pcfg, err := h.pipelines.Load(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	removed, remaining, err := h.runner.CleanupMetadata(ctx, pcfg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.InfoContext(ctx, "metadata cleanup finished", "pipeline", pcfg.ID, "removed", removed, "remaining", remaining)
	_ = writeJSON(w, http.StatusOK, CleanupResponse{PipelineID: pcfg.ID, Removed: removed, Remaining: remaining})
}

func (h *JobsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		contextutil.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &ValidationError{Field: name, Message: "must be a boolean"}
	}
	return v, nil
}
