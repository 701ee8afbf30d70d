package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/scheduler"
)

// JobsHandler exposes ingest job status, cancellation, and progress events.
type JobsHandler struct {
	backend   backend.Backend
	scheduler *scheduler.Scheduler
	log       *slog.Logger
}

func NewJobsHandler(deps Deps) *JobsHandler {
	return &JobsHandler{
		backend:   deps.Backend,
		scheduler: deps.Scheduler,
		log:       deps.Log,
	}
}

// Status handles GET /jobs/{jobId}.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.backend.GetIngestJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("failed to load job", "job_id", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Cancel handles DELETE /jobs/{jobId}. Cancelling an already terminal job is
// a no-op and still answers accepted.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.backend.GetIngestJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("failed to load job", "job_id", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if !job.Status.Terminal() {
		h.scheduler.Cancel(jobID)
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "canceling"})
}

// Events handles GET /jobs/{jobId}/events, streaming job snapshots as SSE
// until the job reaches a terminal state or the client disconnects.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	updates, cancel, err := h.backend.SubscribeIngestJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("failed to subscribe to job", "job_id", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to subscribe to job")
		return
	}
	defer cancel()

	// Subscribe first, then read the current snapshot, so updates landing in
	// between are not lost.
	job, err := h.backend.GetIngestJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("failed to load job", "job_id", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	streamSSE(w, r, *job, updates, func(job backend.IngestJob) bool {
		return job.Status.Terminal()
	})
}
