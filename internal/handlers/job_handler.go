package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/interfaces"
)

// JobHandler serves the job status API.
type JobHandler struct {
	status interfaces.StatusService
	logger arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(status interfaces.StatusService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		status: status,
		logger: logger,
	}
}

// ListJobsHandler returns recent jobs.
// GET /api/jobs?limit=50
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := LimitParam(r, 50, 500)
	jobs, err := h.status.ListJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
		"limit": limit,
	})
}

// GetJobHandler returns the aggregated report for a single job: the job
// record, live stage progress, match results, and stored asset counts.
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	report, err := h.status.GetJobReport(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to build job report")
		WriteError(w, http.StatusInternalServerError, "Failed to build job report")
		return
	}

	WriteJSON(w, http.StatusOK, report)
}
