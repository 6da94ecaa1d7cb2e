package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

// SchedulerHandler exposes the cron scheduler: job status listing and
// out-of-schedule triggers.
type SchedulerHandler struct {
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// GetStatusHandler returns the scheduler state and every registered job.
// GET /api/scheduler
func (h *SchedulerHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	statuses := h.scheduler.GetAllJobStatuses()

	jobs := make([]map[string]interface{}, 0, len(statuses))
	for _, status := range statuses {
		job := map[string]interface{}{
			"name":       status.Name,
			"enabled":    status.Enabled,
			"schedule":   status.Schedule,
			"is_running": status.IsRunning,
		}
		if status.LastRun != nil {
			job["last_run"] = status.LastRun.Format(time.RFC3339)
		}
		if status.NextRun != nil {
			job["next_run"] = status.NextRun.Format(time.RFC3339)
		}
		if status.LastError != "" {
			job["last_error"] = status.LastError
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i]["name"].(string) < jobs[j]["name"].(string)
	})

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.scheduler.IsRunning(),
		"jobs":    jobs,
		"count":   len(jobs),
	})
}

// TriggerJobHandler runs a registered job immediately. The job executes
// in the background; its outcome lands in the job status listing.
// POST /api/scheduler/trigger/{name}
func (h *SchedulerHandler) TriggerJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/scheduler/trigger/")
	if name == "" || strings.Contains(name, "/") {
		WriteError(w, http.StatusBadRequest, "Job name is required")
		return
	}

	if _, ok := h.scheduler.GetAllJobStatuses()[name]; !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Scheduled job %q not found", name))
		return
	}

	common.SafeGo(h.logger, "trigger-"+name, func() {
		if err := h.scheduler.TriggerNow(name); err != nil {
			h.logger.Error().Err(err).Str("job", name).Msg("Manual trigger failed")
		}
	})

	WriteStarted(w, fmt.Sprintf("Job %q triggered", name))
}
