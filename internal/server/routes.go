package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - live pipeline progress feed
	mux.HandleFunc("/ws/progress", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.GetJobHandler) // GET /api/jobs/{id}

	// API routes - Matches
	mux.HandleFunc("/api/matches", s.app.MatchHandler.GetMatchesHandler) // GET ?job= or ?product=

	// API routes - Sources and collection
	mux.HandleFunc("/api/sources", s.app.CollectHandler.ListSourcesHandler)
	mux.HandleFunc("/api/collect/", s.app.CollectHandler.TriggerCollectHandler) // POST /api/collect/{source}

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler", s.app.SchedulerHandler.GetStatusHandler)
	mux.HandleFunc("/api/scheduler/trigger/", s.app.SchedulerHandler.TriggerJobHandler) // POST /api/scheduler/trigger/{name}

	// API routes - Dead letters
	mux.HandleFunc("/api/deadletters", s.app.DeadLetterHandler.ListDeadLettersHandler)
	mux.HandleFunc("/api/deadletters/purge", s.app.DeadLetterHandler.PurgeDeadLettersHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}
