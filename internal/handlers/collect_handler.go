package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// CollectHandler lists the configured sources and triggers manual
// collection runs.
type CollectHandler struct {
	sources    []*models.SourceDefinition
	collectors map[models.SourceKind]interfaces.Collector
	logger     arbor.ILogger
}

// NewCollectHandler creates a new collect handler.
func NewCollectHandler(sources []*models.SourceDefinition, collectors map[models.SourceKind]interfaces.Collector, logger arbor.ILogger) *CollectHandler {
	return &CollectHandler{
		sources:    sources,
		collectors: collectors,
		logger:     logger,
	}
}

// ListSourcesHandler returns the configured source definitions.
// GET /api/sources
func (h *CollectHandler) ListSourcesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sources": h.sources,
		"count":   len(h.sources),
	})
}

// TriggerCollectHandler starts a collection run for a named source. The
// run continues in the background; progress is observable through the
// jobs API and the progress stream.
// POST /api/collect/{source}
func (h *CollectHandler) TriggerCollectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/collect/")
	if name == "" || strings.Contains(name, "/") {
		WriteError(w, http.StatusBadRequest, "Source name is required")
		return
	}

	source := h.findSource(name)
	if source == nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Source %q not found", name))
		return
	}
	if !source.Enabled {
		WriteError(w, http.StatusConflict, fmt.Sprintf("Source %q is disabled", name))
		return
	}

	collector, ok := h.collectors[source.Kind]
	if !ok {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("No collector for kind %q", source.Kind))
		return
	}

	// The run outlives the request; the request context dies with the
	// response.
	common.SafeGo(h.logger, "collect-"+source.Name, func() {
		jobID, err := collector.Collect(context.Background(), source, "manual")
		if err != nil {
			h.logger.Error().
				Err(err).
				Str("source", source.Name).
				Str("job_id", jobID).
				Msg("Manual collection failed")
			return
		}
		h.logger.Info().
			Str("source", source.Name).
			Str("job_id", jobID).
			Msg("Manual collection finished")
	})

	WriteStarted(w, fmt.Sprintf("Collection started for source %q", name))
}

func (h *CollectHandler) findSource(name string) *models.SourceDefinition {
	for _, source := range h.sources {
		if source.Name == name {
			return source
		}
	}
	return nil
}
