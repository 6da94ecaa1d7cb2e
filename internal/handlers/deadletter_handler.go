package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/interfaces"
)

// DeadLetterHandler exposes the bus dead-letter store for inspection
// and cleanup.
type DeadLetterHandler struct {
	store  interfaces.DeadLetterStore
	logger arbor.ILogger
}

// NewDeadLetterHandler creates a new dead-letter handler.
func NewDeadLetterHandler(store interfaces.DeadLetterStore, logger arbor.ILogger) *DeadLetterHandler {
	return &DeadLetterHandler{
		store:  store,
		logger: logger,
	}
}

// ListDeadLettersHandler returns dead-lettered messages, newest first.
// GET /api/deadletters?limit=50
func (h *DeadLetterHandler) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := LimitParam(r, 50, 500)

	letters, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list dead letters")
		WriteError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}

	total, err := h.store.Count(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count dead letters")
		WriteError(w, http.StatusInternalServerError, "Failed to count dead letters")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deadletters": letters,
		"count":       len(letters),
		"total":       total,
		"limit":       limit,
	})
}

// PurgeDeadLettersHandler deletes every dead-lettered message.
// POST /api/deadletters/purge
func (h *DeadLetterHandler) PurgeDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	purged, err := h.store.Purge(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to purge dead letters")
		WriteError(w, http.StatusInternalServerError, "Failed to purge dead letters")
		return
	}

	h.logger.Info().Int("purged", purged).Msg("Dead letters purged")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "purged",
		"purged": purged,
	})
}
