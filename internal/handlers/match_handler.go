package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/interfaces"
)

// MatchHandler serves match results.
type MatchHandler struct {
	matches interfaces.MatchStorage
	logger  arbor.ILogger
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(matches interfaces.MatchStorage, logger arbor.ILogger) *MatchHandler {
	return &MatchHandler{
		matches: matches,
		logger:  logger,
	}
}

// GetMatchesHandler returns matches for a job or a product.
// GET /api/matches?job={id} or /api/matches?product={id}
func (h *MatchHandler) GetMatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := r.URL.Query().Get("job")
	productID := r.URL.Query().Get("product")

	switch {
	case jobID != "":
		matches, err := h.matches.GetByJob(r.Context(), jobID)
		if err != nil {
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load matches")
			WriteError(w, http.StatusInternalServerError, "Failed to load matches")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"matches": matches,
			"count":   len(matches),
		})

	case productID != "":
		matches, err := h.matches.GetByProduct(r.Context(), productID)
		if err != nil {
			h.logger.Error().Err(err).Str("product_id", productID).Msg("Failed to load matches")
			WriteError(w, http.StatusInternalServerError, "Failed to load matches")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"matches": matches,
			"count":   len(matches),
		})

	default:
		WriteError(w, http.StatusBadRequest, "Either job or product query parameter is required")
	}
}
