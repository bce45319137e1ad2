package post

import (
	"encoding/json"
	"log"
	"net/http"

	"Reef/internal/core/posts"
)

// HistoryHandler serves a channel's recent posts
type HistoryHandler struct {
	service posts.Service
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(service posts.Service) *HistoryHandler {
	return &HistoryHandler{
		service: service,
	}
}

// HandleHistory handles GET /api/posts?channel=
// Returns up to the 200 most recent posts ascending by timestamp. When the
// durable log is unreachable this degrades to the instance's cached view
// rather than erroring; clients always get whatever is known.
func (h *HistoryHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = posts.DefaultChannel
	}

	history, err := h.service.GetHistory(r.Context(), channel)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if history == nil {
		history = []*posts.Post{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		log.Printf("Failed to encode history response: %v", err)
	}
}
