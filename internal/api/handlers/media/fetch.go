package media

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"Reef/internal/core/media"
	"Reef/internal/ipfs"
)

// FetchHandler proxies immutable content reads through the gateway
type FetchHandler struct {
	service media.Service
}

// NewFetchHandler creates a new fetch handler
func NewFetchHandler(service media.Service) *FetchHandler {
	return &FetchHandler{
		service: service,
	}
}

// HandleFetch handles GET /api/ipfs/{cid}
// Content is addressed by what it is, so a successful response never
// changes and is cached forever.
func (h *FetchHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	cidStr := chi.URLParam(r, "cid")

	contentType, data, err := h.service.Fetch(r.Context(), cidStr)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrInvalidCID):
			writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid content identifier")
		case errors.Is(err, ipfs.ErrNotFound):
			writeError(w, http.StatusNotFound, "NotFound", "Content not found")
		default:
			handleServiceError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := w.Write(data); err != nil {
		log.Printf("Failed to write media response: %v", err)
	}
}
