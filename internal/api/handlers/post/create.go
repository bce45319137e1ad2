package post

import (
	"encoding/json"
	"log"
	"net/http"

	"Reef/internal/core/posts"
)

// CreateHandler handles post creation requests
type CreateHandler struct {
	service posts.Service
}

// NewCreateHandler creates a new create handler
func NewCreateHandler(service posts.Service) *CreateHandler {
	return &CreateHandler{
		service: service,
	}
}

// HandleCreate handles POST /api/posts
// Ingests a new post: persists it to the durable log, broadcasts it, and
// caches it, which is what triggers live delivery to connected readers.
func (h *CreateHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	// Limit request body size. Attachments go through /api/media, so a post
	// body is small JSON.
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)

	var req posts.CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "RequestTooLarge",
				"Request body too large (max 64KB)")
			return
		}
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}

	if req.Channel == "" {
		req.Channel = posts.DefaultChannel
	}

	created, err := h.service.CreatePost(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(created); err != nil {
		// Log encoding errors but don't return error response (headers already sent)
		log.Printf("Failed to encode post creation response: %v", err)
	}
}
