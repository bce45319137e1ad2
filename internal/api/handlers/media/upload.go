package media

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"Reef/internal/core/media"
)

// UploadHandler handles attachment uploads
type UploadHandler struct {
	service media.Service
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(service media.Service) *UploadHandler {
	return &UploadHandler{
		service: service,
	}
}

// HandleUpload handles POST /api/media
// Accepts a multipart "file" field up to 10MB and returns the
// backend-assigned CID plus a gateway link for it.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	// One byte of headroom over the ceiling so the service can tell "too
	// large" apart from "right at the limit".
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+4096)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "FileTooLarge",
				"File too large (max 10 MB)")
			return
		}
		writeError(w, http.StatusBadRequest, "InvalidRequest", "No file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, media.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Failed to read upload")
		return
	}

	upload, err := h.service.Upload(r.Context(), header.Filename, data)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "FileTooLarge",
				"File too large (max 10 MB)")
		case errors.Is(err, media.ErrEmptyUpload):
			writeError(w, http.StatusBadRequest, "InvalidRequest", "Empty file")
		default:
			handleServiceError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(upload); err != nil {
		log.Printf("Failed to encode upload response: %v", err)
	}
}
