package media

import (
	"encoding/json"
	"log"
	"net/http"

	"Reef/internal/ipfs"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Error:   errorType,
		Message: message,
	}); err != nil {
		log.Printf("Failed to encode error response: %v", err)
	}
}

// handleServiceError maps service errors to HTTP responses
func handleServiceError(w http.ResponseWriter, err error) {
	if ipfs.IsUnreachable(err) {
		writeError(w, http.StatusBadGateway, "BackendUnavailable",
			"Storage backend is unreachable")
		return
	}

	log.Printf("Unexpected error in media handler: %v", err)
	writeError(w, http.StatusInternalServerError, "InternalServerError",
		"An internal error occurred")
}
