package routes

import (
	mediaHandler "Reef/internal/api/handlers/media"
	"Reef/internal/core/media"

	"github.com/go-chi/chi/v5"
)

// RegisterMediaRoutes registers attachment upload and gateway passthrough
func RegisterMediaRoutes(r chi.Router, mediaService media.Service) {
	uploadHandler := mediaHandler.NewUploadHandler(mediaService)
	fetchHandler := mediaHandler.NewFetchHandler(mediaService)

	// POST /api/media: upload an attachment (max 10 MB), returns its CID
	r.Post("/api/media", uploadHandler.HandleUpload)

	// GET /api/ipfs/{cid}: immutable content read via the gateway
	r.Get("/api/ipfs/{cid}", fetchHandler.HandleFetch)
}
