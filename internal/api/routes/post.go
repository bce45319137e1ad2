package routes

import (
	"Reef/internal/api/handlers/post"
	"Reef/internal/core/posts"

	"github.com/go-chi/chi/v5"
)

// RegisterPostRoutes registers post ingress and history endpoints
func RegisterPostRoutes(r chi.Router, postService posts.Service) {
	createHandler := post.NewCreateHandler(postService)
	historyHandler := post.NewHistoryHandler(postService)

	// POST /api/posts: ingest a new post into a channel
	r.Post("/api/posts", createHandler.HandleCreate)

	// GET /api/posts?channel=: recent history, ascending by timestamp
	r.Get("/api/posts", historyHandler.HandleHistory)
}
