package routes

import (
	feedHandler "Reef/internal/api/handlers/feed"
	"Reef/internal/core/feed"

	"github.com/go-chi/chi/v5"
)

// RegisterFeedRoutes registers the live SSE feed endpoint
func RegisterFeedRoutes(r chi.Router, chanLog feed.Log, subscriber feed.Subscriber, bus feed.LocalBus, opts feed.Options) {
	streamHandler := feedHandler.NewStreamHandler(chanLog, subscriber, bus, opts)

	// GET /api/feed?channel=: long-lived push stream of new posts
	r.Get("/api/feed", streamHandler.HandleStream)
}
