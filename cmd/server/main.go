package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"Reef/internal/api/middleware"
	"Reef/internal/api/routes"
	"Reef/internal/core/chanlog"
	"Reef/internal/core/feed"
	"Reef/internal/core/media"
	"Reef/internal/core/posts"
	"Reef/internal/core/store"
	"Reef/internal/ipfs"
)

func main() {
	// kubo node configuration
	apiURL := os.Getenv("IPFS_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:5001" // Local dev node
	}
	gatewayURL := os.Getenv("IPFS_GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}
	logRoot := os.Getenv("REEF_LOG_ROOT")

	client := ipfs.NewClient(apiURL, gatewayURL)

	// The post store is the process's single shared cache, constructed here
	// and injected everywhere; there is no global instance to look up.
	postStore := store.NewStore()
	channelLog := chanlog.NewLog(client, logRoot)

	// Pubsub can be disabled on a node. The feed probes per session and the
	// selector falls back to log polling, so both wiring paths share the
	// same client.
	var publisher posts.Publisher = client
	if os.Getenv("REEF_DISABLE_PUBSUB") == "true" {
		publisher = nil
		log.Println("Pubsub disabled by configuration; delivery uses log polling + local bus")
	}

	postService := posts.NewPostService(client, channelLog, publisher, postStore)
	mediaService := media.NewMediaService(client)

	var subscriber feed.Subscriber
	if publisher != nil {
		subscriber = client
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := middleware.NewRateLimiter(100, 1*time.Minute)

	r.Group(func(r chi.Router) {
		r.Use(rateLimiter.Middleware)
		routes.RegisterPostRoutes(r, postService)
		routes.RegisterMediaRoutes(r, mediaService)
	})

	// Feed streams are long-lived; one connection is one request, so they
	// sit outside the rate limit window.
	routes.RegisterFeedRoutes(r, channelLog, subscriber, postStore, feed.Options{})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	port := os.Getenv("REEF_PORT")
	if port == "" {
		port = "8090"
	}

	fmt.Printf("Reef starting on port %s\n", port)
	fmt.Printf("kubo API: %s, gateway: %s\n", apiURL, gatewayURL)
	log.Fatal(http.ListenAndServe(":"+port, r))
}
