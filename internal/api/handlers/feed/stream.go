package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	corefeed "Reef/internal/core/feed"
	"Reef/internal/core/posts"
)

// StreamHandler serves the live feed as a Server-Sent-Events stream
type StreamHandler struct {
	chanLog    corefeed.Log
	subscriber corefeed.Subscriber
	bus        corefeed.LocalBus
	opts       corefeed.Options
}

// NewStreamHandler creates a new stream handler.
// subscriber can be nil if pubsub is not enabled on the backend.
func NewStreamHandler(chanLog corefeed.Log, subscriber corefeed.Subscriber, bus corefeed.LocalBus, opts corefeed.Options) *StreamHandler {
	return &StreamHandler{
		chanLog:    chanLog,
		subscriber: subscriber,
		bus:        bus,
		opts:       opts,
	}
}

// HandleStream handles GET /api/feed?channel=
// Opens a long-lived SSE stream: one data event per new post, periodic
// keep-alive comments, and a reconnect directive before the bounded session
// closes. The session loop owns all writes to the connection.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = posts.DefaultChannel
	}
	if err := posts.ValidateChannelName(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	session := corefeed.NewSession(channel, h.chanLog, h.subscriber, h.bus, sink, h.opts)

	if err := session.Run(r.Context()); err != nil {
		// Write errors just mean the client went away mid-stream.
		log.Printf("[FEED-HTTP] Stream for %q ended: %v", channel, err)
	}
}

// sseSink writes session events in SSE wire format. Run calls it from a
// single goroutine, so no locking is needed around the writer.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Post(post *posts.Post) error {
	data, err := json.Marshal(post)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Reconnect() error {
	// retry tells EventSource to come back almost immediately instead of
	// sitting out its default backoff.
	if _, err := fmt.Fprint(s.w, "retry: 500\nevent: reconnect\ndata: {}\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
