package feed

import (
	"context"

	"Reef/internal/core/posts"
)

// Log is the slice of the durable log a session reads: entry listings for
// dedup snapshots and polling, entry reads for delivery.
// Implemented by chanlog.Log.
type Log interface {
	List(ctx context.Context, channel string) ([]string, error)
	Read(ctx context.Context, channel, name string) (*posts.Post, error)
}

// Subscriber opens pubsub subscriptions, the primary low-latency transport.
// A nil Subscriber means pubsub is not configured at all.
// Implemented by the kubo client.
type Subscriber interface {
	PubSubSubscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// LocalBus is the same-process supplementary transport. Sessions register as
// observers for their channel and feed pubsub-observed posts back in so the
// instance's cached history stays warm.
// Implemented by store.Store.
type LocalBus interface {
	Subscribe(channel string) (<-chan *posts.Post, func())
	Add(post *posts.Post)
}

// Sink receives everything a session emits, in order, from a single
// goroutine. The SSE handler implements it over the client connection; tests
// implement it with a recorder. Any error from a Sink method means the client
// is gone and terminates the session.
type Sink interface {
	// Post delivers one post. Called at most once per CID per session.
	Post(post *posts.Post) error

	// Heartbeat emits a keep-alive comment.
	Heartbeat() error

	// Reconnect emits the directive telling the client to reconnect promptly.
	// Called exactly once, right before a graceful time-based close.
	Reconnect() error
}
