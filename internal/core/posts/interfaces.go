package posts

import "context"

// Service defines the business logic interface for posts.
// Coordinates the content store, the durable log, pubsub, and the local cache.
type Service interface {
	// CreatePost ingests a new post.
	// Flow: Validate -> upload canonical JSON (assigns CID) -> append to
	// durable log -> publish on pubsub (best-effort) -> insert into cache.
	// A durable log failure is fatal to the request; a pubsub failure is not.
	CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error)

	// GetHistory returns up to the 200 most recent posts in a channel,
	// ascending by timestamp. Sourced from the durable log; degrades to the
	// local cache when the log is unreachable and never errors in that case.
	GetHistory(ctx context.Context, channel string) ([]*Post, error)
}

// ContentStore assigns content identifiers to uploaded bytes.
// Implemented by the kubo client's add endpoint.
type ContentStore interface {
	Add(ctx context.Context, filename string, data []byte) (string, error)
}

// Log is the append-only per-channel durable log shared by all instances.
// Implemented by the chanlog adapter over MFS.
type Log interface {
	// Append writes one immutable entry. Safe for concurrent producers
	// because entry names are unique per post.
	Append(ctx context.Context, channel string, post *Post) error

	// History returns up to limit most recent posts, ascending by timestamp.
	// A channel with no entries yet yields an empty slice, not an error.
	History(ctx context.Context, channel string, limit int) ([]*Post, error)
}

// Publisher broadcasts a post to subscribers on other instances.
// Implemented by the kubo client's pubsub endpoint.
type Publisher interface {
	PubSubPublish(ctx context.Context, topic string, data []byte) error
}

// Cache is the per-instance post store. Inserting a post fans out to local
// feed sessions, which is what makes same-process delivery instant.
type Cache interface {
	Add(post *Post)
	GetByChannel(channel string) []*Post
}
