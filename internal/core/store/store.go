// Package store holds the per-instance in-memory view of recently seen
// posts. It deduplicates by CID, keeps a bounded window per channel, and
// fans new posts out to local feed sessions. The store is not authoritative:
// on a cold start the durable log is the only trustworthy source of history.
package store

import (
	"log"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"Reef/internal/core/posts"
)

const (
	// DefaultRetain caps how many posts are kept per channel.
	DefaultRetain = 200

	// DefaultDedupWindow bounds the CID dedup set. It must comfortably exceed
	// the total number of retained posts, or a still-cached post could be
	// re-added after its CID is evicted.
	DefaultDedupWindow = 16384

	// subscriberBuffer is the per-subscriber delivery buffer. A subscriber
	// that falls this far behind loses local-bus delivery for the overflowing
	// posts; they still reach it through pubsub or log polling.
	subscriberBuffer = 64
)

// Store is created once per process and dependency-injected into everything
// that reads or writes posts. There is deliberately no package-level instance.
type Store struct {
	mu        sync.Mutex
	seen      *lru.Cache[string, struct{}]
	byChannel map[string][]*posts.Post
	subs      map[string]map[int]chan *posts.Post
	nextSubID int
	retain    int
}

// NewStore creates an empty post store.
func NewStore() *Store {
	seen, _ := lru.New[string, struct{}](DefaultDedupWindow)
	return &Store{
		seen:      seen,
		byChannel: make(map[string][]*posts.Post),
		subs:      make(map[string]map[int]chan *posts.Post),
		retain:    DefaultRetain,
	}
}

// Add inserts a post unless its CID has already been seen. Safe for
// concurrent producers; the check-then-insert runs under the store lock.
// New posts are handed to every subscriber on the post's channel.
func (s *Store) Add(post *posts.Post) {
	if post == nil || post.CID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ContainsOrAdd reports (already present, eviction occurred); only the
	// first value is the duplicate signal.
	if dup, _ := s.seen.ContainsOrAdd(post.CID, struct{}{}); dup {
		return
	}

	s.byChannel[post.Channel] = insertByTimestamp(s.byChannel[post.Channel], post)
	if over := len(s.byChannel[post.Channel]) - s.retain; over > 0 {
		s.byChannel[post.Channel] = s.byChannel[post.Channel][over:]
	}

	for id, ch := range s.subs[post.Channel] {
		select {
		case ch <- post:
		default:
			// A stalled subscriber must not block the producer or starve the
			// other subscribers.
			log.Printf("[STORE] Dropping local-bus delivery of %s to slow subscriber %d", post.CID, id)
		}
	}
}

// GetByChannel returns the cached posts for a channel, ascending by
// timestamp, at most the retention cap. The returned slice is a copy.
func (s *Store) GetByChannel(channel string) []*posts.Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.byChannel[channel]
	out := make([]*posts.Post, len(cached))
	copy(out, cached)
	return out
}

// Subscribe registers a local-bus observer for a channel. The returned cancel
// func deregisters it; after cancel returns no further posts are delivered
// and the channel is closed.
func (s *Store) Subscribe(channel string) (<-chan *posts.Post, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++

	ch := make(chan *posts.Post, subscriberBuffer)
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan *posts.Post)
	}
	s.subs[channel][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[channel][id]; ok {
			delete(s.subs[channel], id)
			close(sub)
		}
	}
	return ch, cancel
}

// insertByTimestamp keeps the per-channel sequence sorted by timestamp.
// Ties keep arrival order, so the sequence is a total order only from this
// instance's point of view.
func insertByTimestamp(seq []*posts.Post, post *posts.Post) []*posts.Post {
	i := sort.Search(len(seq), func(i int) bool {
		return seq[i].Timestamp > post.Timestamp
	})
	seq = append(seq, nil)
	copy(seq[i+1:], seq[i:])
	seq[i] = post
	return seq
}
