package posts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

type postService struct {
	content   ContentStore
	chanLog   Log
	publisher Publisher // Optional: can be nil when pubsub is disabled
	cache     Cache

	// lastTimestamp guards the producer-assigned timestamp against wall-clock
	// steps so timestamps within one instance never decrease.
	mu            sync.Mutex
	lastTimestamp int64
	now           func() time.Time
}

// NewPostService creates a new post service.
// publisher can be nil if pubsub is not enabled on the backend.
func NewPostService(content ContentStore, chanLog Log, publisher Publisher, cache Cache) Service {
	return &postService{
		content:   content,
		chanLog:   chanLog,
		publisher: publisher,
		cache:     cache,
		now:       time.Now,
	}
}

// CreatePost ingests a new post.
// Flow:
// 1. Validate input
// 2. Assign a non-decreasing millisecond timestamp
// 3. Upload the canonical record, which assigns the post's CID
// 4. Append to the durable log (source of truth across instances; fatal on failure)
// 5. Publish on pubsub (best-effort; logged, never fatal)
// 6. Insert into the local cache, which triggers same-process delivery
func (s *postService) CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	record := Post{
		Author:        req.Author,
		Channel:       req.Channel,
		Content:       req.Content,
		Timestamp:     s.nextTimestamp(),
		AttachmentCID: req.AttachmentCID,
	}

	// The CID must exist before the post is appended or published, so the
	// canonical record is the post without its own CID.
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode post: %w", err)
	}

	postCID, err := s.content.Add(ctx, "post.json", data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload post: %w", err)
	}

	stored := record
	stored.CID = postCID

	if err := s.chanLog.Append(ctx, stored.Channel, &stored); err != nil {
		return nil, fmt.Errorf("failed to append post to log: %w", err)
	}

	if s.publisher != nil {
		wire, err := json.Marshal(&stored)
		if err == nil {
			err = s.publisher.PubSubPublish(ctx, Topic(stored.Channel), wire)
		}
		if err != nil {
			// Pubsub is a latency optimization; subscribers still see the
			// post via the durable log.
			log.Printf("[INGRESS] Pubsub publish failed for %s (delivery degrades to polling): %v", stored.CID, err)
		}
	}

	s.cache.Add(&stored)

	return &stored, nil
}

// GetHistory returns the channel's recent posts, preferring the durable log
// and degrading to the local cache when the backend is unreachable.
func (s *postService) GetHistory(ctx context.Context, channel string) ([]*Post, error) {
	if err := ValidateChannelName(channel); err != nil {
		return nil, err
	}

	history, err := s.chanLog.History(ctx, channel, HistoryLimit)
	if err != nil {
		log.Printf("[HISTORY] Durable log unavailable for %q, serving cached view: %v", channel, err)
		return s.cache.GetByChannel(channel), nil
	}
	return history, nil
}

// HistoryLimit caps how many posts a history fetch returns per channel.
const HistoryLimit = 200

func (s *postService) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	if ts < s.lastTimestamp {
		ts = s.lastTimestamp
	}
	s.lastTimestamp = ts
	return ts
}
