package posts

import (
	"strings"

	"github.com/ipfs/go-cid"
)

// Post is an immutable message in a channel. The CID is assigned by the
// storage backend when the post's canonical JSON is uploaded, before the post
// is appended to the durable log or published. Posts are never mutated after
// creation; corrections are modeled as new posts.
type Post struct {
	Author        string `json:"author"`
	Channel       string `json:"channel"`
	Content       string `json:"content"`
	Timestamp     int64  `json:"timestamp"` // milliseconds, producer-assigned
	CID           string `json:"cid"`
	AttachmentCID string `json:"attachmentCid,omitempty"`
}

// CreatePostRequest is the ingress input for a new post.
type CreatePostRequest struct {
	Author        string `json:"author"`
	Channel       string `json:"channel"`
	Content       string `json:"content"`
	AttachmentCID string `json:"attachmentCid,omitempty"`
}

// DefaultChannel is used when a caller does not name a channel.
const DefaultChannel = "general"

// Topic returns the pubsub topic name for a channel.
func Topic(channel string) string {
	return "reef.posts." + channel
}

// ValidateChannelName rejects names that cannot double as an MFS directory
// segment. Channel names become path components in the shared namespace, so
// separators and relative-path names are not allowed.
func ValidateChannelName(channel string) error {
	if strings.TrimSpace(channel) == "" {
		return NewValidationError("channel", "channel is required")
	}
	if strings.ContainsAny(channel, "/\\") {
		return NewValidationError("channel", "channel must not contain path separators")
	}
	if channel == "." || channel == ".." {
		return NewValidationError("channel", "invalid channel name")
	}
	return nil
}

// validateCreateRequest checks ingress input before any backend call.
// A post needs an author, a valid channel, and at least one of content or
// attachment.
func validateCreateRequest(req CreatePostRequest) error {
	if strings.TrimSpace(req.Author) == "" {
		return NewValidationError("author", "author is required")
	}
	if err := ValidateChannelName(req.Channel); err != nil {
		return err
	}
	if strings.TrimSpace(req.Content) == "" && req.AttachmentCID == "" {
		return NewValidationError("content", "post needs content or an attachment")
	}
	if req.AttachmentCID != "" {
		if _, err := cid.Decode(req.AttachmentCID); err != nil {
			return NewValidationError("attachmentCid", "not a valid content identifier")
		}
	}
	return nil
}
