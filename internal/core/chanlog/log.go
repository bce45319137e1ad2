// Package chanlog maintains the shared append-only per-channel log on the
// storage backend's mutable filesystem namespace. One entry is written per
// post, named so that a plain directory listing sorted by name is a valid
// delivery order. Entries are never updated or deleted; the log is the only
// trustworthy source of history across server instances.
package chanlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"

	"Reef/internal/core/posts"
	"Reef/internal/ipfs"
)

// DefaultRoot is the MFS directory all channel logs live under.
const DefaultRoot = "/reef/channels"

// Files is the slice of the backend's filesystem API the log needs.
// Implemented by the kubo client.
type Files interface {
	FilesWrite(ctx context.Context, path string, data []byte) error
	FilesLs(ctx context.Context, path string) ([]ipfs.FileEntry, error)
	FilesRead(ctx context.Context, path string) ([]byte, error)
}

// Log is the durable log adapter. It performs no retries; callers decide how
// to handle backend failures.
type Log struct {
	files Files
	root  string
}

// NewLog creates a durable log rooted at root (DefaultRoot if empty).
func NewLog(files Files, root string) *Log {
	if root == "" {
		root = DefaultRoot
	}
	return &Log{
		files: files,
		root:  strings.TrimRight(root, "/"),
	}
}

// EntryName builds the log entry filename for a post. The timestamp is
// zero-padded so lexicographic name order equals timestamp order; the CID
// suffix makes the name unique per post, which is what makes concurrent
// appends from uncoordinated instances safe.
func EntryName(post *posts.Post) string {
	return fmt.Sprintf("%015d-%s.json", post.Timestamp, post.CID)
}

// EntryCID extracts the post CID embedded in an entry name.
// Returns an error for names that were not written by this adapter.
func EntryCID(name string) (string, error) {
	base := strings.TrimSuffix(name, ".json")
	sep := strings.Index(base, "-")
	if sep <= 0 || sep == len(base)-1 {
		return "", fmt.Errorf("malformed log entry name %q", name)
	}
	if _, err := strconv.ParseInt(base[:sep], 10, 64); err != nil {
		return "", fmt.Errorf("malformed log entry name %q: %w", name, err)
	}
	return base[sep+1:], nil
}

// Append writes one immutable entry for the post.
func (l *Log) Append(ctx context.Context, channel string, post *posts.Post) error {
	data, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encoding log entry: %w", err)
	}

	entryPath := path.Join(l.root, channel, EntryName(post))
	if err := l.files.FilesWrite(ctx, entryPath, data); err != nil {
		return err
	}
	return nil
}

// List returns the channel's entry names in ascending name (and therefore
// timestamp) order. A channel whose directory does not exist yet is an empty
// channel, not an error; an unreachable backend is surfaced so callers can
// fall back to their cache.
func (l *Log) List(ctx context.Context, channel string) ([]string, error) {
	entries, err := l.files.FilesLs(ctx, path.Join(l.root, channel))
	if err != nil {
		if errors.Is(err, ipfs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Read fetches and decodes a single log entry.
func (l *Log) Read(ctx context.Context, channel, name string) (*posts.Post, error) {
	data, err := l.files.FilesRead(ctx, path.Join(l.root, channel, name))
	if err != nil {
		return nil, err
	}

	var post posts.Post
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, fmt.Errorf("decoding log entry %s: %w", name, err)
	}
	return &post, nil
}

// History returns up to limit most recent posts in the channel, ascending by
// timestamp. Individual unreadable entries are skipped and logged; they never
// fail the whole fetch.
func (l *Log) History(ctx context.Context, channel string, limit int) ([]*posts.Post, error) {
	names, err := l.List(ctx, channel)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}

	history := make([]*posts.Post, 0, len(names))
	for _, name := range names {
		post, err := l.Read(ctx, channel, name)
		if err != nil {
			log.Printf("[CHANLOG] Skipping unreadable entry %s/%s: %v", channel, name, err)
			continue
		}
		history = append(history, post)
	}
	return history, nil
}
