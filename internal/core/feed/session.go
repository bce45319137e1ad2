// Package feed drives per-client live delivery. Each connected reader gets
// one Session: a single sequential loop that selects over whichever transport
// is active (a pubsub subscription, a durable-log poll timer, or the local
// bus), deduplicates by CID, and pushes posts to the client in arrival order.
//
// Transports form an ordered fallback chain. Pubsub is probed first because
// it has the lowest latency but is an optional backend feature; log polling
// works unconditionally at the cost of up to one poll interval of latency;
// the local bus always runs as a supplement so same-process writers reach
// same-process readers instantly regardless of the primary transport. The
// dedup set is what keeps one post from arriving twice across paths: the
// first transport to observe a CID wins and later sightings are dropped, with
// no reordering correction afterwards.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"Reef/internal/core/chanlog"
	"Reef/internal/core/posts"
)

// Session is one client's live feed. Create with NewSession, drive with Run.
type Session struct {
	id      string
	channel string

	chanLog    Log
	subscriber Subscriber
	bus        LocalBus
	sink       Sink
	opts       Options

	// stateMu guards state, which Run writes and diagnostics read.
	stateMu sync.Mutex
	state   State

	// seen is the session's dedup set: CIDs already delivered to this client,
	// plus the history snapshot taken at start. Grows for the session's
	// lifetime, which the max session duration bounds.
	seen map[string]struct{}

	lastEmit time.Time
}

// NewSession creates a feed session for a channel. subscriber may be nil
// (pubsub not configured); chanLog may be nil only in local-only setups.
func NewSession(channel string, chanLog Log, subscriber Subscriber, bus LocalBus, sink Sink, opts Options) *Session {
	return &Session{
		id:         uuid.NewString(),
		channel:    channel,
		chanLog:    chanLog,
		subscriber: subscriber,
		bus:        bus,
		sink:       sink,
		opts:       opts.withDefaults(),
		state:      StateProbing,
		seen:       make(map[string]struct{}),
	}
}

// State reports which transport the session currently sources posts from.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Run drives the session until the client disconnects (ctx cancelled), a
// write to the client fails, or the max session duration elapses. The
// time-based close is graceful: the client gets a reconnect directive first.
// All timers, subscriptions, and bus registrations are released on return.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// History is fetched separately by the client before it opens the stream,
	// so everything already in the log counts as delivered. Snapshot failure
	// is tolerated: worst case the client gets duplicates it already filters.
	s.snapshot(ctx)

	localCh, unsubscribe := s.bus.Subscribe(s.channel)
	defer unsubscribe()

	pubsubCh := s.probe(ctx)

	var pollC <-chan time.Time
	if s.State() == StatePollingActive {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	deadline := time.NewTimer(s.opts.MaxSessionDuration)
	defer deadline.Stop()

	log.Printf("[FEED] Session %s streaming %q via %s", s.id, s.channel, s.State())
	s.lastEmit = time.Now()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateTerminated)
			return nil

		case <-deadline.C:
			// Intentional close, not an error. The reconnect directive makes
			// the client come back promptly instead of waiting out a backoff.
			s.setState(StateTerminated)
			if err := s.sink.Reconnect(); err != nil {
				log.Printf("[FEED] Session %s reconnect hint failed: %v", s.id, err)
			}
			log.Printf("[FEED] Session %s closed after max duration", s.id)
			return nil

		case <-heartbeat.C:
			if time.Since(s.lastEmit) < s.opts.HeartbeatInterval {
				continue
			}
			if err := s.sink.Heartbeat(); err != nil {
				s.setState(StateTerminated)
				return err
			}
			s.lastEmit = time.Now()

		case post, ok := <-localCh:
			if !ok {
				localCh = nil
				continue
			}
			if err := s.deliver(post); err != nil {
				s.setState(StateTerminated)
				return err
			}

		case raw, ok := <-pubsubCh:
			if !ok {
				// Stream died without our cancellation: a real transport
				// failure. Try to resubscribe, then degrade to polling.
				if ctx.Err() != nil {
					s.setState(StateTerminated)
					return nil
				}
				pubsubCh = s.resubscribe(ctx)
				if pubsubCh == nil {
					if s.chanLog == nil {
						s.setState(StateLocalOnly)
						log.Printf("[FEED] Session %s degraded to %s", s.id, s.State())
						continue
					}
					ticker := time.NewTicker(s.opts.PollInterval)
					defer ticker.Stop()
					pollC = ticker.C
					s.setState(StatePollingActive)
					log.Printf("[FEED] Session %s degraded to %s", s.id, s.State())
					if err := s.poll(ctx); err != nil {
						s.setState(StateTerminated)
						return err
					}
				}
				continue
			}
			if err := s.handlePubSub(raw); err != nil {
				s.setState(StateTerminated)
				return err
			}

		case <-pollC:
			if err := s.poll(ctx); err != nil {
				s.setState(StateTerminated)
				return err
			}
		}
	}
}

// snapshot seeds the dedup set with every entry already in the durable log so
// the live stream starts at "now".
func (s *Session) snapshot(ctx context.Context) {
	if s.chanLog == nil {
		return
	}
	names, err := s.chanLog.List(ctx, s.channel)
	if err != nil {
		log.Printf("[FEED] Session %s history snapshot failed (live stream may repeat history): %v", s.id, err)
		return
	}
	for _, name := range names {
		cid, err := chanlog.EntryCID(name)
		if err != nil {
			continue
		}
		s.seen[cid] = struct{}{}
	}
}

// deliver pushes one post to the client unless its CID was already delivered
// by another transport. First transport to observe a CID wins.
func (s *Session) deliver(post *posts.Post) error {
	if post == nil || post.CID == "" || post.Channel != s.channel {
		return nil
	}
	if _, dup := s.seen[post.CID]; dup {
		return nil
	}
	s.seen[post.CID] = struct{}{}

	if err := s.sink.Post(post); err != nil {
		return err
	}
	s.lastEmit = time.Now()
	return nil
}

// handlePubSub decodes one raw pubsub payload and delivers it. The post is
// also fed into the local store so this instance's cached history stays warm
// even though the durable log remains the source of truth. Malformed frames
// are skipped, never fatal.
func (s *Session) handlePubSub(raw []byte) error {
	var post posts.Post
	if err := json.Unmarshal(raw, &post); err != nil {
		log.Printf("[FEED] Session %s skipping malformed pubsub post: %v", s.id, err)
		return nil
	}
	if post.CID == "" || post.Channel != s.channel {
		return nil
	}

	if err := s.deliver(&post); err != nil {
		return err
	}
	s.bus.Add(&post)
	return nil
}
