package feed

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sethvargo/go-retry"

	"Reef/internal/core/chanlog"
	"Reef/internal/core/posts"
	"Reef/internal/ipfs"
)

// State names where a session currently gets its posts from. The local bus
// is not a state: it runs as a supplement in every state but Terminated.
type State int

const (
	StateProbing State = iota
	StatePubSubActive
	StatePollingActive
	StateLocalOnly
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StatePubSubActive:
		return "pubsub"
	case StatePollingActive:
		return "polling"
	case StateLocalOnly:
		return "local-only"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// probe attempts the transports in preference order and sets the session's
// state. A synchronous subscribe failure means pubsub is not available on the
// backend; that is a silent degradation, never surfaced to the client.
func (s *Session) probe(ctx context.Context) <-chan []byte {
	if s.subscriber != nil {
		ch, err := s.subscriber.PubSubSubscribe(ctx, posts.Topic(s.channel))
		if err == nil {
			s.setState(StatePubSubActive)
			return ch
		}
		log.Printf("[FEED] Session %s pubsub unavailable, falling back: %v", s.id, err)
	}

	if s.chanLog != nil {
		s.setState(StatePollingActive)
	} else {
		s.setState(StateLocalOnly)
	}
	return nil
}

// resubscribe tries to reestablish a dropped pubsub stream with capped
// backoff. Returns nil when pubsub stays down; the caller degrades to
// polling.
func (s *Session) resubscribe(ctx context.Context) <-chan []byte {
	var ch <-chan []byte

	backoff := retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := s.subscriber.PubSubSubscribe(ctx, posts.Topic(s.channel))
		if err != nil {
			return retry.RetryableError(err)
		}
		ch = c
		return nil
	})
	if err != nil {
		log.Printf("[FEED] Session %s pubsub resubscribe gave up: %v", s.id, err)
		return nil
	}

	log.Printf("[FEED] Session %s pubsub resubscribed", s.id)
	return ch
}

// poll lists the channel's log and delivers every entry the session has not
// seen, in ascending name order. Transient failures never terminate the
// session: a failed listing is retried on the next tick, an unreachable
// entry is retried on the next tick, and a corrupt entry is skipped for good.
// Only a failed client write ends the session from here.
func (s *Session) poll(ctx context.Context) error {
	names, err := s.chanLog.List(ctx, s.channel)
	if err != nil {
		log.Printf("[FEED] Session %s poll failed, retrying next tick: %v", s.id, err)
		return nil
	}

	for _, name := range names {
		cid, err := chanlog.EntryCID(name)
		if err != nil {
			continue
		}
		if _, dup := s.seen[cid]; dup {
			continue
		}

		post, err := s.chanLog.Read(ctx, s.channel, name)
		if err != nil {
			if errors.Is(err, ipfs.ErrBackendUnreachable) {
				log.Printf("[FEED] Session %s entry %s unreachable, retrying next tick: %v", s.id, name, err)
				return nil
			}
			// Corrupt entry: mark seen so it is not re-fetched every tick.
			log.Printf("[FEED] Session %s skipping unreadable entry %s: %v", s.id, name, err)
			s.seen[cid] = struct{}{}
			continue
		}

		if err := s.deliver(post); err != nil {
			return err
		}
	}
	return nil
}
