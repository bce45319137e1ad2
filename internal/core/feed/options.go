package feed

import "time"

// Defaults for session timing. The max session duration cooperates with
// hosting environments that reclaim long-lived connections: the session
// closes gracefully and tells the client to reconnect instead of being
// killed mid-write by an upstream timeout.
const (
	DefaultPollInterval       = 2 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultMaxSessionDuration = 50 * time.Second
)

// Options carries a session's timing knobs. The zero value means defaults;
// tests shrink these to milliseconds.
type Options struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MaxSessionDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxSessionDuration <= 0 {
		o.MaxSessionDuration = DefaultMaxSessionDuration
	}
	return o
}
