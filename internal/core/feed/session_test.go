package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Reef/internal/core/chanlog"
	"Reef/internal/core/posts"
	"Reef/internal/core/store"
	"Reef/internal/ipfs"
)

// fakeFeedLog is an in-memory durable log keyed by entry name.
type fakeFeedLog struct {
	mu      sync.Mutex
	entries map[string]*posts.Post
	listErr error
}

func newFakeFeedLog() *fakeFeedLog {
	return &fakeFeedLog{entries: make(map[string]*posts.Post)}
}

func (f *fakeFeedLog) addEntry(post *posts.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[chanlog.EntryName(post)] = post
}

func (f *fakeFeedLog) List(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeFeedLog) Read(_ context.Context, _ string, name string) (*posts.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.entries[name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, ipfs.ErrNotFound)
	}
	return post, nil
}

// fakeSubscriber hands out pre-seeded subscription channels, or errors.
type fakeSubscriber struct {
	mu      sync.Mutex
	streams []chan []byte
	err     error
	calls   int
}

func (f *fakeSubscriber) PubSubSubscribe(_ context.Context, _ string) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.streams) == 0 {
		return nil, ipfs.ErrPubSubUnavailable
	}
	ch := f.streams[0]
	f.streams = f.streams[1:]
	return ch, nil
}

// recordSink captures everything a session emits.
type recordSink struct {
	mu         sync.Mutex
	posts      []*posts.Post
	heartbeats int
	reconnects int
	postErr    error
	delivered  chan *posts.Post
}

func newRecordSink() *recordSink {
	return &recordSink{delivered: make(chan *posts.Post, 64)}
}

func (r *recordSink) Post(post *posts.Post) error {
	r.mu.Lock()
	if r.postErr != nil {
		defer r.mu.Unlock()
		return r.postErr
	}
	r.posts = append(r.posts, post)
	r.mu.Unlock()
	r.delivered <- post
	return nil
}

func (r *recordSink) Heartbeat() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *recordSink) Reconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
	return nil
}

func (r *recordSink) postCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posts)
}

func (r *recordSink) waitForPost(t *testing.T, timeout time.Duration) *posts.Post {
	t.Helper()
	select {
	case post := <-r.delivered:
		return post
	case <-time.After(timeout):
		t.Fatal("no post delivered in time")
		return nil
	}
}

func testPost(channel, cid string, ts int64) *posts.Post {
	return &posts.Post{
		Author:    "alice",
		Channel:   channel,
		Content:   "hi",
		Timestamp: ts,
		CID:       cid,
	}
}

func runSession(t *testing.T, s *Session) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not terminate on cancellation")
		}
	})
	return cancelCtx, done
}

func TestFallbackToPolling(t *testing.T) {
	chanLog := newFakeFeedLog()
	subscriber := &fakeSubscriber{err: ipfs.ErrPubSubUnavailable}
	bus := store.NewStore()
	sink := newRecordSink()

	session := NewSession("general", chanLog, subscriber, bus, sink, Options{
		PollInterval:       10 * time.Millisecond,
		MaxSessionDuration: 10 * time.Second,
	})
	runSession(t, session)

	// Let the session take its snapshot before the new entry lands.
	time.Sleep(20 * time.Millisecond)

	// A post written to the shared log by another instance must arrive via
	// polling within roughly one interval.
	post := testPost("general", "QmPolled", time.Now().UnixMilli())
	chanLog.addEntry(post)

	got := sink.waitForPost(t, time.Second)
	assert.Equal(t, post, got)
	assert.Equal(t, StatePollingActive, session.State())
	assert.Equal(t, 1, subscriber.calls, "a synchronous subscribe failure is not retried per tick")
}

func TestSnapshotSuppressesHistory(t *testing.T) {
	chanLog := newFakeFeedLog()
	old1 := testPost("general", "QmOld1", 1000)
	old2 := testPost("general", "QmOld2", 1001)
	chanLog.addEntry(old1)
	chanLog.addEntry(old2)

	bus := store.NewStore()
	sink := newRecordSink()
	session := NewSession("general", chanLog, nil, bus, sink, Options{
		PollInterval:       10 * time.Millisecond,
		MaxSessionDuration: 10 * time.Second,
	})
	runSession(t, session)
	time.Sleep(20 * time.Millisecond)

	// History is served by the separate one-shot fetch; the live stream must
	// only carry posts that appear after the session started.
	fresh := testPost("general", "QmFresh", 2000)
	chanLog.addEntry(fresh)

	got := sink.waitForPost(t, time.Second)
	assert.Equal(t, "QmFresh", got.CID)
	assert.Equal(t, 1, sink.postCount())
}

func TestNoDuplicateAcrossTransports(t *testing.T) {
	chanLog := newFakeFeedLog()
	bus := store.NewStore()
	sink := newRecordSink()

	session := NewSession("general", chanLog, nil, bus, sink, Options{
		PollInterval:       10 * time.Millisecond,
		MaxSessionDuration: 10 * time.Second,
	})
	runSession(t, session)

	// Give the session time to take its empty snapshot and register on the bus.
	time.Sleep(20 * time.Millisecond)

	// The same post reaches the session twice: instantly via the local bus,
	// then again through the next log poll.
	post := testPost("general", "QmBoth", time.Now().UnixMilli())
	bus.Add(post)
	chanLog.addEntry(post)

	sink.waitForPost(t, time.Second)
	time.Sleep(50 * time.Millisecond) // several poll cycles
	assert.Equal(t, 1, sink.postCount(), "local-bus delivery must suppress the poll redelivery")
}

func TestPubSubPrimary(t *testing.T) {
	t.Run("delivers pubsub posts and warms the store", func(t *testing.T) {
		stream := make(chan []byte, 4)
		subscriber := &fakeSubscriber{streams: []chan []byte{stream}}
		bus := store.NewStore()
		sink := newRecordSink()

		session := NewSession("general", newFakeFeedLog(), subscriber, bus, sink, Options{
			PollInterval:       time.Hour, // polling must stay inactive
			MaxSessionDuration: 10 * time.Second,
		})
		runSession(t, session)

		post := testPost("general", "QmViaPubSub", time.Now().UnixMilli())
		wire, err := json.Marshal(post)
		require.NoError(t, err)
		stream <- wire

		got := sink.waitForPost(t, time.Second)
		assert.Equal(t, post, got)
		assert.Equal(t, StatePubSubActive, session.State())

		// The store observed the post too, so history on this instance stays
		// warm, and its local-bus echo must not double-deliver.
		require.Eventually(t, func() bool {
			return len(bus.GetByChannel("general")) == 1
		}, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, sink.postCount())
	})

	t.Run("filters other channels and malformed frames", func(t *testing.T) {
		stream := make(chan []byte, 4)
		subscriber := &fakeSubscriber{streams: []chan []byte{stream}}
		sink := newRecordSink()

		session := NewSession("general", newFakeFeedLog(), subscriber, store.NewStore(), sink, Options{
			PollInterval:       time.Hour,
			MaxSessionDuration: 10 * time.Second,
		})
		runSession(t, session)

		stream <- []byte("not json at all")
		other, _ := json.Marshal(testPost("random", "QmOther", 1000))
		stream <- other
		mine, _ := json.Marshal(testPost("general", "QmMine", 1001))
		stream <- mine

		got := sink.waitForPost(t, time.Second)
		assert.Equal(t, "QmMine", got.CID)
		assert.Equal(t, 1, sink.postCount())
	})

	t.Run("resubscribes after a dropped stream", func(t *testing.T) {
		first := make(chan []byte)
		second := make(chan []byte, 1)
		subscriber := &fakeSubscriber{streams: []chan []byte{first, second}}
		sink := newRecordSink()

		session := NewSession("general", newFakeFeedLog(), subscriber, store.NewStore(), sink, Options{
			PollInterval:       time.Hour,
			MaxSessionDuration: 10 * time.Second,
		})
		runSession(t, session)

		close(first) // node dropped us

		post := testPost("general", "QmAfterDrop", time.Now().UnixMilli())
		wire, _ := json.Marshal(post)

		require.Eventually(t, func() bool {
			subscriber.mu.Lock()
			defer subscriber.mu.Unlock()
			return subscriber.calls >= 2
		}, 2*time.Second, 5*time.Millisecond)
		second <- wire

		got := sink.waitForPost(t, 2*time.Second)
		assert.Equal(t, "QmAfterDrop", got.CID)
	})

	t.Run("degrades to polling when resubscribe gives up", func(t *testing.T) {
		first := make(chan []byte)
		subscriber := &fakeSubscriber{streams: []chan []byte{first}} // later calls error
		chanLog := newFakeFeedLog()
		sink := newRecordSink()

		session := NewSession("general", chanLog, subscriber, store.NewStore(), sink, Options{
			PollInterval:       20 * time.Millisecond,
			MaxSessionDuration: 30 * time.Second,
		})
		runSession(t, session)

		// The snapshot runs before the probe, so once the session reports
		// pubsub active the new entry can no longer be swept into it.
		require.Eventually(t, func() bool {
			return session.State() == StatePubSubActive
		}, time.Second, 5*time.Millisecond)

		close(first)
		post := testPost("general", "QmViaFallback", time.Now().UnixMilli())
		chanLog.addEntry(post)

		// Backoff runs through its retries before the session flips to
		// polling, so allow generous time.
		got := sink.waitForPost(t, 10*time.Second)
		assert.Equal(t, "QmViaFallback", got.CID)
		assert.Equal(t, StatePollingActive, session.State())
	})

	t.Run("degrades to the local bus when there is no log to poll", func(t *testing.T) {
		first := make(chan []byte)
		subscriber := &fakeSubscriber{streams: []chan []byte{first}}
		bus := store.NewStore()
		sink := newRecordSink()

		session := NewSession("general", nil, subscriber, bus, sink, Options{
			PollInterval:       20 * time.Millisecond,
			MaxSessionDuration: 30 * time.Second,
		})
		runSession(t, session)

		require.Eventually(t, func() bool {
			return session.State() == StatePubSubActive
		}, time.Second, 5*time.Millisecond)

		close(first)
		require.Eventually(t, func() bool {
			return session.State() == StateLocalOnly
		}, 10*time.Second, 10*time.Millisecond)

		post := testPost("general", "QmBusOnly", time.Now().UnixMilli())
		bus.Add(post)
		got := sink.waitForPost(t, time.Second)
		assert.Equal(t, "QmBusOnly", got.CID)
	})
}

func TestSessionBound(t *testing.T) {
	sink := newRecordSink()
	session := NewSession("general", newFakeFeedLog(), nil, store.NewStore(), sink, Options{
		PollInterval:       10 * time.Millisecond,
		MaxSessionDuration: 50 * time.Millisecond,
	})

	start := time.Now()
	err := session.Run(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err, "a timed-out session is a graceful close, not an error")
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 1, sink.reconnects, "exactly one reconnect directive on graceful close")
	assert.Equal(t, StateTerminated, session.State())
}

func TestHeartbeat(t *testing.T) {
	sink := newRecordSink()
	session := NewSession("general", newFakeFeedLog(), nil, store.NewStore(), sink, Options{
		PollInterval:       time.Hour,
		HeartbeatInterval:  20 * time.Millisecond,
		MaxSessionDuration: 300 * time.Millisecond,
	})

	require.NoError(t, session.Run(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, sink.heartbeats, 1, "an idle session must emit keep-alives")
}

func TestCancellationCleansUp(t *testing.T) {
	bus := store.NewStore()
	sink := newRecordSink()
	chanLog := newFakeFeedLog()

	session := NewSession("general", chanLog, nil, bus, sink, Options{
		PollInterval:       10 * time.Millisecond,
		MaxSessionDuration: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "client disconnect is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("session leaked past cancellation")
	}
	assert.Equal(t, StateTerminated, session.State())

	// The session must have deregistered: a later post finds no subscriber
	// and the sink stays silent.
	bus.Add(testPost("general", "QmLate", time.Now().UnixMilli()))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, sink.postCount())
}

func TestPollSurvivesTransientFailures(t *testing.T) {
	chanLog := newFakeFeedLog()
	sink := newRecordSink()

	session := NewSession("general", chanLog, nil, store.NewStore(), sink, Options{
		PollInterval:       10 * time.Millisecond,
		MaxSessionDuration: 10 * time.Second,
	})
	runSession(t, session)

	// Backend goes down mid-session: polling logs and keeps ticking.
	chanLog.mu.Lock()
	chanLog.listErr = ipfs.ErrBackendUnreachable
	chanLog.mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	// Backend recovers with a new post; the session picks it up.
	chanLog.mu.Lock()
	chanLog.listErr = nil
	chanLog.mu.Unlock()
	post := testPost("general", "QmRecovered", time.Now().UnixMilli())
	chanLog.addEntry(post)

	got := sink.waitForPost(t, time.Second)
	assert.Equal(t, "QmRecovered", got.CID)
}

func TestSinkFailureTerminatesSession(t *testing.T) {
	bus := store.NewStore()
	sink := newRecordSink()
	sink.postErr = fmt.Errorf("client went away")

	session := NewSession("general", newFakeFeedLog(), nil, bus, sink, Options{
		PollInterval:       time.Hour,
		MaxSessionDuration: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	bus.Add(testPost("general", "QmDoomed", time.Now().UnixMilli()))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on a failed client write")
	}
}
