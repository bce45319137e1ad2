package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"Reef/internal/api/routes"
	"Reef/internal/core/chanlog"
	"Reef/internal/core/feed"
	"Reef/internal/core/media"
	"Reef/internal/core/posts"
	"Reef/internal/core/store"
	"Reef/internal/ipfs"
)

// fakeKubo is an in-process stand-in for a kubo node: content-addressed adds,
// an MFS tree, a pubsub broker, and the read gateway, all on one HTTP server.
// It speaks just enough of the RPC API for the client in internal/ipfs.
type fakeKubo struct {
	mu       sync.Mutex
	files    map[string][]byte
	blocks   map[string][]byte
	subs     map[string][]chan []byte
	pubsubOn bool

	server *httptest.Server
}

func newFakeKubo(t *testing.T, pubsubOn bool) *fakeKubo {
	t.Helper()
	k := &fakeKubo{
		files:    make(map[string][]byte),
		blocks:   make(map[string][]byte),
		subs:     make(map[string][]chan []byte),
		pubsubOn: pubsubOn,
	}
	k.server = httptest.NewServer(http.HandlerFunc(k.handle))
	t.Cleanup(k.server.Close)
	return k
}

// URL serves both the RPC API and the gateway.
func (k *fakeKubo) URL() string { return k.server.URL }

func (k *fakeKubo) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v0/add":
		k.handleAdd(w, r)
	case r.URL.Path == "/api/v0/files/write":
		k.handleFilesWrite(w, r)
	case r.URL.Path == "/api/v0/files/ls":
		k.handleFilesLs(w, r)
	case r.URL.Path == "/api/v0/files/read":
		k.handleFilesRead(w, r)
	case r.URL.Path == "/api/v0/pubsub/pub":
		k.handlePub(w, r)
	case r.URL.Path == "/api/v0/pubsub/sub":
		k.handleSub(w, r)
	case strings.HasPrefix(r.URL.Path, "/ipfs/"):
		k.handleGateway(w, r)
	default:
		http.NotFound(w, r)
	}
}

// contentCID derives a real CIDv1 from the bytes, the way kubo would.
func contentCID(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, mh).String()
}

func kuboError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"Message": message,
		"Code":    0,
		"Type":    "error",
	})
}

func formFileBytes(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (k *fakeKubo) handleAdd(w http.ResponseWriter, r *http.Request) {
	data, err := formFileBytes(r)
	if err != nil {
		kuboError(w, "no file in add request")
		return
	}

	id := contentCID(data)
	k.mu.Lock()
	k.blocks[id] = data
	k.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]string{
		"Name": "file",
		"Hash": id,
		"Size": fmt.Sprintf("%d", len(data)),
	})
}

func (k *fakeKubo) handleFilesWrite(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("arg")
	data, err := formFileBytes(r)
	if err != nil {
		kuboError(w, "no file in write request")
		return
	}

	k.mu.Lock()
	k.files[path] = data
	k.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (k *fakeKubo) handleFilesLs(w http.ResponseWriter, r *http.Request) {
	dir := strings.TrimSuffix(r.URL.Query().Get("arg"), "/")

	k.mu.Lock()
	var names []string
	for path := range k.files {
		rest := strings.TrimPrefix(path, dir+"/")
		if rest != path && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	k.mu.Unlock()

	if len(names) == 0 {
		kuboError(w, "file does not exist")
		return
	}
	sort.Strings(names)

	entries := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entries = append(entries, map[string]any{"Name": name, "Type": 0})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"Entries": entries})
}

func (k *fakeKubo) handleFilesRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("arg")

	k.mu.Lock()
	data, ok := k.files[path]
	k.mu.Unlock()

	if !ok {
		kuboError(w, "file does not exist")
		return
	}
	_, _ = w.Write(data)
}

func decodeTopicArg(r *http.Request) (string, error) {
	_, raw, err := multibase.Decode(r.URL.Query().Get("arg"))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (k *fakeKubo) handlePub(w http.ResponseWriter, r *http.Request) {
	if !k.pubsubOn {
		kuboError(w, "experimental pubsub must be enabled")
		return
	}
	topic, err := decodeTopicArg(r)
	if err != nil {
		kuboError(w, "bad topic encoding")
		return
	}
	payload, err := formFileBytes(r)
	if err != nil {
		kuboError(w, "no file in publish request")
		return
	}

	k.mu.Lock()
	subs := append([]chan []byte(nil), k.subs[topic]...)
	k.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		case <-time.After(time.Second):
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (k *fakeKubo) handleSub(w http.ResponseWriter, r *http.Request) {
	if !k.pubsubOn {
		kuboError(w, "experimental pubsub must be enabled")
		return
	}
	topic, err := decodeTopicArg(r)
	if err != nil {
		kuboError(w, "bad topic encoding")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		kuboError(w, "streaming unsupported")
		return
	}

	msgs := make(chan []byte, 16)
	k.mu.Lock()
	k.subs[topic] = append(k.subs[topic], msgs)
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		live := k.subs[topic][:0]
		for _, sub := range k.subs[topic] {
			if sub != msgs {
				live = append(live, sub)
			}
		}
		k.subs[topic] = live
		k.mu.Unlock()
	}()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case payload := <-msgs:
			encoded, _ := multibase.Encode(multibase.Base64url, payload)
			frame, _ := json.Marshal(map[string]string{
				"from":  "fake-peer",
				"data":  encoded,
				"seqno": "u",
			})
			if _, err := w.Write(append(frame, '\n')); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (k *fakeKubo) handleGateway(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ipfs/")

	k.mu.Lock()
	data, ok := k.blocks[id]
	k.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	_, _ = w.Write(data)
}

// testApp is a fully wired server instance backed by a fake kubo node,
// assembled the same way cmd/server does it.
type testApp struct {
	server  *httptest.Server
	client  *ipfs.Client
	chanLog *chanlog.Log
	store   *store.Store
}

func feedTestOptions() feed.Options {
	return feed.Options{
		PollInterval:       25 * time.Millisecond,
		HeartbeatInterval:  10 * time.Second,
		MaxSessionDuration: 10 * time.Second,
	}
}

func newTestApp(t *testing.T, kubo *fakeKubo) *testApp {
	t.Helper()

	client := ipfs.NewClient(kubo.URL(), kubo.URL())
	postStore := store.NewStore()
	channelLog := chanlog.NewLog(client, "")

	var publisher posts.Publisher
	var subscriber feed.Subscriber
	if kubo.pubsubOn {
		publisher = client
		subscriber = client
	}

	postService := posts.NewPostService(client, channelLog, publisher, postStore)
	mediaService := media.NewMediaService(client)

	r := chi.NewRouter()
	routes.RegisterPostRoutes(r, postService)
	routes.RegisterMediaRoutes(r, mediaService)
	routes.RegisterFeedRoutes(r, channelLog, subscriber, postStore, feedTestOptions())

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testApp{
		server:  server,
		client:  client,
		chanLog: channelLog,
		store:   postStore,
	}
}
