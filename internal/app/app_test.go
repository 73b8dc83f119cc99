package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"inkwell/sync/internal/auth"
	"inkwell/sync/internal/config"
	"inkwell/sync/internal/hub"
	"inkwell/sync/internal/registry"
)

// fakeStore is an in-memory persistence adapter standing in for the
// Postgres store. It serves both the registry's snapshot path and the
// service's blob path.
type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	blobs     map[string][]byte
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[string][]byte),
		blobs:     make(map[string][]byte),
	}
}

func (f *fakeStore) FetchSnapshot(_ context.Context, documentID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.snapshots[documentID]
	return content, ok, nil
}

func (f *fakeStore) StoreSnapshot(_ context.Context, documentID string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[documentID] = content
	return nil
}

func (f *fakeStore) snapshot(documentID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.snapshots[documentID]
	return content, ok
}

func (f *fakeStore) FetchBlob(_ context.Context, documentID, kind string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.blobs[documentID+"/"+kind]
	return content, ok, nil
}

func (f *fakeStore) StoreBlob(_ context.Context, documentID, kind string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[documentID+"/"+kind] = content
	return nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

type testEnv struct {
	ts   *httptest.Server
	cfg  config.Config
	fake *fakeStore
	hub  *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		TokenSecret:       "test-secret",
		IssuerKey:         "issuer-key",
		TokenTTL:          time.Hour,
		FlushInterval:     50 * time.Millisecond,
		MaxDecodeFailures: 3,
	}

	fake := newFakeStore()
	reg := registry.New(fake, cfg.FlushInterval)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)

	h := hub.NewHub()
	service := New(cfg, fake, reg, h)
	ts := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &testEnv{ts: ts, cfg: cfg, fake: fake, hub: h}
}

func (e *testEnv) mintToken(t *testing.T, documentID string, permission auth.Permission) string {
	t.Helper()
	token, err := auth.Mint([]byte(e.cfg.TokenSecret), documentID, "user-"+strings.ToLower(string(permission)), permission, e.cfg.TokenTTL)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (e *testEnv) syncURL(documentID, token string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/sync/" + documentID + "?token=" + token
}

// wsPeer is a client-side automerge replica speaking the sync protocol
// over a websocket, the way the editor does.
type wsPeer struct {
	t     *testing.T
	conn  *websocket.Conn
	doc   *automerge.Doc
	state *automerge.SyncState
	inbox chan []byte
}

func (e *testEnv) dialPeer(t *testing.T, documentID, token string) *wsPeer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.syncURL(documentID, token), nil)
	if err != nil {
		t.Fatalf("dial sync socket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	doc := automerge.New()
	p := &wsPeer{
		t:     t,
		conn:  conn,
		doc:   doc,
		state: automerge.NewSyncState(doc),
		inbox: make(chan []byte, 64),
	}
	go func() {
		defer close(p.inbox)
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			p.inbox <- payload
		}
	}()
	return p
}

func (p *wsPeer) set(key string, value any) {
	p.t.Helper()
	if err := p.doc.Path(key).Set(value); err != nil {
		p.t.Fatalf("set %s: %v", key, err)
	}
}

func (p *wsPeer) contents() string {
	return p.doc.RootMap().GoString()
}

// flush sends every pending outbound sync message.
func (p *wsPeer) flush() {
	p.t.Helper()
	for {
		msg, valid := p.state.GenerateMessage()
		if !valid || msg == nil {
			return
		}
		if err := p.conn.WriteMessage(websocket.BinaryMessage, msg.Bytes()); err != nil {
			p.t.Fatalf("peer write: %v", err)
		}
	}
}

// waitFor pumps the sync protocol until cond holds or the timeout
// passes.
func (p *wsPeer) waitFor(cond func() bool, timeout time.Duration) bool {
	p.t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return true
		}
		p.flush()
		select {
		case payload, ok := <-p.inbox:
			if !ok {
				return cond()
			}
			if _, err := p.state.ReceiveMessage(payload); err != nil {
				p.t.Fatalf("peer receive: %v", err)
			}
		case <-tick.C:
		case <-deadline.C:
			return cond()
		}
	}
}

// pump keeps the protocol running for a fixed window without waiting
// on any condition.
func (p *wsPeer) pump(d time.Duration) {
	p.t.Helper()
	p.waitFor(func() bool { return false }, d)
}

// editedChanges builds a standalone replica with one key set and
// returns the changes that produced it.
func editedChanges(t *testing.T, key string, value any) []*automerge.Change {
	t.Helper()
	doc := automerge.New()
	if err := doc.Path(key).Set(value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	changes, err := doc.Changes()
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	return changes
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
