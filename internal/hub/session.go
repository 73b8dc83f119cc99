package hub

import (
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"inkwell/sync/internal/auth"
	"inkwell/sync/internal/crdt"
)

// State is the connection session lifecycle. Connecting is the bare
// socket before the auth gate has run and is owned by the HTTP layer;
// a Session only exists from Authenticated onward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSyncing
	StateClosed
)

// DirtyMarker is the slice of the registry a session needs: flagging a
// document for the next debounced snapshot write.
type DirtyMarker interface {
	MarkDirty(documentID string)
}

// Session is one authenticated socket attached to one document. The
// document and permission are fixed for its whole lifetime; a sharing
// change only affects future connections.
type Session struct {
	socketID   string
	documentID string
	grant      auth.Grant

	conn  *websocket.Conn
	doc   *crdt.Document
	hub   *Hub
	dirty DirtyMarker

	// Sync state for WRITE sessions runs against the shared replica.
	state *automerge.SyncState

	// READ sessions sync against a private fork so their inbound
	// edits are discarded before they can reach the shared replica.
	forkMu    sync.Mutex
	fork      *automerge.Doc
	forkState *automerge.SyncState
	forkHeads []automerge.ChangeHash

	maxDecodeFailures int
	decodeFailures    int

	wake chan struct{}
	done chan struct{}

	mu        sync.Mutex
	lifecycle State
	closeOnce sync.Once
}

// NewSession wires an upgraded, authenticated socket to the live
// replica for its document.
func NewSession(socketID string, conn *websocket.Conn, doc *crdt.Document, grant auth.Grant, h *Hub, dirty DirtyMarker, maxDecodeFailures int) (*Session, error) {
	s := &Session{
		socketID:          socketID,
		documentID:        doc.ID(),
		grant:             grant,
		conn:              conn,
		doc:               doc,
		hub:               h,
		dirty:             dirty,
		maxDecodeFailures: maxDecodeFailures,
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
		lifecycle:         StateAuthenticated,
	}
	if grant.CanWrite() {
		s.state = doc.NewSyncState()
	} else {
		fork, heads, err := doc.Fork()
		if err != nil {
			return nil, err
		}
		s.fork = fork
		s.forkHeads = heads
		s.forkState = automerge.NewSyncState(fork)
	}
	return s, nil
}

func (s *Session) SocketID() string   { return s.socketID }
func (s *Session) DocumentID() string { return s.documentID }
func (s *Session) UserID() string     { return s.grant.UserID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.lifecycle = state
	s.mu.Unlock()
}

// Run pumps the sync protocol until the socket closes or the session
// is torn down. It blocks; the caller handles detach afterwards.
func (s *Session) Run() {
	s.setState(StateSyncing)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readPump()
	}()
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	// Kick the writer once so the server opens the handshake with its
	// first sync message.
	s.wakeUp()

	wg.Wait()
	s.setState(StateClosed)
}

// Close tears the session down. Safe to call from any goroutine, any
// number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) readPump() {
	defer s.Close()
	for {
		mt, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("socket read ended", "socket", s.socketID, "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !s.handleInbound(payload) {
			return
		}
	}
}

// handleInbound processes one inbound sync message. Returns false when
// the session should be torn down.
func (s *Session) handleInbound(payload []byte) bool {
	var err error
	if s.grant.CanWrite() {
		var changed bool
		changed, err = s.doc.ReceiveMessage(s.state, payload)
		if err == nil && changed {
			s.dirty.MarkDirty(s.documentID)
			s.hub.Notify(s.documentID, s.socketID)
		}
	} else {
		// The shared replica is never touched: a READ session's
		// updates land in its private fork and go no further.
		err = s.receiveIntoFork(payload)
	}

	if err != nil {
		s.decodeFailures++
		slog.Warn("dropping malformed update", "socket", s.socketID, "document", s.documentID, "failures", s.decodeFailures, "err", err)
		if s.maxDecodeFailures > 0 && s.decodeFailures >= s.maxDecodeFailures {
			slog.Warn("closing session after repeated malformed updates", "socket", s.socketID, "document", s.documentID)
			return false
		}
		return true
	}
	s.decodeFailures = 0

	// The session's own sync state may owe the peer an answer either
	// way (acknowledgements, catch-up data).
	s.wakeUp()
	return true
}

func (s *Session) receiveIntoFork(payload []byte) error {
	s.advanceFork()
	s.forkMu.Lock()
	defer s.forkMu.Unlock()
	_, err := s.forkState.ReceiveMessage(payload)
	return err
}

// advanceFork replays changes the shared replica accumulated since the
// fork last caught up. Both pumps of a READ session call this, so
// forkMu covers the whole read-apply-update sequence; forkHeads is
// never touched outside it. Heads are read before the change list so a
// concurrent update is replayed again next round rather than skipped;
// re-application is a no-op.
func (s *Session) advanceFork() {
	s.forkMu.Lock()
	defer s.forkMu.Unlock()
	newHeads := s.doc.Heads()
	changes, err := s.doc.ChangesSince(s.forkHeads)
	if err != nil {
		slog.Error("failed to compute fork catch-up", "socket", s.socketID, "document", s.documentID, "err", err)
		return
	}
	if len(changes) == 0 {
		return
	}
	if err := s.fork.Apply(changes...); err != nil {
		slog.Error("failed to advance fork", "socket", s.socketID, "document", s.documentID, "err", err)
		return
	}
	s.forkHeads = newHeads
}

func (s *Session) writePump() {
	defer s.Close()
	for {
		select {
		case <-s.wake:
			for _, msg := range s.outbound() {
				if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					slog.Debug("socket write ended", "socket", s.socketID, "err", err)
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// outbound drains everything this session's peer is missing, in the
// order the replica accepted it.
func (s *Session) outbound() [][]byte {
	if s.grant.CanWrite() {
		return s.doc.GenerateMessages(s.state)
	}

	s.advanceFork()
	s.forkMu.Lock()
	defer s.forkMu.Unlock()
	var out [][]byte
	for {
		msg, valid := s.forkState.GenerateMessage()
		if !valid || msg == nil {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}
