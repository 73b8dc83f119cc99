// Package hub fans accepted updates out to the other sessions editing
// the same document and owns the per-connection sync session.
package hub

import "sync"

// Hub tracks which sessions are attached to which document. A notify
// is a wake-up, not a payload: each woken session computes its own
// catch-up delta from the shared replica, so a slow client lags on its
// own connection without holding anyone else back.
type Hub struct {
	mu   sync.Mutex
	docs map[string]map[string]*Session
}

func NewHub() *Hub {
	return &Hub{docs: make(map[string]map[string]*Session)}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.docs[s.documentID]
	if !ok {
		sessions = make(map[string]*Session)
		h.docs[s.documentID] = sessions
	}
	sessions[s.socketID] = s
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.docs[s.documentID]
	if !ok {
		return
	}
	delete(sessions, s.socketID)
	if len(sessions) == 0 {
		delete(h.docs, s.documentID)
	}
}

// Notify wakes every session on documentID except the origin. Wake-ups
// coalesce; a session that is already scheduled to sync is not queued
// twice.
func (h *Hub) Notify(documentID, originSocketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.docs[documentID] {
		if id == originSocketID {
			continue
		}
		s.wakeUp()
	}
}

// CloseAll tears down every session, used at server shutdown. Each
// session's detach path still runs, so last-leave flushes happen.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sessions := range h.docs {
		for _, s := range sessions {
			s.Close()
		}
	}
}

// SessionCount reports how many sessions are attached to a document.
func (h *Hub) SessionCount(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs[documentID])
}
