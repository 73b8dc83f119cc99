// Package registry owns the process-wide map from document id to its
// live in-memory replica. An entry exists while at least one session
// is attached; the last release flushes the snapshot and evicts the
// entry. The registry is constructed by the server's startup routine
// and injected everywhere it is needed.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"inkwell/sync/internal/crdt"
)

// SnapshotStore is the slice of the persistence adapter the registry
// needs: last stored merged state in, full merged state out.
type SnapshotStore interface {
	FetchSnapshot(ctx context.Context, documentID string) ([]byte, bool, error)
	StoreSnapshot(ctx context.Context, documentID string, content []byte) error
}

const hydrateTimeout = 10 * time.Second

type entry struct {
	doc  *crdt.Document
	refs int
	// dirty marks unpersisted mutations; cleared when a flush is
	// scheduled, set again if the flush fails.
	dirty bool
	// ready is closed once hydration finished.
	ready chan struct{}
	// evicting guards the window between the last release and the
	// entry's removal; a concurrent acquire waits for evicted.
	evicting bool
	evicted  chan struct{}
}

type Registry struct {
	store         SnapshotStore
	flushInterval time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func New(store SnapshotStore, flushInterval time.Duration) *Registry {
	return &Registry{
		store:         store,
		flushInterval: flushInterval,
		entries:       make(map[string]*entry),
	}
}

// Acquire returns the live replica for documentID, creating and
// hydrating it from storage when this is the first session. Creation
// and eviction for the same id are mutually exclusive; concurrent
// first acquires share a single hydration.
func (r *Registry) Acquire(ctx context.Context, documentID string) (*crdt.Document, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[documentID]
		if ok && e.evicting {
			evicted := e.evicted
			r.mu.Unlock()
			select {
			case <-evicted:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ok {
			e.refs++
			ready := e.ready
			r.mu.Unlock()
			<-ready
			return e.doc, nil
		}

		e = &entry{refs: 1, ready: make(chan struct{})}
		r.entries[documentID] = e
		r.mu.Unlock()

		e.doc = r.hydrate(ctx, documentID)
		close(e.ready)
		return e.doc, nil
	}
}

// hydrate loads the stored snapshot. Both a failed fetch and an
// unreadable snapshot degrade to an empty document: the session stays
// available, the operator gets a loud log line.
func (r *Registry) hydrate(ctx context.Context, documentID string) *crdt.Document {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hydrateTimeout)
	defer cancel()

	snapshot, found, err := r.store.FetchSnapshot(fctx, documentID)
	if err != nil {
		slog.Error("snapshot fetch failed, starting from empty document", "document", documentID, "err", err)
		return crdt.New(documentID)
	}
	if !found {
		slog.Info("no stored snapshot, starting fresh", "document", documentID)
		return crdt.New(documentID)
	}
	doc, err := crdt.Load(documentID, snapshot)
	if err != nil {
		slog.Error("stored snapshot unreadable, starting from empty document", "document", documentID, "err", err)
		return crdt.New(documentID)
	}
	return doc
}

// Release detaches one session. When the last session leaves, the
// current state is flushed synchronously before the entry is evicted,
// so there is no window where the only copy lives in memory.
func (r *Registry) Release(ctx context.Context, documentID string) {
	r.mu.Lock()
	e, ok := r.entries[documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	e.evicting = true
	e.evicted = make(chan struct{})
	r.mu.Unlock()

	if err := r.store.StoreSnapshot(ctx, documentID, e.doc.Save()); err != nil {
		slog.Error("final snapshot flush failed", "document", documentID, "err", err)
	}

	r.mu.Lock()
	delete(r.entries, documentID)
	close(e.evicted)
	r.mu.Unlock()
}

// MarkDirty schedules a debounced snapshot write for documentID.
func (r *Registry) MarkDirty(documentID string) {
	r.mu.Lock()
	if e, ok := r.entries[documentID]; ok && !e.evicting {
		e.dirty = true
	}
	r.mu.Unlock()
}

// Run drives the debounced persistence loop until ctx is done. At most
// one snapshot write is in flight per document; the state saved is
// whatever is current at flush time, so the latest always wins.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.flushDirty(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) flushDirty(ctx context.Context) {
	type pending struct {
		id  string
		doc *crdt.Document
	}

	r.mu.Lock()
	var work []pending
	for id, e := range r.entries {
		if e.dirty && !e.evicting {
			e.dirty = false
			work = append(work, pending{id: id, doc: e.doc})
		}
	}
	r.mu.Unlock()

	for _, p := range work {
		if err := r.store.StoreSnapshot(ctx, p.id, p.doc.Save()); err != nil {
			slog.Error("snapshot flush failed, will retry", "document", p.id, "err", err)
			r.MarkDirty(p.id)
		}
	}
}

// FlushAll writes every dirty document synchronously. Called on
// shutdown after the sessions are gone.
func (r *Registry) FlushAll(ctx context.Context) {
	r.flushDirty(ctx)
}

// ActiveDocuments reports how many documents are currently resident.
func (r *Registry) ActiveDocuments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
