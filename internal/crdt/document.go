// Package crdt holds the in-memory replicated state for one document.
// The merge engine itself is automerge; this package only guards the
// single live replica per document and exposes the operations the sync
// sessions and the persistence scheduler need. Merging the same set of
// changes in any order, any number of times, converges to the same
// content.
package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Document is the process-wide replica for one document id. Every
// mutation and read of the underlying automerge doc goes through its
// mutex, which is what serializes update application per document.
// Different documents share nothing and proceed in parallel.
type Document struct {
	id string

	mu  sync.Mutex
	doc *automerge.Doc
}

// New returns an empty replica for a document that has no stored state.
func New(id string) *Document {
	return &Document{id: id, doc: automerge.New()}
}

// Load hydrates a replica from a stored snapshot. A nil or empty
// snapshot yields an empty document.
func Load(id string, snapshot []byte) (*Document, error) {
	if len(snapshot) == 0 {
		return New(id), nil
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	return &Document{id: id, doc: doc}, nil
}

func (d *Document) ID() string {
	return d.id
}

// NewSyncState binds a fresh per-connection sync state to the live
// replica. The state carries the peer's progress; the replica stays
// shared.
func (d *Document) NewSyncState() *automerge.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return automerge.NewSyncState(d.doc)
}

// ReceiveMessage feeds one inbound sync-protocol message into the
// replica through the given connection's sync state. It reports
// whether the document content actually changed, which is what decides
// broadcast and persistence. A message that fails to decode is
// rejected as a whole; automerge never partially applies.
func (d *Document) ReceiveMessage(state *automerge.SyncState, raw []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if _, err := state.ReceiveMessage(raw); err != nil {
		return false, fmt.Errorf("receive sync message: %w", err)
	}
	return !headsEqual(before, d.doc.Heads()), nil
}

// GenerateMessages drains the outbound side of a connection's sync
// state: every pending message the peer needs to catch up with the
// replica, in order.
func (d *Document) GenerateMessages(state *automerge.SyncState) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for {
		msg, valid := state.GenerateMessage()
		if !valid || msg == nil {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}

// ApplyChanges merges foreign changes into the replica and reports
// whether anything new was incorporated. Re-applying already-seen
// changes is a no-op.
func (d *Document) ApplyChanges(changes []*automerge.Change) (bool, error) {
	if len(changes) == 0 {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := d.doc.Apply(changes...); err != nil {
		return false, fmt.Errorf("apply changes: %w", err)
	}
	return !headsEqual(before, d.doc.Heads()), nil
}

// ChangesSince returns the changes the replica has accumulated since
// the given heads. Used to advance a read-only session's private fork.
func (d *Document) ChangesSince(heads []automerge.ChangeHash) ([]*automerge.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("changes since heads: %w", err)
	}
	return changes, nil
}

// Fork returns a private copy of the replica plus the heads it was
// taken at. Read-only sessions sync against the fork so their inbound
// edits never reach the shared replica.
func (d *Document) Fork() (*automerge.Doc, []automerge.ChangeHash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, nil, fmt.Errorf("fork document: %w", err)
	}
	return fork, d.doc.Heads(), nil
}

// Save serializes the full converged state for the persistence
// adapter. The encoding may differ between replicas with identical
// content; only the content projection is comparable.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

// Contents is the observable content projection, used to compare
// replicas for convergence.
func (d *Document) Contents() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.RootMap().GoString()
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
