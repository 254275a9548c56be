package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// ErrFragmentRejected indicates an update fragment could not be merged. The
// live instance is left unchanged and the fragment must not be broadcast.
var ErrFragmentRejected = errors.New("document: fragment rejected")

// Live is the in-memory authoritative instance of a document while clients
// are attached. All mutation goes through ApplyFragment, so merges are
// all-or-nothing per fragment regardless of how many connections feed it.
type Live struct {
	name string

	mu        sync.Mutex
	doc       *automerge.Doc
	gen       uint64
	savedGen  uint64
	lastActor string

	// flushMu serializes flush attempts from the debounce timer, eviction,
	// and shutdown drain.
	flushMu sync.Mutex
	task    *deferredTask
}

func newLive(name string, doc *automerge.Doc) *Live {
	return &Live{name: name, doc: doc}
}

// Name returns the document name this instance serves.
func (l *Live) Name() string {
	return l.name
}

// ApplyFragment merges one binary update fragment into the live state and
// marks the instance dirty. Merging is commutative, associative and
// idempotent, so arrival order and duplicate delivery do not affect the
// final state. A fragment that fails to decode leaves the state untouched.
func (l *Live) ApplyFragment(fragment []byte, actorID string) error {
	if len(fragment) == 0 {
		return fmt.Errorf("%w: empty fragment", ErrFragmentRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.doc.LoadIncremental(fragment); err != nil {
		return fmt.Errorf("%w: %v", ErrFragmentRejected, err)
	}

	l.gen++
	l.lastActor = actorID
	return nil
}

// SnapshotBytes serializes the current merged state. Used both for the
// initial snapshot sent to a newly attached client and for durable flushes.
func (l *Live) SnapshotBytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Save()
}

// Dirty reports whether merges have been accepted since the last durable save.
func (l *Live) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen != l.savedGen
}

// snapshotForFlush captures the serialized state together with the merge
// generation and most recent actor it covers.
func (l *Live) snapshotForFlush() (state []byte, gen uint64, actor string, dirty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen == l.savedGen {
		return nil, l.gen, "", false
	}
	return l.doc.Save(), l.gen, l.lastActor, true
}

// markSaved records that a flush covering the given generation succeeded.
// Merges accepted while the write was in flight keep the instance dirty.
func (l *Live) markSaved(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen > l.savedGen {
		l.savedGen = gen
	}
}
