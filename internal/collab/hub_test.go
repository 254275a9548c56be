package collab

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/tracelayer/plm/backend/internal/auth"
	"github.com/tracelayer/plm/backend/internal/document"
)

type fakeStore struct {
	mu     sync.Mutex
	states map[string][]byte
	saves  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string][]byte)}
}

func (s *fakeStore) Fetch(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	if !ok {
		return nil, document.ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (s *fakeStore) Save(_ context.Context, name string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.states[name] = append([]byte(nil), state...)
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func mustHub(testContext *testing.T) (*Hub, *fakeStore) {
	testContext.Helper()
	store := newFakeStore()
	bridge, err := document.NewBridge(document.BridgeConfig{
		Store:         store,
		FlushDebounce: time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to construct bridge: %v", err)
	}
	hub, err := NewHub(HubConfig{Bridge: bridge})
	if err != nil {
		testContext.Fatalf("failed to construct hub: %v", err)
	}
	return hub, store
}

func mustAttachedSession(testContext *testing.T, hub *Hub, userID, documentName string) (*Session, *document.Live) {
	testContext.Helper()
	session := NewSession()
	if err := session.Authenticate(auth.Identity{UserID: userID}); err != nil {
		testContext.Fatalf("authenticate failed: %v", err)
	}
	live, err := hub.Attach(context.Background(), session, documentName)
	if err != nil {
		testContext.Fatalf("attach failed: %v", err)
	}
	return session, live
}

func mustUpdateFragment(testContext *testing.T, live *document.Live, key string, value int) []byte {
	testContext.Helper()
	client, err := automerge.Load(live.SnapshotBytes())
	if err != nil {
		testContext.Fatalf("failed to load snapshot: %v", err)
	}
	if err := client.Path(key).Set(value); err != nil {
		testContext.Fatalf("failed to mutate client document: %v", err)
	}
	fragment := client.SaveIncremental()
	if len(fragment) == 0 {
		testContext.Fatalf("expected non-empty fragment")
	}
	return fragment
}

func drainOne(testContext *testing.T, session *Session) []byte {
	testContext.Helper()
	select {
	case fragment := <-session.Outbox():
		return fragment
	case <-time.After(time.Second):
		testContext.Fatalf("timed out waiting for broadcast fragment")
		return nil
	}
}

func assertOutboxEmpty(testContext *testing.T, session *Session) {
	testContext.Helper()
	select {
	case fragment := <-session.Outbox():
		testContext.Fatalf("unexpected fragment in outbox: %v", fragment)
	default:
	}
}

func TestHandleFragmentBroadcastsToPeersOnly(testContext *testing.T) {
	hub, _ := mustHub(testContext)
	sender, live := mustAttachedSession(testContext, hub, "user-a", "design-1")
	peer, _ := mustAttachedSession(testContext, hub, "user-b", "design-1")
	bystander, _ := mustAttachedSession(testContext, hub, "user-c", "design-other")

	fragment := mustUpdateFragment(testContext, live, "x", 1)
	if err := hub.HandleFragment(sender, live, fragment); err != nil {
		testContext.Fatalf("handle fragment failed: %v", err)
	}

	received := drainOne(testContext, peer)
	if !bytes.Equal(received, fragment) {
		testContext.Fatalf("peer received altered fragment")
	}
	assertOutboxEmpty(testContext, sender)
	assertOutboxEmpty(testContext, bystander)
}

func TestHandleFragmentRequiresAttachedSession(testContext *testing.T) {
	hub, _ := mustHub(testContext)
	_, live := mustAttachedSession(testContext, hub, "user-a", "design-1")

	loose := NewSession()
	if err := loose.Authenticate(auth.Identity{UserID: "user-b"}); err != nil {
		testContext.Fatalf("authenticate failed: %v", err)
	}
	err := hub.HandleFragment(loose, live, []byte{0x01})
	if !errors.Is(err, ErrInvalidTransition) {
		testContext.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRejectedFragmentIsNotBroadcast(testContext *testing.T) {
	hub, _ := mustHub(testContext)
	sender, live := mustAttachedSession(testContext, hub, "user-a", "design-1")
	peer, _ := mustAttachedSession(testContext, hub, "user-b", "design-1")

	err := hub.HandleFragment(sender, live, []byte("definitely not an update"))
	if !errors.Is(err, document.ErrFragmentRejected) {
		testContext.Fatalf("expected fragment rejection, got %v", err)
	}
	assertOutboxEmpty(testContext, peer)
	if live.Dirty() {
		testContext.Fatalf("rejected fragment must not dirty the document")
	}
}

func TestDetachFlushesLastSessionsMerges(testContext *testing.T) {
	hub, store := mustHub(testContext)
	session, live := mustAttachedSession(testContext, hub, "user-a", "design-1")

	fragment := mustUpdateFragment(testContext, live, "x", 42)
	if err := hub.HandleFragment(session, live, fragment); err != nil {
		testContext.Fatalf("handle fragment failed: %v", err)
	}

	hub.Detach(session)

	if got := store.saveCount(); got != 1 {
		testContext.Fatalf("expected the detach of the last session to flush once, got %d", got)
	}
	if session.State() != StateClosed {
		testContext.Fatalf("expected the detached session to be closed")
	}

	// Detaching a session twice must not double-release the document.
	hub.Detach(session)
	if got := store.saveCount(); got != 1 {
		testContext.Fatalf("duplicate detach caused extra flushes: %d", got)
	}
}

func TestCloseAllDetachesEverySession(testContext *testing.T) {
	hub, _ := mustHub(testContext)
	first, _ := mustAttachedSession(testContext, hub, "user-a", "design-1")
	second, _ := mustAttachedSession(testContext, hub, "user-b", "design-2")

	hub.CloseAll()

	if first.State() != StateClosed || second.State() != StateClosed {
		testContext.Fatalf("expected every session to be closed, got %s and %s",
			first.State(), second.State())
	}
}
