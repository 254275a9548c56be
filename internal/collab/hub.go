package collab

import (
	"context"
	"errors"
	"sync"

	"github.com/tracelayer/plm/backend/internal/document"
	"go.uber.org/zap"
)

var errMissingBridge = errors.New("collab: document bridge required")

// HubConfig describes the dependencies for a Hub.
type HubConfig struct {
	Bridge *document.Bridge
	Logger *zap.Logger
}

// Hub routes update fragments between the sessions attached to each document
// and the merge bridge. Per-sender fragment order is preserved because each
// connection has a single read loop and each receiver a single ordered
// outbox; no ordering is promised across senders beyond what the merge
// algorithm tolerates.
type Hub struct {
	bridge *document.Bridge
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]map[*Session]struct{}
}

// NewHub constructs the session hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Bridge == nil {
		return nil, errMissingBridge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bridge:   cfg.Bridge,
		logger:   logger,
		sessions: make(map[string]map[*Session]struct{}),
	}, nil
}

// Attach binds an authenticated session to a document, loading the live
// instance on first access, and registers it for broadcasts. The caller must
// send live.SnapshotBytes() to the client as the initial snapshot before
// draining the session outbox.
func (h *Hub) Attach(ctx context.Context, session *Session, documentName string) (*document.Live, error) {
	live, err := h.bridge.Acquire(ctx, documentName)
	if err != nil {
		return nil, err
	}
	if err := session.Attach(documentName); err != nil {
		h.bridge.Release(documentName)
		return nil, err
	}

	h.mu.Lock()
	peers, ok := h.sessions[documentName]
	if !ok {
		peers = make(map[*Session]struct{})
		h.sessions[documentName] = peers
	}
	peers[session] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("session attached",
		zap.String("document", documentName),
		zap.String("session", session.ID()),
		zap.String("user", session.Identity().UserID))
	return live, nil
}

// HandleFragment merges one fragment and, on success, broadcasts it verbatim
// to every other session attached to the same document. A rejected fragment
// is not broadcast and leaves the merged state unchanged; the error is the
// caller's to log, not to surface to other clients.
func (h *Hub) HandleFragment(session *Session, live *document.Live, fragment []byte) error {
	if !session.Attached() {
		return ErrInvalidTransition
	}
	if err := h.bridge.Merge(live, fragment, session.Identity().UserID); err != nil {
		return err
	}
	h.broadcast(live.Name(), session, fragment)
	return nil
}

func (h *Hub) broadcast(documentName string, sender *Session, fragment []byte) {
	h.mu.Lock()
	receivers := make([]*Session, 0, len(h.sessions[documentName]))
	for peer := range h.sessions[documentName] {
		if peer != sender {
			receivers = append(receivers, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range receivers {
		if !peer.Enqueue(fragment) {
			h.logger.Warn("dropping slow or closed session",
				zap.String("document", documentName),
				zap.String("session", peer.ID()))
			h.Detach(peer)
		}
	}
}

// Detach deregisters the session and closes it. When it was the last session
// for its document, the bridge schedules eviction of the live instance after
// the idle grace period. Safe to call for sessions that never attached.
func (h *Hub) Detach(session *Session) {
	documentName := session.Document()
	wasAttached := false

	if documentName != "" {
		h.mu.Lock()
		if peers, ok := h.sessions[documentName]; ok {
			if _, present := peers[session]; present {
				delete(peers, session)
				wasAttached = true
				if len(peers) == 0 {
					delete(h.sessions, documentName)
				}
			}
		}
		h.mu.Unlock()
	}

	session.Close()
	if wasAttached {
		h.bridge.Release(documentName)
		h.logger.Info("session detached",
			zap.String("document", documentName),
			zap.String("session", session.ID()))
	}
}

// CloseAll detaches every session; used during shutdown before the bridge
// drain so reference counts reach zero.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Session, 0)
	for _, peers := range h.sessions {
		for peer := range peers {
			all = append(all, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range all {
		h.Detach(peer)
	}
}
