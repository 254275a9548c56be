package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tracelayer/plm/backend/internal/auth"
)

// outboxSize bounds the per-session broadcast backlog. A consumer that falls
// this far behind is closed rather than having fragments dropped, because a
// silently dropped fragment would leave that client diverged until reconnect.
const outboxSize = 64

// ErrInvalidTransition indicates an operation was attempted in a connection
// state that does not permit it, e.g. a fragment before the session attached.
var ErrInvalidTransition = errors.New("collab: invalid session state transition")

// State is the lifecycle position of a single connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client's attachment to a document channel. It advances
// strictly Connecting → Authenticated → Attached → Closed; Close is valid
// from any state.
type Session struct {
	id string

	mu       sync.Mutex
	state    State
	identity auth.Identity
	document string
	outbox   chan []byte
}

// NewSession constructs a session in the Connecting state.
func NewSession() *Session {
	return &Session{
		id:     uuid.NewString(),
		state:  StateConnecting,
		outbox: make(chan []byte, outboxSize),
	}
}

// ID returns the unique connection identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated principal. Zero before Authenticate.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Document returns the attached document name. Empty before Attach.
func (s *Session) Document() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document
}

// Authenticate records the verified identity. Valid only while Connecting.
func (s *Session) Authenticate(identity auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("%w: authenticate in %s", ErrInvalidTransition, s.state)
	}
	s.identity = identity
	s.state = StateAuthenticated
	return nil
}

// Attach binds the session to a document. Valid only once authenticated.
func (s *Session) Attach(documentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return fmt.Errorf("%w: attach in %s", ErrInvalidTransition, s.state)
	}
	if documentName == "" {
		return fmt.Errorf("collab: document name required")
	}
	s.document = documentName
	s.state = StateAttached
	return nil
}

// Attached reports whether fragments are currently acceptable.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAttached
}

// Enqueue queues a fragment for delivery to this session's client. It never
// blocks; false means the session is closed or its backlog is full and the
// caller should drop the connection.
func (s *Session) Enqueue(fragment []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	select {
	case s.outbox <- fragment:
		return true
	default:
		return false
	}
}

// Outbox exposes the ordered stream of fragments to write to the client.
// The channel is closed when the session closes.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

// Close transitions to Closed and closes the outbox. Safe to call repeatedly
// and from any state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	close(s.outbox)
}
