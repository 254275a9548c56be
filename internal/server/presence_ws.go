package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tracelayer/plm/backend/internal/presence"
	"go.uber.org/zap"
)

const (
	presenceEventJoin  = "join-project"
	presenceEventLeave = "leave-project"
	projectRoomPrefix  = "project-"
	presenceWriteWait  = 5 * time.Second
)

var presenceUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// presenceEnvelope frames every message on the presence channel, both
// directions. Inbound, User accompanies join-project and Payload carries
// relay event bodies verbatim; outbound, Payload holds the server-emitted
// member lists and invalidation events.
type presenceEnvelope struct {
	Event     string           `json:"event"`
	ProjectID string           `json:"projectId,omitempty"`
	Room      string           `json:"room,omitempty"`
	User      *presence.Member `json:"user,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// presenceConn adapts a websocket connection to the presence.Conn contract.
// Sends can originate from any member's goroutine, so writes are serialized
// and bounded by a deadline; a slow consumer fails its own delivery only.
type presenceConn struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *presenceConn) ID() string {
	return p.id
}

func (p *presenceConn) Send(roomID, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(presenceWriteWait)); err != nil {
		return err
	}
	return p.conn.WriteJSON(presenceEnvelope{Event: event, Room: roomID, Payload: body})
}

// handlePresenceSocket serves the presence channel: a thin, unauthenticated
// relay transport, deliberately decoupled from the document channel. Rooms
// are scoped per project; membership ends with leave-project or disconnect.
func (h *httpHandler) handlePresenceSocket(c *gin.Context) {
	conn, err := presenceUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("presence upgrade failed", zap.Error(err))
		return
	}

	pconn := &presenceConn{id: uuid.NewString(), conn: conn}
	h.logger.Info("presence client connected", zap.String("conn", pconn.id))

	for {
		var envelope presenceEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			break
		}
		if envelope.Event == "" {
			continue
		}
		roomID := roomForProject(envelope.ProjectID)
		if roomID == "" {
			continue
		}

		switch envelope.Event {
		case presenceEventJoin:
			member := presence.Member{}
			if envelope.User != nil {
				member = *envelope.User
			}
			h.rooms.Join(roomID, pconn, member)
		case presenceEventLeave:
			h.rooms.Leave(roomID, pconn.id)
		default:
			// cursor-move and the legacy coarse node/edge events all relay
			// verbatim to the rest of the room.
			h.rooms.Relay(roomID, envelope.Event, envelope.Payload, pconn.id)
		}
	}

	h.rooms.Drop(pconn.id)
	_ = conn.Close()
	h.logger.Info("presence client disconnected", zap.String("conn", pconn.id))
}

func roomForProject(projectID string) string {
	trimmed := strings.TrimSpace(projectID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, projectRoomPrefix) {
		return trimmed
	}
	return projectRoomPrefix + trimmed
}
