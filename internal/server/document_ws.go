package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tracelayer/plm/backend/internal/collab"
	"github.com/tracelayer/plm/backend/internal/document"
	"go.uber.org/zap"
)

var documentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleDocumentSocket serves the CRDT document channel. Authentication
// happens before the upgrade, so a rejected credential costs no document
// resources; afterwards the connection walks the session state machine and
// exchanges binary update fragments until either side closes.
func (h *httpHandler) handleDocumentSocket(c *gin.Context) {
	documentName := c.Param("document")

	identity, err := h.tokens.Authenticate(credentialFromRequest(c))
	if err != nil {
		h.logger.Warn("document channel credential rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := documentUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("document channel upgrade failed", zap.Error(err))
		return
	}

	session := collab.NewSession()
	if err := session.Authenticate(identity); err != nil {
		h.logger.Error("session authentication transition failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	live, err := h.hub.Attach(c.Request.Context(), session, documentName)
	if err != nil {
		h.logger.Error("document attach failed",
			zap.String("document", documentName), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "load failed"))
		_ = conn.Close()
		session.Close()
		return
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer conn.Close()

		// The initial snapshot is the first frame; fragments merged between
		// attach and this snapshot may also arrive via the outbox, which the
		// idempotent merge on the client absorbs.
		if err := conn.WriteMessage(websocket.BinaryMessage, live.SnapshotBytes()); err != nil {
			return
		}
		for fragment := range session.Outbox() {
			if err := conn.WriteMessage(websocket.BinaryMessage, fragment); err != nil {
				return
			}
		}
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := h.hub.HandleFragment(session, live, payload); err != nil {
			if errors.Is(err, document.ErrFragmentRejected) {
				// Dropped without broadcast; the live state is unchanged and
				// other clients never learn about the bad fragment.
				h.logger.Warn("update fragment rejected",
					zap.String("document", documentName),
					zap.String("session", session.ID()),
					zap.Error(err))
				continue
			}
			h.logger.Error("fragment handling failed",
				zap.String("document", documentName),
				zap.String("session", session.ID()),
				zap.Error(err))
			break
		}
	}

	h.hub.Detach(session)
	_ = conn.Close()
	<-writeDone
}
