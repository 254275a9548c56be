package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tracelayer/plm/backend/internal/auth"
	"github.com/tracelayer/plm/backend/internal/collab"
	"github.com/tracelayer/plm/backend/internal/presence"
	"go.uber.org/zap"
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingHub          = errors.New("collab hub dependency required")
	errMissingRooms        = errors.New("presence rooms dependency required")
)

// TokenManager verifies the signed credential presented when opening the
// document channel.
type TokenManager interface {
	Authenticate(token string) (auth.Identity, error)
}

// Dependencies wires the collaboration core into the HTTP surface.
type Dependencies struct {
	TokenManager TokenManager
	Hub          *collab.Hub
	Rooms        *presence.Rooms
	Logger       *zap.Logger
}

// NewHTTPHandler builds the router exposing the document and presence
// websocket endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.TokenManager,
		hub:    deps.Hub,
		rooms:  deps.Rooms,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/collab/:document", handler.handleDocumentSocket)
	router.GET("/presence", handler.handlePresenceSocket)

	return router, nil
}

type httpHandler struct {
	tokens TokenManager
	hub    *collab.Hub
	rooms  *presence.Rooms
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// credentialFromRequest accepts the token either as a bearer header or, for
// browser websocket clients that cannot set headers, as a query parameter.
func credentialFromRequest(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}
