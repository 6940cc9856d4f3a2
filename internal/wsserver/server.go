// Package wsserver hosts the two WebSocket upgrade endpoints the session
// coordination engine exposes — /ws/session for proxies and /ws/client for
// viewers — plus the gin-routed REST surface for session listing and proxy
// auth token management.
package wsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/meawoppl/claude-code-portal/internal/auth"
	"github.com/meawoppl/claude-code-portal/internal/logger"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
	"github.com/meawoppl/claude-code-portal/internal/router"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

// registerTimeout bounds how long a freshly upgraded socket has to send its
// first frame before the server gives up and closes it.
const registerTimeout = 10 * time.Second

type Server struct {
	registry    *router.Registry
	store       *store.Store
	proxyAuth   *auth.JWTManager
	viewerAuth  *auth.JWTManager
	tokenHasher *auth.TokenHasher
	devMode     bool
	queueCap    int
	upgrader    websocket.Upgrader
}

func NewServer(registry *router.Registry, st *store.Store, proxyAuth, viewerAuth *auth.JWTManager, devMode bool, queueCapacity int) *Server {
	return &Server{
		registry:    registry,
		store:       st,
		proxyAuth:   proxyAuth,
		viewerAuth:  viewerAuth,
		tokenHasher: auth.NewTokenHasher(),
		devMode:     devMode,
		queueCap:    queueCapacity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes wires the WebSocket upgrade endpoints and REST surface
// onto r.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	r.GET("/ws/session", s.handleProxySocket)

	client := r.Group("/ws/client")
	client.Use(auth.RequireViewer(s.viewerAuth, s.devMode))
	client.GET("", s.handleViewerSocket)

	api := r.Group("/api")
	api.Use(auth.RequireViewer(s.viewerAuth, s.devMode))
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.POST("/tokens", s.handleCreateToken)
		api.GET("/tokens", s.handleListTokens)
		api.DELETE("/tokens/:id", s.handleRevokeToken)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.registry.SessionCount()})
}

// handleProxySocket runs the proxy connection-open sequence: await the
// first frame, verify auth_token, call AttachProxy, then read frames off
// the socket for the life of the connection.
func (s *Server) handleProxySocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WS().Warn().Err(err).Msg("proxy upgrade failed")
		return
	}

	ws := newWSConn(conn, "proxy:"+c.ClientIP(), s.queueCap)
	go ws.writePump()

	frame, err := s.awaitFirstFrame(conn)
	if err != nil {
		ws.Send(&protocol.Frame{Type: protocol.TypeRegisterAck, Success: false, Error: "timed out waiting for Register"})
		ws.Close("register-timeout")
		return
	}
	if frame.Type != protocol.TypeRegister {
		ws.Send(&protocol.Frame{Type: protocol.TypeRegisterAck, Success: false, Error: "first frame must be Register"})
		ws.Close("protocol-violation")
		return
	}

	claims, err := auth.ResolveProxyToken(c.Request.Context(), frame.AuthToken, s.proxyAuth, s.devMode, s.store, s.tokenHasher)
	if err != nil {
		ws.Send(&protocol.Frame{Type: protocol.TypeRegisterAck, Success: false, Error: "invalid auth_token"})
		ws.Close("auth-failed")
		return
	}

	sess := s.registry.Get(frame.SessionID)
	ctx := context.Background()
	if err := sess.AttachProxy(ctx, ws, claims.UserID, claims.Email, frame); err != nil {
		ws.Send(&protocol.Frame{Type: protocol.TypeRegisterAck, Success: false, Error: err.Error()})
		ws.Close("attach-failed")
		return
	}

	ws.readLoop(func(f *protocol.Frame) {
		sess.HandleProxyFrame(ctx, ws, f)
	})
	sess.DetachProxy(ws)
}

// handleViewerSocket runs the viewer connection-open sequence. The viewer
// cookie is already verified by auth.RequireViewer; the first frame on the
// socket still needs to carry session_id.
func (s *Server) handleViewerSocket(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	email, _ := auth.GetEmail(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WS().Warn().Err(err).Msg("viewer upgrade failed")
		return
	}

	ws := newWSConn(conn, "viewer:"+userID, s.queueCap)
	go ws.writePump()

	frame, err := s.awaitFirstFrame(conn)
	if err != nil || frame.Type != protocol.TypeRegister {
		ws.Send(&protocol.Frame{Type: protocol.TypeError, Message: "first frame must be Register"})
		ws.Close("protocol-violation")
		return
	}

	var replayAfter time.Time
	if frame.ReplayAfter != "" {
		if t, err := time.Parse(time.RFC3339, frame.ReplayAfter); err == nil {
			replayAfter = t
		}
	}

	sess := s.registry.Get(frame.SessionID)
	ctx := context.Background()
	if _, err := sess.SubscribeViewer(ctx, ws, userID, email, replayAfter); err != nil {
		ws.Send(&protocol.Frame{Type: protocol.TypeError, Message: err.Error()})
		ws.Close("subscribe-failed")
		return
	}

	ws.readLoop(func(f *protocol.Frame) {
		sess.HandleViewerFrame(ctx, ws, f)
	})
	sess.UnsubscribeViewer(ws)
}

// awaitFirstFrame reads exactly one frame, bounded by registerTimeout.
func (s *Server) awaitFirstFrame(conn *websocket.Conn) (*protocol.Frame, error) {
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return protocol.Decode(data)
}
