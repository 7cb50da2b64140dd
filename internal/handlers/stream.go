package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamloft/agentgate/internal/auth"
	"github.com/streamloft/agentgate/internal/isolation"
	"github.com/streamloft/agentgate/internal/transport"
	apperrors "github.com/streamloft/agentgate/pkg/errors"
	"github.com/streamloft/agentgate/pkg/logger"
	"github.com/streamloft/agentgate/pkg/response"
)

// StreamHandler upgrades agent-event websocket connections and attaches them
// to the caller's isolated manager.
type StreamHandler struct {
	factory  *isolation.ManagerFactory
	jwt      *auth.JWTService
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(factory *isolation.ManagerFactory, jwt *auth.JWTService) *StreamHandler {
	return &StreamHandler{
		factory:  factory,
		jwt:      jwt,
		upgrader: transport.NewUpgrader(),
		log:      logger.WithModule("handlers.stream"),
	}
}

// Serve authenticates the request, resolves (or creates) the user's manager,
// upgrades the connection, and runs its read loop until disconnect.
func (h *StreamHandler) Serve(c *gin.Context) {
	if h == nil || h.factory == nil || h.jwt == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	claims, err := h.jwt.ValidateAccessToken(bearerToken(c))
	if err != nil {
		response.Error(c, apperrors.ErrUnauthorized.WithInternal(err))
		return
	}

	userCtx := claims.UserContext(
		strings.TrimSpace(c.Query("thread_id")),
		strings.TrimSpace(c.Query("run_id")),
		uuid.NewString(),
	)

	manager, err := h.factory.CreateManager(c.Request.Context(), userCtx)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("user_id", userCtx.UserID), zap.Error(err))
		return
	}

	ws := transport.NewWebSocket(conn)
	record := isolation.NewConnectionRecord(userCtx.UserID, userCtx.ThreadID, ws)

	if err := manager.AddConnection(record); err != nil {
		_ = ws.Close(c.Request.Context())
		h.log.Warn("connection rejected",
			zap.String("user_id", userCtx.UserID),
			zap.Error(err),
		)
		return
	}

	go h.pingLoop(manager, record, ws)
	h.readLoop(manager, record, ws)
}

// readLoop keeps the connection's activity timestamp fresh and detaches the
// record once the peer goes away. Inbound frames carry no commands; this is
// a push-only stream.
func (h *StreamHandler) readLoop(manager *isolation.IsolatedManager, record *isolation.ConnectionRecord, ws *transport.WebSocket) {
	conn := ws.Conn()
	_ = conn.SetReadDeadline(time.Now().Add(transport.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(transport.PongWait))
		manager.TouchConnection(record.ConnectionID)
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("unexpected close",
					zap.String("connection_id", record.ConnectionID),
					zap.Error(err),
				)
			}
			break
		}
		manager.TouchConnection(record.ConnectionID)
	}

	ws.MarkDisconnected()
	_ = manager.RemoveConnection(record.ConnectionID)
	_ = ws.Close(context.Background())
}

func (h *StreamHandler) pingLoop(manager *isolation.IsolatedManager, record *isolation.ConnectionRecord, ws *transport.WebSocket) {
	ticker := time.NewTicker(transport.PingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if !ws.IsConnected() {
			return
		}
		if err := ws.Ping(context.Background()); err != nil {
			_ = manager.RemoveConnection(record.ConnectionID)
			return
		}
	}
}

func bearerToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
