// Package transport adapts gorilla/websocket connections to the capability
// interface the isolation core consumes.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB

	// PongWait bounds how long a connection may go without a pong before
	// its read loop gives up.
	PongWait = 60 * time.Second
	// PingPeriod is how often keepalive pings are written.
	PingPeriod = (PongWait * 9) / 10
)

var errClosed = errors.New("transport: connection closed")

// NewUpgrader builds the shared websocket upgrader. Same-origin requests and
// localhost development are allowed.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originHost := hostWithoutPort(origin)
			requestHost := hostWithoutPort(r.Host)
			return originHost == requestHost || isLoopback(originHost)
		},
	}
}

// WebSocket wraps a gorilla connection behind the isolation.Transport
// interface. A single write mutex serializes outbound frames, which is what
// preserves per-connection submission order.
type WebSocket struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	closeOnce sync.Once
}

// NewWebSocket adapts an upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{conn: conn}
	ws.connected.Store(true)
	conn.SetReadLimit(maxMessageSize)
	return ws
}

// Send writes a text frame, honouring the earlier of ctx's deadline and the
// default write wait.
func (w *WebSocket) Send(ctx context.Context, payload []byte) error {
	if !w.connected.Load() {
		return errClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		w.markDead()
		return err
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		w.markDead()
		return err
	}
	return nil
}

// Ping writes a control ping. A closed or wedged socket fails the write,
// which is how the health assessor detects dead connections.
func (w *WebSocket) Ping(ctx context.Context) error {
	if !w.connected.Load() {
		return errClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.WriteControl(websocket.PingMessage, nil, writeDeadline(ctx)); err != nil {
		w.markDead()
		return err
	}
	return nil
}

// IsConnected reports the transport-level connection state.
func (w *WebSocket) IsConnected() bool {
	return w.connected.Load()
}

// Close tears the connection down. Safe to call repeatedly.
func (w *WebSocket) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.connected.Store(false)

		w.mu.Lock()
		defer w.mu.Unlock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), writeDeadline(ctx))
		_ = w.conn.Close()
	})
	return nil
}

// MarkDisconnected flags the transport dead without closing the underlying
// socket, used by read loops that observed a read error.
func (w *WebSocket) MarkDisconnected() {
	w.connected.Store(false)
}

// Conn exposes the raw connection for read-loop management.
func (w *WebSocket) Conn() *websocket.Conn {
	return w.conn
}

func (w *WebSocket) markDead() {
	w.connected.Store(false)
}

func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
