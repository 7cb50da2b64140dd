package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/streamloft/agentgate/internal/auth"
	"github.com/streamloft/agentgate/internal/events"
	"github.com/streamloft/agentgate/internal/isolation"
)

type streamFixture struct {
	server  *httptest.Server
	factory *isolation.ManagerFactory
	jwt     *auth.JWTService
}

func newStreamFixture(t *testing.T, cfg isolation.FactoryConfig) *streamFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{Secret: "integration-secret", Issuer: "agentgate"})
	require.NoError(t, err)

	factory := isolation.NewManagerFactory(cfg)
	t.Cleanup(func() { _ = factory.Shutdown(context.Background()) })

	router := gin.New()
	router.GET("/ws/agent", NewStreamHandler(factory, jwtSvc).Serve)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &streamFixture{server: srv, factory: factory, jwt: jwtSvc}
}

func (f *streamFixture) dial(t *testing.T, userID string, query string) *websocket.Conn {
	t.Helper()

	token, err := f.jwt.GenerateAccessToken(userID, "")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent?token=" + token
	if query != "" {
		url += "&" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForManager polls until the user's connection is registered, since the
// server attaches it after the upgrade handshake completes.
func (f *streamFixture) waitForManager(t *testing.T, userID string, connections int) *isolation.IsolatedManager {
	t.Helper()

	var manager *isolation.IsolatedManager
	require.Eventually(t, func() bool {
		m, ok := f.factory.Manager(userID)
		if !ok {
			return false
		}
		manager = m
		return manager.ConnectionCount() >= connections
	}, 2*time.Second, 10*time.Millisecond)
	return manager
}

func TestStreamEndpoint_RejectsMissingToken(t *testing.T) {
	f := newStreamFixture(t, isolation.FactoryConfig{})

	resp, err := http.Get(f.server.URL + "/ws/agent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamEndpoint_RejectsGarbageToken(t *testing.T) {
	f := newStreamFixture(t, isolation.FactoryConfig{})

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/ws/agent", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamEndpoint_DeliversEventsToClient(t *testing.T) {
	f := newStreamFixture(t, isolation.FactoryConfig{})

	client := f.dial(t, "alice", "thread_id=thread-1")
	manager := f.waitForManager(t, "alice", 1)

	require.NoError(t, manager.EmitCriticalEvent(context.Background(), events.AgentCompleted, map[string]any{"tokens": 42}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, events.AgentCompleted, msg["type"])
	require.Equal(t, true, msg["critical"])

	userCtx := msg["user_context"].(map[string]any)
	require.Equal(t, "alice", userCtx["user_id"])
}

func TestStreamEndpoint_IsolatesUsers(t *testing.T) {
	f := newStreamFixture(t, isolation.FactoryConfig{})

	alice := f.dial(t, "alice", "")
	bob := f.dial(t, "bob", "")
	aliceManager := f.waitForManager(t, "alice", 1)
	f.waitForManager(t, "bob", 1)

	require.NoError(t, aliceManager.SendToUser(context.Background(), map[string]any{"type": "secret"}))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := alice.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "secret")

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	require.Error(t, err)
}

func TestStreamEndpoint_DetachesOnClientDisconnect(t *testing.T) {
	f := newStreamFixture(t, isolation.FactoryConfig{})

	client := f.dial(t, "alice", "")
	manager := f.waitForManager(t, "alice", 1)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return manager.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamEndpoint_EnforcesManagerLimit(t *testing.T) {
	f := newStreamFixture(t, isolation.FactoryConfig{MaxManagersPerUser: 1})

	f.dial(t, "alice", "")
	f.waitForManager(t, "alice", 1)

	// A second device carries its own client id, which needs a second
	// manager the cap does not allow.
	token, err := f.jwt.GenerateAccessToken("alice", "phone")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
