package isolation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamloft/agentgate/internal/events"
	apperrors "github.com/streamloft/agentgate/pkg/errors"
)

func TestIsolatedManager_AddConnectionRejectsForeignUser(t *testing.T) {
	manager := newTestManager("alice")

	record := NewConnectionRecord("bob", "", newFakeTransport())
	err := manager.AddConnection(record)
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrUserMismatch)
	require.Equal(t, 0, manager.ConnectionCount())
}

func TestIsolatedManager_AddAndRemoveConnection(t *testing.T) {
	manager := newTestManager("alice")

	record := NewConnectionRecord("alice", "thread-1", newFakeTransport())
	require.NoError(t, manager.AddConnection(record))
	require.Equal(t, 1, manager.ConnectionCount())

	// Duplicate ids are a contract violation.
	require.Error(t, manager.AddConnection(record))

	require.NoError(t, manager.RemoveConnection(record.ConnectionID))
	require.Equal(t, 0, manager.ConnectionCount())

	// Removing an unknown connection is an ordinary no-op.
	require.NoError(t, manager.RemoveConnection("missing"))
}

func TestIsolatedManager_SendToUserDeliversToAllConnections(t *testing.T) {
	manager := newTestManager("alice")

	first := newFakeTransport()
	second := newFakeTransport()
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", first)))
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", second)))

	require.NoError(t, manager.SendToUser(context.Background(), map[string]any{"type": "x"}))

	for _, transport := range []*fakeTransport{first, second} {
		msgs := transport.messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "x", msgs[0]["type"])
	}
}

func TestIsolatedManager_SendToUserPreservesOrder(t *testing.T) {
	manager := newTestManager("alice")
	transport := newFakeTransport()
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", transport)))

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.SendToUser(context.Background(), map[string]any{"seq": i}))
	}

	msgs := transport.messages()
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		require.EqualValues(t, i, msg["seq"])
	}
}

func TestIsolatedManager_SendToThreadFiltersConnections(t *testing.T) {
	manager := newTestManager("alice")

	inThread := newFakeTransport()
	otherThread := newFakeTransport()
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "thread-1", inThread)))
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "thread-2", otherThread)))

	require.NoError(t, manager.SendToThread(context.Background(), "thread-1", map[string]any{"type": "chunk"}))

	require.Equal(t, 1, inThread.sentCount())
	require.Equal(t, 0, otherThread.sentCount())
}

func TestIsolatedManager_SendToUserWithoutConnections(t *testing.T) {
	manager := newTestManager("alice")

	err := manager.SendToUser(context.Background(), map[string]any{"type": "x"})
	require.NoError(t, err)

	parked := manager.RecoveredMessages()
	require.Len(t, parked, 1)
	require.Equal(t, ReasonNoConnections, parked[0].Reason)

	stats := manager.Stats()
	require.EqualValues(t, 1, stats.MessagesFailed)
	require.EqualValues(t, 0, stats.MessagesSent)
}

func TestIsolatedManager_SendPrunesDeadConnections(t *testing.T) {
	manager := newTestManager("alice")

	dead := newFakeTransport()
	dead.disconnect()
	live := newFakeTransport()
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", dead)))
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", live)))

	require.NoError(t, manager.SendToUser(context.Background(), map[string]any{"type": "x"}))

	require.Equal(t, 1, manager.ConnectionCount())
	require.Equal(t, 1, live.sentCount())
	require.True(t, dead.closed)
}

func TestIsolatedManager_SendFailureRemovesConnectionWithoutRaising(t *testing.T) {
	manager := newTestManager("alice")

	flaky := newFakeTransport()
	flaky.failSends(errors.New("broken pipe"))
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", flaky)))

	require.NoError(t, manager.SendToUser(context.Background(), map[string]any{"type": "x"}))
	require.Equal(t, 0, manager.ConnectionCount())

	stats := manager.Stats()
	require.NotZero(t, stats.MessagesFailed)
}

func TestIsolatedManager_EmitCriticalEventEnvelope(t *testing.T) {
	manager := newTestManager("alice")
	transport := newFakeTransport()
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", transport)))

	err := manager.EmitCriticalEvent(context.Background(), events.AgentCompleted, map[string]any{"tokens": 42})
	require.NoError(t, err)

	msgs := transport.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	require.Equal(t, events.AgentCompleted, msg["type"])
	require.Equal(t, true, msg["critical"])
	require.NotEmpty(t, msg["timestamp"])

	userCtx, ok := msg["user_context"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "alice", userCtx["user_id"])
	require.Equal(t, "req-1", userCtx["request_id"])

	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 42, data["tokens"])
}

func TestIsolatedManager_EmitCriticalEventValidation(t *testing.T) {
	manager := newTestManager("alice")

	err := manager.EmitCriticalEvent(context.Background(), "", nil)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrValidation.Code, appErr.Code)
}

func TestIsolatedManager_EmitCriticalEventRaisesOnDeliveryFailure(t *testing.T) {
	manager := newTestManager("alice")

	flaky := newFakeTransport()
	flaky.failSends(errors.New("write: connection reset"))
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", flaky)))

	err := manager.EmitCriticalEvent(context.Background(), events.AgentError, map[string]any{"detail": "boom"})
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrDeliveryFailed)
	require.NotEmpty(t, manager.RecoveredMessages())
}

func TestIsolatedManager_EmitCriticalEventWithoutConnectionsRaises(t *testing.T) {
	manager := newTestManager("alice")

	err := manager.EmitCriticalEvent(context.Background(), events.AgentCompleted, nil)
	require.Error(t, err)

	parked := manager.RecoveredMessages()
	require.Len(t, parked, 1)
	require.Equal(t, ReasonNoConnections, parked[0].Reason)
	require.Equal(t, events.AgentCompleted, parked[0].EventType)
}

func TestIsolatedManager_IsConnectionActiveIsolationBoundary(t *testing.T) {
	manager := newTestManager("alice")
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", newFakeTransport())))

	require.True(t, manager.IsConnectionActive("alice"))
	// Liveness queries about other users are answered false, never with
	// their data and never with an error.
	require.False(t, manager.IsConnectionActive("bob"))
}

func TestIsolatedManager_ConnectionHealthIsolationViolationShape(t *testing.T) {
	manager := newTestManager("alice")
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", newFakeTransport())))

	report := manager.ConnectionHealth("bob")
	require.Equal(t, "user_isolation_violation", report.Error)
	require.Equal(t, "bob", report.UserID)
	require.Empty(t, report.Connections)
	require.Zero(t, report.TotalConnections)

	own := manager.ConnectionHealth("alice")
	require.Empty(t, own.Error)
	require.Equal(t, 1, own.TotalConnections)
	require.Equal(t, 1, own.ActiveConnections)
}

func TestIsolatedManager_CleanupIsTerminal(t *testing.T) {
	manager := newTestManager("alice")
	transport := newFakeTransport()
	require.NoError(t, manager.AddConnection(NewConnectionRecord("alice", "", transport)))
	require.NoError(t, manager.SendToUser(context.Background(), map[string]any{"type": "x"}))

	require.NoError(t, manager.CleanupAllConnections(context.Background()))
	require.False(t, manager.Active())
	require.Equal(t, 0, manager.ConnectionCount())
	require.Empty(t, manager.RecoveredMessages())
	require.True(t, transport.closed)

	err := manager.AddConnection(NewConnectionRecord("alice", "", newFakeTransport()))
	require.ErrorIs(t, err, apperrors.ErrManagerInactive)

	err = manager.SendToUser(context.Background(), map[string]any{"type": "y"})
	require.ErrorIs(t, err, apperrors.ErrManagerInactive)

	_, err = manager.Connection("whatever")
	require.ErrorIs(t, err, apperrors.ErrManagerInactive)

	// Repeated cleanup stays a no-op.
	require.NoError(t, manager.CleanupAllConnections(context.Background()))
}

func TestIsolatedManager_CrossUserDeliveryNeverHappens(t *testing.T) {
	alice := newTestManager("alice")
	bob := newTestManager("bob")

	aliceConn := newFakeTransport()
	bobConn := newFakeTransport()
	require.NoError(t, alice.AddConnection(NewConnectionRecord("alice", "", aliceConn)))
	require.NoError(t, bob.AddConnection(NewConnectionRecord("bob", "", bobConn)))

	require.NoError(t, alice.SendToUser(context.Background(), map[string]any{"type": "secret"}))

	require.Equal(t, 1, aliceConn.sentCount())
	require.Equal(t, 0, bobConn.sentCount())
}
