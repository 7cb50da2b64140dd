package isolation

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/streamloft/agentgate/internal/events"
	apperrors "github.com/streamloft/agentgate/pkg/errors"
	"github.com/streamloft/agentgate/pkg/logger"
	"github.com/streamloft/agentgate/pkg/metrics"
)

const defaultRecoveryQueueSize = 100

// ManagerStats is a point-in-time snapshot of a manager's counters.
type ManagerStats struct {
	UserID             string    `json:"user_id"`
	IsolationKey       string    `json:"isolation_key"`
	Active             bool      `json:"active"`
	ConnectionCount    int       `json:"connection_count"`
	ConnectionsManaged uint64    `json:"connections_managed"`
	MessagesSent       uint64    `json:"messages_sent"`
	MessagesFailed     uint64    `json:"messages_failed"`
	RecoveryQueueLen   int       `json:"recovery_queue_len"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivity       time.Time `json:"last_activity"`
}

// ConnectionHealthDetail describes one connection inside a health report.
type ConnectionHealthDetail struct {
	ConnectionID string    `json:"connection_id"`
	Connected    bool      `json:"connected"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// HealthReport is returned by ConnectionHealth. When the queried user does
// not own the manager the Error field carries the isolation-violation shape
// instead of any real connection data.
type HealthReport struct {
	Error             string                   `json:"error,omitempty"`
	Message           string                   `json:"message,omitempty"`
	UserID            string                   `json:"user_id"`
	TotalConnections  int                      `json:"total_connections"`
	ActiveConnections int                      `json:"active_connections"`
	Connections       []ConnectionHealthDetail `json:"connections,omitempty"`
}

// IsolatedManager owns the live connections of exactly one user and pushes
// agent-execution events to them. All state inside a manager is private to
// its user; nothing here may be read or written on behalf of anyone else.
type IsolatedManager struct {
	userCtx  UserContext
	key      string
	registry *lifecycleRegistry
	recovery *recoveryQueue
	active   atomic.Bool

	mu                 sync.Mutex
	lastActivity       time.Time
	connectionsManaged uint64
	messagesSent       uint64
	messagesFailed     uint64

	createdAt time.Time
	timeNow   func() time.Time
	log       *zap.Logger
}

func newIsolatedManager(userCtx UserContext, recoveryQueueSize int, timeNow func() time.Time) *IsolatedManager {
	if timeNow == nil {
		timeNow = time.Now
	}
	m := &IsolatedManager{
		userCtx:   userCtx,
		key:       userCtx.IsolationKey(),
		registry:  newLifecycleRegistry(userCtx.UserID),
		recovery:  newRecoveryQueue(recoveryQueueSize),
		createdAt: timeNow(),
		timeNow:   timeNow,
		log:       logger.WithUser("isolation", userCtx.UserID),
	}
	m.lastActivity = m.createdAt
	m.active.Store(true)
	return m
}

// Context returns the owning user context.
func (m *IsolatedManager) Context() UserContext { return m.userCtx }

// Key returns the isolation key the factory cached this manager under.
func (m *IsolatedManager) Key() string { return m.key }

// Active reports whether the manager has not been cleaned up yet.
func (m *IsolatedManager) Active() bool { return m.active.Load() }

// CreatedAt returns the manager creation time.
func (m *IsolatedManager) CreatedAt() time.Time { return m.createdAt }

// LastActivity returns the most recent send/registration time. The factory's
// eviction sweep reads it; nothing mutates it from outside.
func (m *IsolatedManager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// ConnectionCount returns the number of registered connections.
func (m *IsolatedManager) ConnectionCount() int { return m.registry.count() }

// AddConnection registers a connection with this manager. Records owned by a
// different user are rejected, never adopted.
func (m *IsolatedManager) AddConnection(record *ConnectionRecord) error {
	if !m.active.Load() {
		return apperrors.ErrManagerInactive
	}

	if err := m.registry.register(record); err != nil {
		return err
	}

	m.mu.Lock()
	m.connectionsManaged++
	m.lastActivity = m.timeNow()
	m.mu.Unlock()

	metrics.ActiveConnections.Inc()
	m.log.Debug("connection registered",
		zap.String("connection_id", record.ConnectionID),
		zap.String("thread_id", record.ThreadID),
	)
	return nil
}

// RemoveConnection detaches a connection. Unknown ids are a logged no-op.
func (m *IsolatedManager) RemoveConnection(connectionID string) error {
	if !m.active.Load() {
		return apperrors.ErrManagerInactive
	}

	record := m.registry.unregister(connectionID)
	if record == nil {
		m.log.Debug("remove skipped, connection unknown", zap.String("connection_id", connectionID))
		return nil
	}

	metrics.ActiveConnections.Dec()
	m.log.Debug("connection removed", zap.String("connection_id", connectionID))
	return nil
}

// Connection returns the record for an id, or nil when unknown.
func (m *IsolatedManager) Connection(connectionID string) (*ConnectionRecord, error) {
	if !m.active.Load() {
		return nil, apperrors.ErrManagerInactive
	}
	return m.registry.get(connectionID), nil
}

// TouchConnection refreshes the activity timestamp for a connection, fed by
// the read loop when pongs or client frames arrive.
func (m *IsolatedManager) TouchConnection(connectionID string) {
	now := m.timeNow()
	m.registry.touch(connectionID, now)

	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

// IsConnectionActive reports whether the user has at least one live
// connection. A manager never answers liveness queries about another user:
// a foreign user id always yields false, not an error and not real data.
func (m *IsolatedManager) IsConnectionActive(userID string) bool {
	if userID != m.userCtx.UserID {
		return false
	}
	if !m.active.Load() {
		return false
	}

	for _, record := range m.registry.snapshot() {
		if record.Transport != nil && record.Transport.IsConnected() {
			return true
		}
	}
	return false
}

// SendToUser delivers a message to every live connection, best effort.
// Absence of connections and dead sockets are recoverable conditions: the
// message is parked in the recovery queue, counters move, the caller is not
// interrupted.
func (m *IsolatedManager) SendToUser(ctx context.Context, message any) error {
	_, err := m.deliver(ctx, "", "", message, false)
	return err
}

// SendToThread delivers a message to connections registered under the given
// thread only.
func (m *IsolatedManager) SendToThread(ctx context.Context, threadID string, message any) error {
	_, err := m.deliver(ctx, threadID, "", message, false)
	return err
}

// EmitCriticalEvent wraps data in the canonical event envelope and sends it.
// Unlike best-effort messages, a critical event that reaches no connection
// is surfaced to the caller after being parked for recovery.
func (m *IsolatedManager) EmitCriticalEvent(ctx context.Context, eventType string, data any) error {
	if eventType == "" {
		return apperrors.NewValidation("event type is required")
	}

	envelope := events.NewEnvelope(eventType, Sanitize(data), true,
		m.userCtx.UserID, m.userCtx.RequestID, m.timeNow())

	delivered, err := m.deliver(ctx, "", eventType, envelope, true)
	if err != nil {
		return err
	}
	if delivered == 0 {
		metrics.CriticalEventFailures.Inc()
		return apperrors.ErrDeliveryFailed.WithMessagef(
			"critical event %q reached no connection for user %q", eventType, m.userCtx.UserID)
	}
	return nil
}

func (m *IsolatedManager) deliver(ctx context.Context, threadID, eventType string, message any, critical bool) (int, error) {
	if !m.active.Load() {
		return 0, apperrors.ErrManagerInactive
	}

	now := m.timeNow()
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()

	payload, err := json.Marshal(Sanitize(message))
	if err != nil {
		// Sanitize keeps this from happening for ordinary payloads, but a
		// marshal failure still must not panic the send path.
		m.park(eventType, message, ReasonSendFailed)
		if critical {
			return 0, apperrors.ErrDeliveryFailed.WithInternal(err)
		}
		return 0, nil
	}

	records := m.registry.snapshot()
	if threadID != "" {
		filtered := records[:0]
		for _, record := range records {
			if record.ThreadID == threadID {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}

	if len(records) == 0 {
		m.park(eventType, message, ReasonNoConnections)
		metrics.EventsDelivered.WithLabelValues("queued").Inc()
		return 0, nil
	}

	delivered := 0
	for _, record := range records {
		if record.Transport == nil || !record.Transport.IsConnected() {
			m.pruneConnection(ctx, record, "transport disconnected")
			continue
		}

		if sendErr := record.Transport.Send(ctx, payload); sendErr != nil {
			m.log.Warn("send failed, pruning connection",
				zap.String("connection_id", record.ConnectionID),
				zap.Error(sendErr),
			)
			m.pruneConnection(ctx, record, "send error")
			continue
		}

		delivered++
		m.registry.touch(record.ConnectionID, now)
		metrics.EventsDelivered.WithLabelValues("delivered").Inc()
	}

	m.mu.Lock()
	m.messagesSent += uint64(delivered)
	m.mu.Unlock()

	if delivered == 0 {
		m.park(eventType, message, ReasonSendFailed)
	}
	return delivered, nil
}

func (m *IsolatedManager) pruneConnection(ctx context.Context, record *ConnectionRecord, cause string) {
	if removed := m.registry.unregister(record.ConnectionID); removed != nil {
		metrics.ActiveConnections.Dec()
	}
	if record.Transport != nil {
		_ = record.Transport.Close(ctx)
	}

	m.mu.Lock()
	m.messagesFailed++
	m.mu.Unlock()

	metrics.EventsDelivered.WithLabelValues("failed").Inc()
	m.log.Debug("connection pruned",
		zap.String("connection_id", record.ConnectionID),
		zap.String("cause", cause),
	)
}

func (m *IsolatedManager) park(eventType string, payload any, reason string) {
	m.recovery.push(RecoveredMessage{
		EventType: eventType,
		Payload:   payload,
		Reason:    reason,
		QueuedAt:  m.timeNow(),
	})

	m.mu.Lock()
	m.messagesFailed++
	m.mu.Unlock()

	metrics.RecoveryQueueDepth.Set(float64(m.recovery.len()))
}

// ConnectionHealth reports connection liveness for the owning user. Queries
// about any other user return the structured isolation-violation shape so
// callers can branch on it without ever seeing foreign data.
func (m *IsolatedManager) ConnectionHealth(userID string) HealthReport {
	if userID != m.userCtx.UserID {
		return HealthReport{
			Error:   "user_isolation_violation",
			Message: "manager does not answer health queries for other users",
			UserID:  userID,
		}
	}

	records := m.registry.snapshot()
	report := HealthReport{
		UserID:           userID,
		TotalConnections: len(records),
		Connections:      make([]ConnectionHealthDetail, 0, len(records)),
	}
	for _, record := range records {
		connected := record.Transport != nil && record.Transport.IsConnected()
		if connected {
			report.ActiveConnections++
		}
		report.Connections = append(report.Connections, ConnectionHealthDetail{
			ConnectionID: record.ConnectionID,
			Connected:    connected,
			ConnectedAt:  record.ConnectedAt,
			LastActivity: record.LastActivity,
		})
	}
	return report
}

// Stats returns a snapshot of the manager counters.
func (m *IsolatedManager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ManagerStats{
		UserID:             m.userCtx.UserID,
		IsolationKey:       m.key,
		Active:             m.active.Load(),
		ConnectionCount:    m.registry.count(),
		ConnectionsManaged: m.connectionsManaged,
		MessagesSent:       m.messagesSent,
		MessagesFailed:     m.messagesFailed,
		RecoveryQueueLen:   m.recovery.len(),
		CreatedAt:          m.createdAt,
		LastActivity:       m.lastActivity,
	}
}

// RecoveredMessages returns a copy of the parked messages for diagnostics.
func (m *IsolatedManager) RecoveredMessages() []RecoveredMessage {
	return m.recovery.peek()
}

// CleanupAllConnections deactivates the manager, closes and clears every
// connection, and empties the recovery queue. The transition is terminal:
// a cleaned-up manager never comes back, callers must create a new one.
func (m *IsolatedManager) CleanupAllConnections(ctx context.Context) error {
	if !m.active.CompareAndSwap(true, false) {
		return nil
	}

	records := m.registry.clear()
	for _, record := range records {
		if record.Transport != nil {
			_ = record.Transport.Close(ctx)
		}
		metrics.ActiveConnections.Dec()
	}
	m.recovery.drain()
	metrics.RecoveryQueueDepth.Set(0)

	m.log.Info("manager cleaned up", zap.Int("connections_closed", len(records)))
	return nil
}
