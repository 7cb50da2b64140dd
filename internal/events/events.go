// Package events defines the wire format for agent-execution events pushed
// to browser clients.
package events

import "time"

// Agent lifecycle event types emitted by executors.
const (
	AgentStarted   = "agent_started"
	AgentThinking  = "agent_thinking"
	ToolExecuting  = "tool_executing"
	ToolCompleted  = "tool_completed"
	AgentCompleted = "agent_completed"
	AgentError     = "agent_error"
)

// UserRef identifies the user the event was produced for. It travels inside
// the envelope so clients can double-check delivery targeting.
type UserRef struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id,omitempty"`
}

// Envelope is the canonical JSON shape written to websocket connections.
type Envelope struct {
	Type        string  `json:"type"`
	Data        any     `json:"data"`
	Critical    bool    `json:"critical"`
	UserContext UserRef `json:"user_context"`
	Timestamp   string  `json:"timestamp"`
}

// NewEnvelope builds an event envelope with an ISO-8601 timestamp.
func NewEnvelope(eventType string, data any, critical bool, userID, requestID string, at time.Time) Envelope {
	return Envelope{
		Type:     eventType,
		Data:     data,
		Critical: critical,
		UserContext: UserRef{
			UserID:    userID,
			RequestID: requestID,
		},
		Timestamp: at.Format(time.RFC3339),
	}
}
