package isolation

import (
	"sync"
	"time"
)

// Failure reasons recorded with parked messages.
const (
	ReasonNoConnections = "no_connections"
	ReasonSendFailed    = "send_failed"
)

// RecoveredMessage is a message that failed delivery, retained for
// diagnostics and potential replay.
type RecoveredMessage struct {
	EventType string    `json:"event_type,omitempty"`
	Payload   any       `json:"payload"`
	Reason    string    `json:"reason"`
	QueuedAt  time.Time `json:"queued_at"`
}

// recoveryQueue is a bounded manager-local buffer. When full, the oldest
// entry is dropped to admit the newest.
type recoveryQueue struct {
	mu    sync.Mutex
	max   int
	items []RecoveredMessage
}

func newRecoveryQueue(max int) *recoveryQueue {
	if max <= 0 {
		max = defaultRecoveryQueueSize
	}
	return &recoveryQueue{max: max}
}

func (q *recoveryQueue) push(msg RecoveredMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
}

func (q *recoveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain returns and removes every parked message.
func (q *recoveryQueue) drain() []RecoveredMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// peek returns a copy of the parked messages without removing them.
func (q *recoveryQueue) peek() []RecoveredMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]RecoveredMessage, len(q.items))
	copy(items, q.items)
	return items
}
