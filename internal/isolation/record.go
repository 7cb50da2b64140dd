package isolation

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionRecord wraps a raw transport handle with the metadata the
// lifecycle registry tracks for it.
type ConnectionRecord struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Transport    Transport `json:"-"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// NewConnectionRecord builds a record for a freshly accepted connection.
func NewConnectionRecord(userID, threadID string, transport Transport) *ConnectionRecord {
	now := time.Now()
	return &ConnectionRecord{
		ConnectionID: uuid.NewString(),
		UserID:       userID,
		ThreadID:     threadID,
		Transport:    transport,
		ConnectedAt:  now,
		LastActivity: now,
		Active:       true,
	}
}
