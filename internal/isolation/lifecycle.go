package isolation

import (
	"sync"
	"time"

	apperrors "github.com/streamloft/agentgate/pkg/errors"
)

// lifecycleRegistry holds and validates the connection set for exactly one
// user. Ownership is enforced at insertion, not trusted from the caller.
type lifecycleRegistry struct {
	mu      sync.RWMutex
	ownerID string
	conns   map[string]*ConnectionRecord
}

func newLifecycleRegistry(ownerID string) *lifecycleRegistry {
	return &lifecycleRegistry{
		ownerID: ownerID,
		conns:   make(map[string]*ConnectionRecord),
	}
}

// register stores the record after validating ownership and id uniqueness.
func (r *lifecycleRegistry) register(record *ConnectionRecord) error {
	if record == nil {
		return apperrors.NewValidation("connection record is required")
	}
	if record.ConnectionID == "" {
		return apperrors.NewValidation("connection id is required")
	}
	if record.UserID != r.ownerID {
		return apperrors.ErrUserMismatch.WithMessagef(
			"connection for user %q cannot join manager owned by %q", record.UserID, r.ownerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[record.ConnectionID]; exists {
		return apperrors.NewValidation("connection id already registered: " + record.ConnectionID)
	}

	if record.LastActivity.IsZero() {
		record.LastActivity = time.Now()
	}
	record.Active = true
	r.conns[record.ConnectionID] = record
	return nil
}

// unregister removes the record if present. Unknown ids are a no-op, not an
// error.
func (r *lifecycleRegistry) unregister(connectionID string) *ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.conns[connectionID]
	if !exists {
		return nil
	}
	delete(r.conns, connectionID)
	record.Active = false
	return record
}

func (r *lifecycleRegistry) get(connectionID string) *ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connectionID]
}

// touch refreshes the health timestamp read by the factory's eviction sweep.
func (r *lifecycleRegistry) touch(connectionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record, exists := r.conns[connectionID]; exists {
		record.LastActivity = at
	}
}

// snapshot returns the current records. Callers must not mutate them outside
// registry methods.
func (r *lifecycleRegistry) snapshot() []*ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*ConnectionRecord, 0, len(r.conns))
	for _, record := range r.conns {
		records = append(records, record)
	}
	return records
}

func (r *lifecycleRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// clear empties the registry and returns the removed records so the caller
// can close their transports.
func (r *lifecycleRegistry) clear() []*ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*ConnectionRecord, 0, len(r.conns))
	for id, record := range r.conns {
		record.Active = false
		records = append(records, record)
		delete(r.conns, id)
	}
	return records
}
