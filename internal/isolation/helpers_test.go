package isolation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport for unit tests.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	connected bool
	closed    bool
	sendErr   error
	pingErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeTransport) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

func (f *fakeTransport) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	decoded := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err == nil {
			decoded = append(decoded, msg)
		}
	}
	return decoded
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func testContext(userID string) UserContext {
	return UserContext{
		UserID:    userID,
		ThreadID:  "thread-1",
		RunID:     "run-1",
		RequestID: "req-1",
	}
}

func newTestManager(userID string) *IsolatedManager {
	return newIsolatedManager(testContext(userID), 10, time.Now)
}
