package isolation

import "context"

// Transport is the minimal capability surface the isolation core requires
// from a connection handle. The websocket adapter in internal/transport
// implements it; tests substitute in-memory fakes.
type Transport interface {
	// Send writes a serialized message to the peer. Implementations must
	// preserve submission order for a single connection.
	Send(ctx context.Context, payload []byte) error

	// Ping probes liveness. A probe that errors or outlives ctx is treated
	// as a dead connection by the health assessor.
	Ping(ctx context.Context) error

	// IsConnected reports the transport-level connection state.
	IsConnected() bool

	// Close tears the connection down. Safe to call more than once.
	Close(ctx context.Context) error
}
