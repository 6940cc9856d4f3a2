package router

import "github.com/meawoppl/claude-code-portal/internal/protocol"

// Conn is the router's view of a live WebSocket connection, proxy or
// viewer. internal/wsserver implements this over a gorilla/websocket
// connection with a bounded outbound channel; the router never touches
// the socket directly, keeping per-session mutation single-threaded.
type Conn interface {
	// Send enqueues a frame for the connection's writer. It must not
	// block: it returns false when the queue is full (a slow consumer) or
	// the connection is closed. It does not close the connection itself;
	// the router closes an overflowing viewer with reason "slow-consumer".
	Send(f *protocol.Frame) bool

	// Close tears down the connection, signaling the given reason to
	// whatever is watching the writer goroutine.
	Close(reason string)

	// RemoteLabel identifies the connection for logging.
	RemoteLabel() string
}
