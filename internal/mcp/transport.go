package mcp

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level frame logging.
const LevelTrace = slog.Level(-8)

// Transport is the interface for MCP server communication. There are
// exactly two implementations: [StdioTransport] and [HTTPTransport].
// Each owns its [Correlator] and one background reader, so concurrent
// Calls on one transport are safe and each gets the response carrying
// its own id.
type Transport interface {
	// Connect establishes the connection and performs the initialize
	// handshake with the given params. On success the initialized
	// notification has been sent and the background reader is running.
	Connect(ctx context.Context, params any) (*Response, error)

	// Call sends a JSON-RPC request and waits for its response.
	Call(ctx context.Context, method string, params any) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error

	// Done is closed when the connection becomes unusable.
	Done() <-chan struct{}

	// Err reports why Done was closed, or nil while the connection is
	// usable.
	Err() error
}
