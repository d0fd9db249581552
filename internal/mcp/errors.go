package mcp

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by a transport or client wraps exactly
// one of these so callers can classify failures with [errors.Is].
var (
	// ErrConfig reports a missing or contradictory server setting.
	ErrConfig = errors.New("invalid server config")

	// ErrSpawn reports that a subprocess could not start or an HTTP
	// connection could not be opened.
	ErrSpawn = errors.New("connection could not be established")

	// ErrProtocol reports a malformed payload, an unexpected content
	// type, or a missing JSON-RPC envelope.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout reports that no matching response arrived within the
	// request budget. The connection stays usable.
	ErrTimeout = errors.New("request timed out")

	// ErrTransportClosed reports EOF on the subprocess stdout, a closed
	// stream, or a write to a dead connection.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotInitialized is returned by request methods called before
	// the handshake completed.
	ErrNotInitialized = errors.New("transport not initialized")

	// ErrInvalidArguments reports tool arguments rejected by the tool's
	// input schema before any request was sent.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrNoProcess is returned by Terminate when there is no live
	// subprocess.
	ErrNoProcess = errors.New("no subprocess to terminate")
)

// Error is a classified transport failure. Its message is the detail
// alone so that the rendered {"error": ...} payload stays readable; the
// kind is reachable through [errors.Is].
type Error struct {
	Kind error
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Err.Error()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// newError builds a classified error with a formatted detail message.
// Format verbs follow fmt.Errorf, so %w keeps the cause reachable.
func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewError builds a classified error for callers outside this package,
// such as the registry's descriptor validation.
func NewError(kind error, format string, args ...any) *Error {
	return newError(kind, format, args...)
}

// ErrorPayload renders err in the {"error": "..."} shape used by status
// views and the HTTP API. A nil error yields nil.
func ErrorPayload(err error) map[string]string {
	if err == nil {
		return nil
	}
	return map[string]string{"error": err.Error()}
}
