package mcp

import (
	"errors"
	"fmt"
)

// Failure classes for the client core. Errors returned by this package
// wrap one of these sentinels so callers can classify outcomes with
// errors.Is instead of parsing messages.
var (
	// ErrLaunch means the server subprocess could not be spawned.
	ErrLaunch = errors.New("launch failed")

	// ErrWrite means a pipe-level failure writing to the server.
	ErrWrite = errors.New("write failed")

	// ErrRead means a pipe-level failure reading from the server.
	ErrRead = errors.New("read failed")

	// ErrTimeout means no response line arrived within the deadline.
	ErrTimeout = errors.New("timed out")

	// ErrDisconnected means the server closed its output stream before
	// a response line arrived.
	ErrDisconnected = errors.New("server disconnected")

	// ErrMalformed means the server sent a line that is not valid
	// JSON-RPC, or a response whose id does not match the outstanding
	// request.
	ErrMalformed = errors.New("malformed response")

	// ErrHandshakeFailed means the initialize exchange errored or
	// timed out. A session in this state is unusable and must be
	// discarded.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// ToolError is the failure outcome of a single tool invocation. The
// invoker converts every internal failure (launch, handshake, timeout,
// remote error) into a ToolError so callers deal with one error type
// carrying a human-readable message, never with session internals.
type ToolError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error {
	return e.Err
}
