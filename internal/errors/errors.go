package errors

import (
	"errors"
	"fmt"
)

// BridgeError is the base interface for all typed bridge errors.
type BridgeError interface {
	error
	IsBridgeError() bool
}

// Compile-time verification that all error types implement BridgeError.
var (
	_ BridgeError = (*ConnectionError)(nil)
	_ BridgeError = (*RPCError)(nil)
	_ BridgeError = (*FrameDecodeError)(nil)
	_ BridgeError = (*HandlerError)(nil)
	_ BridgeError = (*DiscoveryError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrBridgeNotConnected indicates the remote bridge has no live socket.
	ErrBridgeNotConnected = errors.New("bridge not connected")

	// ErrBridgeClosed indicates the bridge has been closed and cannot be reused.
	ErrBridgeClosed = errors.New("bridge closed")

	// ErrRequestTimeout indicates a request received no response in time.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionLost indicates the socket closed while a request was pending.
	ErrConnectionLost = errors.New("connection lost")

	// ErrServerStopped indicates the host listener is not running.
	ErrServerStopped = errors.New("server stopped")

	// ErrUnknownCommand indicates no command is registered under the requested name.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrCommandBlocked indicates the security policy refused the command.
	ErrCommandBlocked = errors.New("command blocked by security settings")

	// ErrInvalidParams indicates the params failed schema validation.
	ErrInvalidParams = errors.New("invalid params")

	// ErrMainThreadStopped indicates the main-thread queue no longer accepts work.
	ErrMainThreadStopped = errors.New("main thread stopped")

	// ErrCollaboratorMissing indicates a fallback command has no host service behind it.
	ErrCollaboratorMissing = errors.New("host service not available")
)

// ConnectionError indicates failure to reach the host endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ConnectionError) IsBridgeError() bool { return true }

// RPCError is an error response returned by the host.
type RPCError struct {
	Code    int
	Message string
	Data    map[string]any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsBridgeError implements BridgeError.
func (e *RPCError) IsBridgeError() bool { return true }

// FrameDecodeError indicates a frame could not be parsed as JSON-RPC.
// The raw frame is preserved for logging.
type FrameDecodeError struct {
	RawData string
	Err     error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("failed to decode frame: %v", e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *FrameDecodeError) IsBridgeError() bool { return true }

// HandlerError wraps a failure raised by a command handler.
type HandlerError struct {
	Command string
	Panic   bool
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("command %s panicked: %v", e.Command, e.Err)
	}

	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *HandlerError) IsBridgeError() bool { return true }

// DiscoveryError records a command candidate rejected during discovery.
type DiscoveryError struct {
	Candidate string
	Reason    string
	Err       error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skipping command candidate %s: %s: %v", e.Candidate, e.Reason, e.Err)
	}

	return fmt.Sprintf("skipping command candidate %s: %s", e.Candidate, e.Reason)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *DiscoveryError) IsBridgeError() bool { return true }
