package hostbridge

import "github.com/wagiedev/hostbridge-go/internal/errors"

// Re-export error types from internal package

// BridgeError is implemented by every typed error in this module.
type BridgeError = errors.BridgeError

// ConnectionError indicates the bridge could not reach the host.
type ConnectionError = errors.ConnectionError

// RPCError is an error response returned by the host.
type RPCError = errors.RPCError

// FrameDecodeError indicates a frame was not valid JSON-RPC.
type FrameDecodeError = errors.FrameDecodeError

// HandlerError wraps a failure raised by a command handler.
type HandlerError = errors.HandlerError

// DiscoveryError describes a rejected command candidate.
type DiscoveryError = errors.DiscoveryError

// Re-export sentinel errors from internal package.
var (
	// ErrBridgeNotConnected indicates no host connection is available.
	ErrBridgeNotConnected = errors.ErrBridgeNotConnected

	// ErrBridgeClosed indicates the bridge has been closed and cannot be reused.
	ErrBridgeClosed = errors.ErrBridgeClosed

	// ErrRequestTimeout indicates the host did not answer in time.
	ErrRequestTimeout = errors.ErrRequestTimeout

	// ErrConnectionLost indicates the connection dropped while a request was pending.
	ErrConnectionLost = errors.ErrConnectionLost

	// ErrServerStopped indicates the host listener is not running.
	ErrServerStopped = errors.ErrServerStopped

	// ErrUnknownCommand indicates no command is registered under the name.
	ErrUnknownCommand = errors.ErrUnknownCommand

	// ErrCommandBlocked indicates the security policy refused the command.
	ErrCommandBlocked = errors.ErrCommandBlocked

	// ErrInvalidParams indicates params failed schema validation or decoding.
	ErrInvalidParams = errors.ErrInvalidParams

	// ErrMainThreadStopped indicates the main-thread queue no longer runs work.
	ErrMainThreadStopped = errors.ErrMainThreadStopped

	// ErrCollaboratorMissing indicates a fallback command has no host service.
	ErrCollaboratorMissing = errors.ErrCollaboratorMissing
)
