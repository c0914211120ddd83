// Package bridge is the remote side of the host connection.
//
// A Bridge owns one outbound TCP socket to the host. It correlates
// requests with responses through a pending table keyed by ULID, routes
// host notifications to registered handlers and, when the socket drops,
// fails every pending request and polls until the host is back.
//
// State machine:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> (socket closed) -> Polling -> Connecting -> Connected
//	any -> Closed
package bridge
