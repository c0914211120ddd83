// Package server is the host-side connection manager.
//
// It owns the loopback listener, accepts remote bridges, decodes
// newline-delimited JSON-RPC frames, hands requests to the dispatcher and
// writes the responses back. It also tracks connected clients so they can be
// listed, renamed and notified.
package server
