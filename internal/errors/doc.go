// Package errors defines error types shared by the host and remote sides of
// the bridge.
//
// Sentinel errors cover lifecycle and dispatch conditions that callers check
// with errors.Is. Typed errors carry structured detail and unwrap to their
// cause, so errors.As and errors.AsType work across package boundaries.
package errors
