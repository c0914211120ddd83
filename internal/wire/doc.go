// Package wire implements the JSON-RPC 2.0 envelope and newline framing used
// between the host and the remote bridge.
//
// Each frame is one JSON object terminated by a newline. Request ids are kept
// as raw JSON tokens so responses echo them with their original type.
package wire
