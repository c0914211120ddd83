// Package mcp holds helpers for exposing host commands as Model Context
// Protocol tools on a go-sdk server.
//
// Descriptors received from the host become *mcp.Tool values with an object
// input schema; results travel back as text content carrying the host's JSON.
package mcp
