// Package capability mirrors the host's live command list onto an MCP tool
// surface.
//
// A Builder asks the host for list-commands, turns every descriptor into a
// tool whose handler forwards to the bridge, and diff-applies the result so
// MCP clients see tools/list_changed only for real changes. Rebuilds are
// coalesced: at most one runs at a time, and a trigger that lands while one is
// running causes exactly one more pass.
package capability
