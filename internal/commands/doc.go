// Package commands provides the commands every host ships with.
//
// The fallback set (ping, compile, get-logs, run-tests) is registered
// independently of discovery so a host always answers basic requests. The
// protocol set (list-commands, set-client-info, list-clients,
// get-communication-log) lets remote bridges introspect the host.
package commands
