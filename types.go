package hostbridge

import (
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/hostbridge-go/internal/bridge"
	"github.com/wagiedev/hostbridge-go/internal/capability"
	"github.com/wagiedev/hostbridge-go/internal/commands"
	"github.com/wagiedev/hostbridge-go/internal/commlog"
	mcptools "github.com/wagiedev/hostbridge-go/internal/mcp"
	"github.com/wagiedev/hostbridge-go/internal/registry"
	"github.com/wagiedev/hostbridge-go/internal/security"
	"github.com/wagiedev/hostbridge-go/internal/server"
)

// Re-export command types for public API.
type (
	// Descriptor is the metadata a host advertises for a command.
	Descriptor = registry.Descriptor

	// Invocation carries params and caller identity to a handler.
	Invocation = registry.Invocation

	// Caller identifies the client that issued an invocation.
	Caller = registry.Caller

	// Handler executes a command.
	Handler = registry.Handler

	// HandlerFunc adapts a function to Handler.
	HandlerFunc = registry.HandlerFunc

	// Command is a self-describing handler that discovery can instantiate.
	Command = registry.Command

	// Marker flags a struct as a discoverable command. Embed it.
	Marker = registry.Marker

	// Candidate is a type offered to discovery.
	Candidate = registry.Candidate

	// CommandSource yields discovery candidates.
	CommandSource = registry.Source

	// Catalog is a CommandSource filled by explicit Provide calls.
	Catalog = registry.Catalog

	// DiscoveryReport summarises a discovery pass.
	DiscoveryReport = registry.Report

	// Schema is a JSON Schema object for command parameters.
	Schema = jsonschema.Schema
)

// SimpleSchema builds an object schema from a property-to-type map such as
// {"path": "string", "line": "int"}. Every property is required.
func SimpleSchema(props map[string]string) *Schema {
	return mcptools.SimpleSchema(props)
}

// CandidateFor builds a discovery candidate for T by reflection.
func CandidateFor[T Command]() Candidate {
	return registry.CandidateFor[T]()
}

// Re-export host-side types.
type (
	// Client describes a connected remote bridge.
	Client = server.Client

	// CommunicationEntry is one logged request/response pair.
	CommunicationEntry = commlog.Entry

	// SecuritySettings is the serialisable security policy.
	SecuritySettings = security.Settings

	// SecuritySetting names an opt-in capability a command may require.
	SecuritySetting = security.Setting

	// Compiler, LogSource and TestRunner back the fallback commands.
	Compiler   = commands.Compiler
	LogSource  = commands.LogSource
	TestRunner = commands.TestRunner

	CompileReport = commands.CompileReport
	LogEntry      = commands.LogEntry
	LogQuery      = commands.LogQuery
	TestRequest   = commands.TestRequest
	TestResult    = commands.TestResult
	TestReport    = commands.TestReport
)

// Security settings a command may require.
const (
	SettingShell         = security.SettingShell
	SettingFileWrite     = security.SettingFileWrite
	SettingMenuExecution = security.SettingMenuExecution
	SettingCodeExecution = security.SettingCodeExecution
)

// Re-export remote-side types.
type (
	// BridgeStatus is a point-in-time view of a bridge connection.
	BridgeStatus = bridge.Status

	// CapabilitySnapshot describes the tool table after a rebuild.
	CapabilitySnapshot = capability.Snapshot

	// CallOption configures a single Bridge.Call.
	CallOption = bridge.CallOption
)

// WithCallTimeout sets the advisory timeout of one call. The bridge waits
// for this long plus the configured margin.
func WithCallTimeout(d time.Duration) CallOption {
	return bridge.WithTimeout(d)
}
