package hostbridge

import (
	"log/slog"
	"time"

	"github.com/wagiedev/hostbridge-go/internal/commands"
	"github.com/wagiedev/hostbridge-go/internal/config"
)

// Option configures a Host or a Bridge using the functional options
// pattern. Options that only concern one side are ignored by the other.
type Option func(*options)

type options struct {
	host   config.HostOptions
	bridge config.BridgeOptions

	services commands.Services

	// portSet records an explicit WithPort, which beats HOSTBRIDGE_PORT.
	portSet bool
	err     error
}

// applyOptions applies defaults, then opts in order, then environment
// overrides.
func applyOptions(opts []Option) (*options, error) {
	o := &options{
		host:   *config.DefaultHostOptions(),
		bridge: *config.DefaultBridgeOptions(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.err != nil {
		return nil, o.err
	}

	if !o.portSet {
		if err := o.host.ApplyEnv(); err != nil {
			return nil, err
		}

		if err := o.bridge.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	if o.host.Logger == nil {
		o.host.Logger = NopLogger()
	}

	if o.bridge.Logger == nil {
		o.bridge.Logger = NopLogger()
	}

	return o, nil
}

// ===== Shared =====

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.host.Logger = logger
		o.bridge.Logger = logger
	}
}

// WithPort sets the preferred host port. It takes precedence over the
// HOSTBRIDGE_PORT environment variable.
func WithPort(port int) Option {
	return func(o *options) {
		o.host.Port = port
		o.bridge.Port = port
		o.portSet = true
	}
}

// WithPortScanLimit sets how many ports above the preferred one the host
// tries when it is busy, and the bridge probes when connecting.
func WithPortScanLimit(n int) Option {
	return func(o *options) {
		o.host.PortScanLimit = n
		o.bridge.PortScanRange = n
	}
}

// WithConfigFile loads a YAML or TOML file. Settings in the file override
// defaults and options given before it; later options override the file.
func WithConfigFile(path string) Option {
	return func(o *options) {
		f, err := config.LoadFile(path)
		if err != nil {
			o.err = err

			return
		}

		f.ApplyHost(&o.host)
		f.ApplyBridge(&o.bridge)
	}
}

// ===== Host =====

// WithBindAddress sets the host listen address.
func WithBindAddress(addr string) Option {
	return func(o *options) {
		o.host.BindAddress = addr
	}
}

// WithLogCapacity sets how many request/response pairs the host keeps.
func WithLogCapacity(n int) Option {
	return func(o *options) {
		o.host.LogCapacity = n
	}
}

// WithHistoryPath persists the communication log to a SQLite database.
func WithHistoryPath(path string) Option {
	return func(o *options) {
		o.host.HistoryPath = path
	}
}

// WithQueueCapacity sets the main-thread queue buffer.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		o.host.QueueCapacity = n
	}
}

// WithClientIdleTimeout drops host connections that send nothing for d.
func WithClientIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.host.ClientIdleTimeout = d
	}
}

// WithSecurity sets the initial security policy.
func WithSecurity(s SecuritySettings) Option {
	return func(o *options) {
		o.host.Security = s
	}
}

// WithDevelopmentMode turns development mode on or off without touching
// the rest of the security policy.
func WithDevelopmentMode(on bool) Option {
	return func(o *options) {
		o.host.Security.DevelopmentMode = on
	}
}

// WithAllowedNamespaces restricts which namespaces discovery accepts.
func WithAllowedNamespaces(namespaces ...string) Option {
	return func(o *options) {
		o.host.AllowedNamespaces = namespaces
	}
}

// WithCompiler backs the compile command.
func WithCompiler(c Compiler) Option {
	return func(o *options) {
		o.services.Compiler = c
	}
}

// WithLogSource backs the get-logs command.
func WithLogSource(s LogSource) Option {
	return func(o *options) {
		o.services.Logs = s
	}
}

// WithTestRunner backs the run-tests command.
func WithTestRunner(r TestRunner) Option {
	return func(o *options) {
		o.services.Tests = r
	}
}

// ===== Bridge =====

// WithHostAddress sets the address the bridge dials.
func WithHostAddress(host string) Option {
	return func(o *options) {
		o.bridge.Host = host
	}
}

// WithReconnectInterval sets the polling period after a disconnect.
func WithReconnectInterval(d time.Duration) Option {
	return func(o *options) {
		o.bridge.ReconnectInterval = d
	}
}

// WithCommandTimeout sets the default advisory timeout sent with requests.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		o.bridge.CommandTimeout = d
	}
}

// WithTimeoutMargin sets the slack added to the advisory timeout before
// the bridge gives up on a request.
func WithTimeoutMargin(d time.Duration) Option {
	return func(o *options) {
		o.bridge.TimeoutMargin = d
	}
}

// WithLivenessTimeout bounds the ping issued before each call.
func WithLivenessTimeout(d time.Duration) Option {
	return func(o *options) {
		o.bridge.LivenessTimeout = d
	}
}

// WithClientName sets the name the bridge reports to the host.
func WithClientName(name string) Option {
	return func(o *options) {
		o.bridge.ClientName = name
	}
}

// WithServerInfo sets the MCP implementation name and version.
func WithServerInfo(name, version string) Option {
	return func(o *options) {
		o.bridge.ServerName = name
		o.bridge.ServerVersion = version
	}
}
