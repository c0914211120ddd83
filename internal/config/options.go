package config

import (
	"log/slog"
	"time"

	"github.com/wagiedev/hostbridge-go/internal/security"
)

const (
	// DefaultPort is the loopback port the host prefers.
	DefaultPort = 6400
	// DefaultPortScanLimit is how many ports above the preferred one are tried.
	DefaultPortScanLimit = 20
	// DefaultReconnectInterval is the polling period after a disconnect.
	DefaultReconnectInterval = 2 * time.Second
	// DefaultCommandTimeout is the advisory timeout sent with each request.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultTimeoutMargin is added to the advisory timeout on the remote side.
	DefaultTimeoutMargin = 5 * time.Second
	// DefaultLivenessTimeout bounds the ping issued before each call.
	DefaultLivenessTimeout = 3 * time.Second
	// DefaultLogCapacity is the size of the communication log ring.
	DefaultLogCapacity = 100
	// DefaultQueueCapacity is the main-thread queue buffer.
	DefaultQueueCapacity = 256
)

// HostOptions configures the host side.
type HostOptions struct {
	// Logger is the slog logger for debug output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// BindAddress is the listen address. Only loopback makes sense.
	BindAddress string

	// Port is the preferred port; busy ports are skipped up to PortScanLimit.
	Port          int
	PortScanLimit int

	// ClientIdleTimeout drops connections that stay silent this long.
	// Zero keeps idle connections open.
	ClientIdleTimeout time.Duration
	WriteTimeout      time.Duration

	// LogCapacity bounds the in-memory communication log.
	LogCapacity int

	// HistoryPath, when set, persists the communication log to a SQLite
	// database at that path.
	HistoryPath string

	// QueueCapacity bounds pending main-thread work.
	QueueCapacity int

	// Security seeds the command security policy.
	Security security.Settings

	// AllowedNamespaces restricts command discovery. Empty allows all.
	AllowedNamespaces []string
}

// BridgeOptions configures the remote side.
type BridgeOptions struct {
	// Logger is the slog logger for debug output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	Host          string
	Port          int
	PortScanRange int

	DialTimeout       time.Duration
	ReconnectInterval time.Duration
	CommandTimeout    time.Duration
	TimeoutMargin     time.Duration
	LivenessTimeout   time.Duration

	// ClientName is reported to the host via set-client-info.
	ClientName string

	// ServerName and ServerVersion identify the MCP server upstream.
	ServerName    string
	ServerVersion string
}

// DefaultHostOptions returns host options with every default applied.
func DefaultHostOptions() *HostOptions {
	return &HostOptions{
		BindAddress:   "127.0.0.1",
		Port:          DefaultPort,
		PortScanLimit: DefaultPortScanLimit,
		LogCapacity:   DefaultLogCapacity,
		QueueCapacity: DefaultQueueCapacity,
	}
}

// DefaultBridgeOptions returns bridge options with every default applied.
func DefaultBridgeOptions() *BridgeOptions {
	return &BridgeOptions{
		Host:              "127.0.0.1",
		Port:              DefaultPort,
		PortScanRange:     DefaultPortScanLimit,
		DialTimeout:       2 * time.Second,
		ReconnectInterval: DefaultReconnectInterval,
		CommandTimeout:    DefaultCommandTimeout,
		TimeoutMargin:     DefaultTimeoutMargin,
		LivenessTimeout:   DefaultLivenessTimeout,
		ClientName:        "hostbridge",
		ServerName:        "hostbridge",
		ServerVersion:     "dev",
	}
}
