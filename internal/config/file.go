package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/wagiedev/hostbridge-go/internal/security"
)

// EnvPort overrides the configured port on both sides.
const EnvPort = "HOSTBRIDGE_PORT"

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// File is the on-disk configuration. Zero values leave options untouched.
type File struct {
	Port int `yaml:"port" toml:"port"`

	Host   HostSection   `yaml:"host" toml:"host"`
	Bridge BridgeSection `yaml:"bridge" toml:"bridge"`
}

// HostSection holds host-only settings.
type HostSection struct {
	BindAddress       string             `yaml:"bind_address" toml:"bind_address"`
	PortScanLimit     int                `yaml:"port_scan_limit" toml:"port_scan_limit"`
	ClientIdleTimeout Duration           `yaml:"client_idle_timeout" toml:"client_idle_timeout"`
	LogCapacity       int                `yaml:"log_capacity" toml:"log_capacity"`
	HistoryPath       string             `yaml:"history_path" toml:"history_path"`
	AllowedNamespaces []string           `yaml:"allowed_namespaces" toml:"allowed_namespaces"`
	Security          *security.Settings `yaml:"security" toml:"security"`
}

// BridgeSection holds remote-only settings.
type BridgeSection struct {
	Host              string   `yaml:"host" toml:"host"`
	PortScanRange     int      `yaml:"port_scan_range" toml:"port_scan_range"`
	ReconnectInterval Duration `yaml:"reconnect_interval" toml:"reconnect_interval"`
	CommandTimeout    Duration `yaml:"command_timeout" toml:"command_timeout"`
	TimeoutMargin     Duration `yaml:"timeout_margin" toml:"timeout_margin"`
	LivenessTimeout   Duration `yaml:"liveness_timeout" toml:"liveness_timeout"`
	ClientName        string   `yaml:"client_name" toml:"client_name"`
}

// LoadFile reads a configuration file. The format follows the extension:
// .yaml/.yml or .toml.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if f.Port < 0 || f.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", f.Port)
	}

	return &f, nil
}

// ApplyHost copies the file's non-zero settings onto o.
func (f *File) ApplyHost(o *HostOptions) {
	if f.Port != 0 {
		o.Port = f.Port
	}

	h := f.Host
	if h.BindAddress != "" {
		o.BindAddress = h.BindAddress
	}

	if h.PortScanLimit > 0 {
		o.PortScanLimit = h.PortScanLimit
	}

	if h.ClientIdleTimeout > 0 {
		o.ClientIdleTimeout = time.Duration(h.ClientIdleTimeout)
	}

	if h.LogCapacity > 0 {
		o.LogCapacity = h.LogCapacity
	}

	if h.HistoryPath != "" {
		o.HistoryPath = h.HistoryPath
	}

	if len(h.AllowedNamespaces) > 0 {
		o.AllowedNamespaces = h.AllowedNamespaces
	}

	if h.Security != nil {
		o.Security = *h.Security
	}
}

// ApplyBridge copies the file's non-zero settings onto o.
func (f *File) ApplyBridge(o *BridgeOptions) {
	if f.Port != 0 {
		o.Port = f.Port
	}

	b := f.Bridge
	if b.Host != "" {
		o.Host = b.Host
	}

	if b.PortScanRange > 0 {
		o.PortScanRange = b.PortScanRange
	}

	setDuration(&o.ReconnectInterval, b.ReconnectInterval)
	setDuration(&o.CommandTimeout, b.CommandTimeout)
	setDuration(&o.TimeoutMargin, b.TimeoutMargin)
	setDuration(&o.LivenessTimeout, b.LivenessTimeout)

	if b.ClientName != "" {
		o.ClientName = b.ClientName
	}
}

func setDuration(dst *time.Duration, d Duration) {
	if d > 0 {
		*dst = time.Duration(d)
	}
}

// PortFromEnv returns the port set in HOSTBRIDGE_PORT, if any.
func PortFromEnv() (int, bool, error) {
	val, ok := os.LookupEnv(EnvPort)
	if !ok || strings.TrimSpace(val) == "" {
		return 0, false, nil
	}

	port, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false, fmt.Errorf("invalid %s %q", EnvPort, val)
	}

	return port, true, nil
}

// ApplyEnv applies environment overrides to o.
func (o *HostOptions) ApplyEnv() error {
	port, ok, err := PortFromEnv()
	if err != nil {
		return err
	}

	if ok {
		o.Port = port
	}

	return nil
}

// ApplyEnv applies environment overrides to o.
func (o *BridgeOptions) ApplyEnv() error {
	port, ok, err := PortFromEnv()
	if err != nil {
		return err
	}

	if ok {
		o.Port = port
	}

	return nil
}
