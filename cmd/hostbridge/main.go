// Command hostbridge is the remote side of the bridge. It connects to a
// running host over loopback TCP and serves the host's commands as MCP
// tools on stdin/stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

// Version is set at build time.
var Version = "dev"

type flags struct {
	configFile        string
	host              string
	port              int
	portScanRange     int
	clientName        string
	reconnectInterval time.Duration
	commandTimeout    time.Duration
	verbose           bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "hostbridge",
		Short: "Expose a host application's commands as MCP tools",
		Long: `hostbridge connects to a host application listening on a loopback
port and serves every command the host exposes as an MCP tool over stdio.

The bridge survives host restarts: it polls until the host is back and
refreshes the tool list whenever the host's commands change.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML or TOML config file")
	fs.StringVar(&f.host, "host", "", "host address (default 127.0.0.1)")
	fs.IntVarP(&f.port, "port", "p", 0, "host port (default $HOSTBRIDGE_PORT or 6400)")
	fs.IntVar(&f.portScanRange, "port-scan", -1, "ports above --port to probe")
	fs.StringVar(&f.clientName, "client-name", "", "name reported to the host")
	fs.DurationVar(&f.reconnectInterval, "reconnect-interval", 0, "polling period while the host is down")
	fs.DurationVar(&f.commandTimeout, "command-timeout", 0, "default advisory command timeout")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging on stderr")

	return cmd
}

func (f flags) options(log *slog.Logger) []hostbridge.Option {
	opts := []hostbridge.Option{
		hostbridge.WithLogger(log),
		hostbridge.WithServerInfo("hostbridge", Version),
	}

	if f.configFile != "" {
		opts = append(opts, hostbridge.WithConfigFile(f.configFile))
	}

	if f.host != "" {
		opts = append(opts, hostbridge.WithHostAddress(f.host))
	}

	if f.port > 0 {
		opts = append(opts, hostbridge.WithPort(f.port))
	}

	if f.portScanRange >= 0 {
		opts = append(opts, hostbridge.WithPortScanLimit(f.portScanRange))
	}

	if f.clientName != "" {
		opts = append(opts, hostbridge.WithClientName(f.clientName))
	}

	if f.reconnectInterval > 0 {
		opts = append(opts, hostbridge.WithReconnectInterval(f.reconnectInterval))
	}

	if f.commandTimeout > 0 {
		opts = append(opts, hostbridge.WithCommandTimeout(f.commandTimeout))
	}

	return opts
}

func run(cmd *cobra.Command, f flags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}

	// stdout carries MCP frames; logs go to stderr.
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := hostbridge.NewBridge(f.options(log)...)
	if err != nil {
		return fmt.Errorf("configure bridge: %w", err)
	}

	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("Failed to close bridge", "error", err)
		}
	}()

	b.Start(ctx)

	log.Info("Serving MCP on stdio", "host_state", b.Status().State, "version", Version)

	if err := b.ServeStdio(ctx); err != nil && !isShutdown(ctx, err) {
		return fmt.Errorf("serve mcp: %w", err)
	}

	return nil
}

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
