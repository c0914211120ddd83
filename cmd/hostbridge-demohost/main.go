// Command hostbridge-demohost is a stand-in host application. It runs a
// frame loop that drains bridge commands on its main thread, ships a few
// demo commands and reloads itself on SIGHUP.
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
	"golang.org/x/sync/errgroup"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

type flags struct {
	configFile  string
	port        int
	historyPath string
	frameRate   time.Duration
	development bool
	verbose     bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "hostbridge-demohost",
		Short:        "Run a demo host application for hostbridge",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML or TOML config file")
	fs.IntVarP(&f.port, "port", "p", 0, "preferred port (default $HOSTBRIDGE_PORT or 6400)")
	fs.StringVar(&f.historyPath, "history", "", "SQLite file for the communication history")
	fs.DurationVar(&f.frameRate, "frame", 16*time.Millisecond, "main loop frame interval")
	fs.BoolVar(&f.development, "dev", false, "expose development-only commands")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	return cmd
}

// hostOptions builds the host options from the flags. Flags are applied
// after the config file so they win over it.
func hostOptions(f flags, log *slog.Logger, logs *console) []hostbridge.Option {
	opts := []hostbridge.Option{
		hostbridge.WithLogger(log),
		hostbridge.WithCompiler(&demoCompiler{log: log}),
		hostbridge.WithLogSource(logs),
		hostbridge.WithTestRunner(demoTests{}),
	}

	if f.configFile != "" {
		opts = append(opts, hostbridge.WithConfigFile(f.configFile))
	}

	if f.development {
		opts = append(opts, hostbridge.WithDevelopmentMode(true))
	}

	if f.port > 0 {
		opts = append(opts, hostbridge.WithPort(f.port))
	}

	if f.historyPath != "" {
		opts = append(opts, hostbridge.WithHistoryPath(f.historyPath))
	}

	return opts
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}

	console := newConsole(200)
	log := slog.New(console.Handler(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	host, err := hostbridge.NewHost(hostOptions(f, log, console)...)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}

	defer func() {
		if err := host.Stop(); err != nil {
			log.Warn("Failed to stop host", "error", err)
		}
	}()

	report := host.Discover(catalog)
	for _, rejected := range report.Rejected {
		log.Warn("Command rejected", "error", rejected)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Start(ctx); err != nil {
		return err
	}

	log.Info("Demo host ready", "port", host.Port(), "commands", len(host.Commands()))

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	defer signal.Stop(reload)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return frameLoop(ctx, host, f.frameRate)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				if err := reloadHost(ctx, host); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// frameLoop stands in for the host's main loop: command work only ever
// runs here.
func frameLoop(ctx context.Context, host *hostbridge.Host, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			host.Drain()
		}
	}
}

func reloadHost(ctx context.Context, host *hostbridge.Host) error {
	if err := host.BeforeReload(); err != nil {
		return fmt.Errorf("tear down for reload: %w", err)
	}

	// A real host recompiles here.
	time.Sleep(250 * time.Millisecond)

	return host.AfterReload(ctx)
}
