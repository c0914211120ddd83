package hostbridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/wagiedev/hostbridge-go/internal/commands"
	"github.com/wagiedev/hostbridge-go/internal/commlog"
	"github.com/wagiedev/hostbridge-go/internal/config"
	"github.com/wagiedev/hostbridge-go/internal/dispatch"
	"github.com/wagiedev/hostbridge-go/internal/errors"
	"github.com/wagiedev/hostbridge-go/internal/mainthread"
	"github.com/wagiedev/hostbridge-go/internal/registry"
	"github.com/wagiedev/hostbridge-go/internal/security"
	"github.com/wagiedev/hostbridge-go/internal/server"
)

// MethodCapabilitiesChanged is the notification a host broadcasts when its
// command set or security policy changes.
const MethodCapabilitiesChanged = "notifications/capabilities_changed"

// Scheduler runs closures on the host's main thread.
type Scheduler = mainthread.Scheduler

// Host is the side of the bridge embedded in the host application. It
// accepts bridge connections, owns the command registry and runs every
// command on the host's main thread.
//
// Lifecycle:
//
//	host, err := hostbridge.NewHost(hostbridge.WithLogger(log))
//	if err != nil { ... }
//	defer host.Stop()
//
//	host.Discover(catalog)
//	if err := host.Start(ctx); err != nil { ... }
//
//	// In the host's frame loop:
//	host.Drain()
//
// Around a code reload call BeforeReload and AfterReload.
type Host struct {
	log  *slog.Logger
	opts config.HostOptions

	services commands.Services

	registry   *registry.Registry
	policy     *security.Policy
	queue      *mainthread.Queue
	dispatcher *dispatch.Dispatcher
	comm       *commlog.Logger
	history    *commlog.SQLiteSink
	server     *server.Server

	sourcesMu sync.Mutex
	sources   []registry.Source

	batching atomic.Int32
	changed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewHost creates a host with the fallback and protocol commands
// registered. It does not listen until Start.
func NewHost(opts ...Option) (*Host, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	logger := o.host.Logger

	h := &Host{
		log:      logger.With("component", "host"),
		opts:     o.host,
		services: o.services,
		registry: registry.New(logger),
		policy:   security.NewPolicy(o.host.Security),
		queue:    mainthread.NewQueue(logger, o.host.QueueCapacity),
	}

	h.dispatcher = dispatch.New(logger, h.registry, h.policy.Predicate(), h.queue)

	var sink commlog.Sink

	if o.host.HistoryPath != "" {
		h.history, err = commlog.OpenSQLiteSink(logger, o.host.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open communication history: %w", err)
		}

		sink = h.history
	}

	h.comm = commlog.New(logger, o.host.LogCapacity, sink)
	h.server = server.New(logger, server.Config{
		BindAddress:     o.host.BindAddress,
		Port:            o.host.Port,
		PortScanLimit:   o.host.PortScanLimit,
		ReadIdleTimeout: o.host.ClientIdleTimeout,
		WriteTimeout:    o.host.WriteTimeout,
	}, h.dispatcher, h.comm)

	if err := h.registerBuiltins(); err != nil {
		_ = h.closeHistory()

		return nil, err
	}

	h.registry.OnChange(h.commandsChanged)

	return h, nil
}

func (h *Host) registerBuiltins() error {
	if err := commands.RegisterFallback(h.registry, h.services); err != nil {
		return err
	}

	return commands.RegisterProtocol(h.registry, h.policy.Predicate(), h.server, h.comm)
}

// Start begins accepting bridge connections.
func (h *Host) Start(ctx context.Context) error {
	if err := h.server.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}

	return nil
}

// Stop closes every connection, fails queued main-thread work and closes
// the history database. A stopped host cannot be restarted.
func (h *Host) Stop() error {
	h.closeOnce.Do(func() {
		h.closeErr = stderrors.Join(
			h.server.Stop(),
			h.closeHistory(),
		)
		h.queue.Stop()
	})

	return h.closeErr
}

func (h *Host) closeHistory() error {
	if h.history == nil {
		return nil
	}

	return h.history.Close()
}

// Port returns the bound port, or the last bound port while stopped.
func (h *Host) Port() int {
	return h.server.Port()
}

// Running reports whether the host is accepting connections.
func (h *Host) Running() bool {
	return h.server.Running()
}

// ===== Main thread =====

// Drain runs queued command work on the calling goroutine and returns the
// number of closures executed. Call it from the host's own main loop.
func (h *Host) Drain() int {
	return h.queue.Drain()
}

// RunMainLoop drains command work continuously until ctx ends. Use it
// when the host has no loop of its own.
func (h *Host) RunMainLoop(ctx context.Context) error {
	return h.queue.Loop(ctx)
}

// MainThread returns the scheduler commands run on.
func (h *Host) MainThread() Scheduler {
	return h.queue
}

// ===== Commands =====

// Register adds or replaces a command.
func (h *Host) Register(d Descriptor, handler Handler) error {
	return h.registry.Register(d, handler)
}

// Unregister removes a command.
func (h *Host) Unregister(name string) bool {
	return h.registry.Unregister(name)
}

// Commands lists every registered command, including protocol commands.
func (h *Host) Commands() []Descriptor {
	return h.registry.List(nil)
}

// Discover registers every valid command from src and remembers src so the
// commands come back after a reload.
func (h *Host) Discover(src CommandSource) DiscoveryReport {
	h.sourcesMu.Lock()
	if !slices.Contains(h.sources, src) {
		h.sources = append(h.sources, src)
	}
	h.sourcesMu.Unlock()

	var report DiscoveryReport

	h.batch(func() {
		report = h.registry.Discover(src, h.opts.AllowedNamespaces)
	})

	return report
}

// ===== Security =====

// Security returns the current security settings.
func (h *Host) Security() SecuritySettings {
	return h.policy.Settings()
}

// SetSecurity replaces the security settings and tells connected bridges
// that their capabilities changed.
func (h *Host) SetSecurity(s SecuritySettings) {
	h.policy.Apply(s)
	h.log.Info("Security settings changed",
		"enabled", len(s.Enabled),
		"blocked", len(s.Blocked),
		"development_mode", s.DevelopmentMode,
	)
	h.broadcastChange()
}

// ===== Reload =====

// BeforeReload tears the listener and every connection down. Requests in
// flight get no response; bridges see a timeout or a lost connection and
// start polling.
func (h *Host) BeforeReload() error {
	h.log.Info("Tearing down for reload")

	return h.server.Stop()
}

// AfterReload rebuilds the command table from the builtins and every
// source passed to Discover, then listens again. Commands added with
// Register must be registered again by the caller.
func (h *Host) AfterReload(ctx context.Context) error {
	h.sourcesMu.Lock()
	sources := slices.Clone(h.sources)
	h.sourcesMu.Unlock()

	var err error

	h.batch(func() {
		h.registry.Reset()

		if err = h.registerBuiltins(); err != nil {
			return
		}

		for _, src := range sources {
			h.registry.Discover(src, h.opts.AllowedNamespaces)
		}
	})

	if err != nil {
		return fmt.Errorf("rebuild commands: %w", err)
	}

	h.log.Info("Reload finished", "commands", h.registry.Len())

	return h.Start(ctx)
}

// ===== Clients and logs =====

// Clients returns a snapshot of the connected bridges.
func (h *Host) Clients() []Client {
	return h.server.Clients()
}

// CommunicationLog returns the most recent request/response pairs, oldest first.
func (h *Host) CommunicationLog() []CommunicationEntry {
	return h.comm.Snapshot()
}

// ClearCommunicationLog empties the in-memory log. Persisted history is kept.
func (h *Host) ClearCommunicationLog() {
	h.comm.Clear()
}

// History returns up to limit persisted entries, newest first. It returns
// nil when no history path is configured.
func (h *Host) History(ctx context.Context, limit int) ([]CommunicationEntry, error) {
	if h.history == nil {
		return nil, nil
	}

	return h.history.Recent(ctx, limit)
}

// Broadcast sends a notification to every connected bridge.
func (h *Host) Broadcast(method string, params any) (int, error) {
	if !h.server.Running() {
		return 0, errors.ErrServerStopped
	}

	return h.server.Broadcast(method, params), nil
}

// batch runs fn with change broadcasts folded into at most one.
func (h *Host) batch(fn func()) {
	h.batching.Add(1)
	fn()

	if h.batching.Add(-1) == 0 && h.changed.Swap(false) {
		h.broadcastChange()
	}
}

func (h *Host) commandsChanged() {
	if h.batching.Load() > 0 {
		h.changed.Store(true)

		return
	}

	h.broadcastChange()
}

func (h *Host) broadcastChange() {
	if !h.server.Running() {
		return
	}

	n := h.server.Broadcast(MethodCapabilitiesChanged, map[string]any{
		"commandCount": h.registry.Len(),
	})

	h.log.Debug("Broadcast capability change", "clients", n)
}
