package capability

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/wagiedev/hostbridge-go/internal/bridge"
	"github.com/wagiedev/hostbridge-go/internal/commands"
	"github.com/wagiedev/hostbridge-go/internal/errors"
	mcptools "github.com/wagiedev/hostbridge-go/internal/mcp"
	"github.com/wagiedev/hostbridge-go/internal/registry"
)

// ToolSurface is the part of an MCP server the builder mutates.
type ToolSurface interface {
	AddTool(t *mcp.Tool, h mcp.ToolHandler)
	RemoveTools(names ...string)
}

var _ ToolSurface = (*mcp.Server)(nil)

// Caller sends a request to the host.
type Caller interface {
	Call(ctx context.Context, method string, params any, opts ...bridge.CallOption) (json.RawMessage, error)
}

var _ Caller = (*bridge.Bridge)(nil)

// Snapshot describes the tool table after a rebuild.
type Snapshot struct {
	Version uint64   `json:"version"`
	Tools   []string `json:"tools"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Changed reports whether the rebuild altered the tool table.
func (s Snapshot) Changed() bool {
	return len(s.Added) > 0 || len(s.Removed) > 0
}

type entry struct {
	descriptor  registry.Descriptor
	fingerprint string
}

// Builder keeps an MCP tool surface in sync with the host's commands.
type Builder struct {
	log     *slog.Logger
	caller  Caller
	surface ToolSurface

	group singleflight.Group
	dirty atomic.Bool

	mu       sync.RWMutex
	baseline map[string]struct{}
	table    map[string]entry
	version  uint64

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// New creates a Builder that forwards tool calls through caller and
// publishes tools on surface.
func New(log *slog.Logger, caller Caller, surface ToolSurface) *Builder {
	return &Builder{
		log:      log.With("component", "capability"),
		caller:   caller,
		surface:  surface,
		baseline: make(map[string]struct{}, 2),
		table:    make(map[string]entry, 16),
	}
}

// AddBaseline publishes a tool that is always present, regardless of what
// the host exposes. Host commands with the same name are ignored.
func (b *Builder) AddBaseline(tool *mcp.Tool, h mcp.ToolHandler) {
	b.mu.Lock()
	b.baseline[tool.Name] = struct{}{}
	b.mu.Unlock()

	b.surface.AddTool(tool, h)
}

// OnChanged registers fn to run after every rebuild that changed the table.
func (b *Builder) OnChanged(fn func(Snapshot)) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()

	b.listeners = append(b.listeners, fn)
}

// Snapshot returns the current table.
func (b *Builder) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		Version: b.version,
		Tools:   slices.Sorted(maps.Keys(b.table)),
	}
}

// Trigger rebuilds and logs failures. It suits use as a bridge callback.
func (b *Builder) Trigger(ctx context.Context) {
	if _, err := b.Rebuild(ctx); err != nil {
		b.log.Warn("Capability rebuild failed", "error", err)
	}
}

// Rebuild refreshes the tool table from the host. Concurrent calls share a
// single rebuild; a call that arrives while one is in flight forces another
// pass before the shared result is returned.
func (b *Builder) Rebuild(ctx context.Context) (Snapshot, error) {
	b.dirty.Store(true)

	for {
		v, err, _ := b.group.Do("rebuild", func() (any, error) {
			var last Snapshot

			for b.dirty.Swap(false) {
				snap, err := b.rebuildOnce(ctx)
				if err != nil {
					return last, err
				}

				last = snap
			}

			return last, nil
		})

		snap, _ := v.(Snapshot)
		if err != nil || !b.dirty.Load() {
			return snap, err
		}
	}
}

func (b *Builder) rebuildOnce(ctx context.Context) (Snapshot, error) {
	raw, err := b.caller.Call(ctx, commands.NameListCommands, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list commands: %w", err)
	}

	var listed commands.ListCommandsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return Snapshot{}, fmt.Errorf("decode command list: %w", err)
	}

	b.mu.RLock()
	desired := make(map[string]entry, len(listed.Commands))

	for _, d := range listed.Commands {
		if d.Name == "" {
			continue
		}

		if _, ok := b.baseline[d.Name]; ok {
			continue
		}

		fp, err := json.Marshal(d)
		if err != nil {
			b.mu.RUnlock()

			return Snapshot{}, fmt.Errorf("fingerprint %s: %w", d.Name, err)
		}

		desired[d.Name] = entry{descriptor: d, fingerprint: string(fp)}
	}

	var added, removed []string

	for name := range b.table {
		if _, ok := desired[name]; !ok {
			removed = append(removed, name)
		}
	}

	for name, e := range desired {
		if old, ok := b.table[name]; !ok || old.fingerprint != e.fingerprint {
			added = append(added, name)
		}
	}
	b.mu.RUnlock()

	slices.Sort(added)
	slices.Sort(removed)

	if len(removed) > 0 {
		b.surface.RemoveTools(removed...)
	}

	for _, name := range added {
		d := desired[name].descriptor
		b.surface.AddTool(mcptools.ToolFromDescriptor(d), b.forward(d.Name))
	}

	b.mu.Lock()
	b.table = desired
	if len(added) > 0 || len(removed) > 0 {
		b.version++
	}

	snap := Snapshot{
		Version: b.version,
		Tools:   slices.Sorted(maps.Keys(desired)),
		Added:   added,
		Removed: removed,
	}
	b.mu.Unlock()

	if snap.Changed() {
		b.log.Info("Capabilities changed",
			"version", snap.Version,
			"tools", len(snap.Tools),
			"added", len(added),
			"removed", len(removed),
		)

		b.notify(snap)
	} else {
		b.log.Debug("Capabilities unchanged", "version", snap.Version, "tools", len(snap.Tools))
	}

	return snap, nil
}

func (b *Builder) notify(snap Snapshot) {
	b.listenersMu.RLock()
	listeners := slices.Clone(b.listeners)
	b.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// forward builds the handler for a host command tool. Host and transport
// failures are reported as tool errors so the MCP client sees them.
func (b *Builder) forward(command string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := mcptools.ParseArguments(req)
		if err != nil {
			return mcptools.ErrorResult(err.Error()), nil
		}

		raw, err := b.caller.Call(ctx, command, args)
		if err != nil {
			var rpcErr *errors.RPCError
			if stderrors.As(err, &rpcErr) {
				return mcptools.ErrorResult(rpcErr.Message), nil
			}

			return mcptools.ErrorResult(err.Error()), nil
		}

		return mcptools.JSONResult(raw), nil
	}
}
