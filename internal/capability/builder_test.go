package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/hostbridge-go/internal/bridge"
	"github.com/wagiedev/hostbridge-go/internal/commands"
	"github.com/wagiedev/hostbridge-go/internal/errors"
	mcptools "github.com/wagiedev/hostbridge-go/internal/mcp"
	"github.com/wagiedev/hostbridge-go/internal/registry"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCaller struct {
	mu       sync.Mutex
	commands []registry.Descriptor
	calls    []string
	lastArgs any

	gate    chan struct{}
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
	lists     atomic.Int32
}

func (f *fakeCaller) setCommands(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = f.commands[:0]
	for _, n := range names {
		f.commands = append(f.commands, registry.Descriptor{Name: n, Description: n + " command"})
	}
}

func (f *fakeCaller) Call(_ context.Context, method string, params any, _ ...bridge.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.lastArgs = params
	list := slices.Clone(f.commands)
	f.mu.Unlock()

	switch method {
	case commands.NameListCommands:
		n := f.active.Add(1)
		defer f.active.Add(-1)

		for {
			m := f.maxActive.Load()
			if n <= m || f.maxActive.CompareAndSwap(m, n) {
				break
			}
		}

		if f.lists.Add(1) == 1 && f.gate != nil {
			f.entered <- struct{}{}
			<-f.gate
		}

		return json.Marshal(commands.ListCommandsResult{Commands: list})
	case "fail":
		return nil, &errors.RPCError{Code: -32603, Message: "Unknown command: fail"}
	default:
		return json.RawMessage(`{"ok":true}`), nil
	}
}

type fakeSurface struct {
	mu       sync.Mutex
	tools    map[string]mcp.ToolHandler
	adds     int
	removals int
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{tools: make(map[string]mcp.ToolHandler)}
}

func (s *fakeSurface) AddTool(t *mcp.Tool, h mcp.ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools[t.Name] = h
	s.adds++
}

func (s *fakeSurface) RemoveTools(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range names {
		delete(s.tools, n)
	}

	s.removals += len(names)
}

func (s *fakeSurface) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Sorted(maps.Keys(s.tools))
}

func (s *fakeSurface) handler(name string) mcp.ToolHandler {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tools[name]
}

func TestRebuild_AppliesDiff(t *testing.T) {
	caller := &fakeCaller{}
	surface := newFakeSurface()
	b := New(nopLogger(), caller, surface)

	var changes []Snapshot

	b.OnChanged(func(s Snapshot) { changes = append(changes, s) })

	b.AddBaseline(mcptools.NewTool("bridge_status", "status", nil),
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcptools.TextResult("ok"), nil
		})

	caller.setCommands("ping", "compile", "bridge_status")

	snap, err := b.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)
	require.Equal(t, []string{"compile", "ping"}, snap.Tools)
	require.Equal(t, []string{"bridge_status", "compile", "ping"}, surface.names())
	require.Len(t, changes, 1)

	// Unchanged list touches nothing.
	adds := surface.adds

	snap, err = b.Rebuild(context.Background())
	require.NoError(t, err)
	require.False(t, snap.Changed())
	require.Equal(t, uint64(1), snap.Version)
	require.Equal(t, adds, surface.adds)
	require.Len(t, changes, 1)

	caller.setCommands("ping", "run-tests")

	snap, err = b.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Version)
	require.Equal(t, []string{"run-tests"}, snap.Added)
	require.Equal(t, []string{"compile"}, snap.Removed)
	require.Equal(t, []string{"bridge_status", "ping", "run-tests"}, surface.names())
	require.Len(t, changes, 2)
	require.Equal(t, []string{"ping", "run-tests"}, b.Snapshot().Tools)
}

func TestRebuild_ReplacesChangedDescriptor(t *testing.T) {
	caller := &fakeCaller{}
	surface := newFakeSurface()
	b := New(nopLogger(), caller, surface)

	caller.setCommands("ping")

	_, err := b.Rebuild(context.Background())
	require.NoError(t, err)

	caller.mu.Lock()
	caller.commands[0].Description = "new text"
	caller.mu.Unlock()

	snap, err := b.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, snap.Added)
	require.Empty(t, snap.Removed)
	require.Equal(t, 2, surface.adds)
}

func TestRebuild_CoalescesConcurrentTriggers(t *testing.T) {
	caller := &fakeCaller{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	caller.setCommands("ping")

	b := New(nopLogger(), caller, newFakeSurface())

	var wg sync.WaitGroup

	wg.Go(func() {
		_, err := b.Rebuild(context.Background())
		assert.NoError(t, err)
	})

	<-caller.entered

	for range 10 {
		wg.Go(func() {
			_, err := b.Rebuild(context.Background())
			assert.NoError(t, err)
		})
	}

	require.Eventually(t, b.dirty.Load, time.Second, time.Millisecond)
	close(caller.gate)
	wg.Wait()

	require.Equal(t, int32(1), caller.maxActive.Load(), "rebuilds must never overlap")
	require.GreaterOrEqual(t, caller.lists.Load(), int32(2), "a mid-rebuild trigger forces another pass")
	require.Less(t, caller.lists.Load(), int32(11), "triggers are coalesced")
}

func TestForward_SendsArgumentsAndMapsErrors(t *testing.T) {
	caller := &fakeCaller{}
	surface := newFakeSurface()
	b := New(nopLogger(), caller, surface)

	caller.setCommands("ping", "fail")

	_, err := b.Rebuild(context.Background())
	require.NoError(t, err)

	res, err := surface.handler("ping")(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: "ping", Arguments: json.RawMessage(`{"message":"hi"}`)},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, map[string]any{"message": "hi"}, caller.lastArgs)

	res, err = surface.handler("fail")(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: "fail"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "Unknown command: fail", res.Content[0].(*mcp.TextContent).Text)
}

func TestTrigger_LogsFailure(t *testing.T) {
	b := New(nopLogger(), failingCaller{}, newFakeSurface())

	require.NotPanics(t, func() { b.Trigger(context.Background()) })
	require.Equal(t, uint64(0), b.Snapshot().Version)
}

type failingCaller struct{}

func (failingCaller) Call(context.Context, string, any, ...bridge.CallOption) (json.RawMessage, error) {
	return nil, errors.ErrBridgeNotConnected
}
