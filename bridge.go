package hostbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/hostbridge-go/internal/bridge"
	"github.com/wagiedev/hostbridge-go/internal/capability"
	"github.com/wagiedev/hostbridge-go/internal/config"
	mcptools "github.com/wagiedev/hostbridge-go/internal/mcp"
)

// StatusToolName is the always-present tool reporting bridge health.
const StatusToolName = "bridge_status"

// Bridge is the remote side. It keeps a connection to the host, follows
// the host through restarts and exposes the host's commands as MCP tools.
//
// Lifecycle: bridges are single-use. After Close, create a new one.
type Bridge struct {
	log  *slog.Logger
	opts config.BridgeOptions

	conn    *bridge.Bridge
	server  *mcp.Server
	builder *capability.Builder

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewBridge creates a bridge. It does not connect until Start, Connect or
// the first Call.
func NewBridge(opts ...Option) (*Bridge, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	logger := o.bridge.Logger
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		log:  logger.With("component", "remote"),
		opts: o.bridge,
		conn: bridge.New(logger, bridge.Config{
			Host:              o.bridge.Host,
			Port:              o.bridge.Port,
			PortScanRange:     o.bridge.PortScanRange,
			DialTimeout:       o.bridge.DialTimeout,
			ReconnectInterval: o.bridge.ReconnectInterval,
			CommandTimeout:    o.bridge.CommandTimeout,
			TimeoutMargin:     o.bridge.TimeoutMargin,
			LivenessTimeout:   o.bridge.LivenessTimeout,
			ClientName:        o.bridge.ClientName,
		}),
		server: mcptools.NewServer(o.bridge.ServerName, o.bridge.ServerVersion, nil),
		ctx:    ctx,
		cancel: cancel,
	}

	b.builder = capability.New(logger, b.conn, b.server)
	b.builder.AddBaseline(
		mcptools.NewTool(StatusToolName, "Reports the connection state of the host bridge and the tools it currently exposes.", nil),
		b.handleStatus,
	)

	b.conn.OnConnected(func(context.Context) { b.rebuildAsync() })
	b.conn.OnNotification(MethodCapabilitiesChanged, func(context.Context, json.RawMessage) { b.rebuildAsync() })

	return b, nil
}

// Start connects if the host is up and otherwise polls for it in the
// background. It never fails; use Status to observe the outcome.
func (b *Bridge) Start(ctx context.Context) {
	b.conn.Start(ctx)
}

// Connect connects to the host or returns the connection error.
func (b *Bridge) Connect(ctx context.Context) error {
	return b.conn.Connect(ctx)
}

// Call sends a command to the host and returns its raw JSON result.
func (b *Bridge) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	return b.conn.Call(ctx, method, params, opts...)
}

// Status returns the connection status.
func (b *Bridge) Status() BridgeStatus {
	return b.conn.Status()
}

// Capabilities returns the current tool table.
func (b *Bridge) Capabilities() CapabilitySnapshot {
	return b.builder.Snapshot()
}

// Rebuild refreshes the tool table from the host now.
func (b *Bridge) Rebuild(ctx context.Context) (CapabilitySnapshot, error) {
	return b.builder.Rebuild(ctx)
}

// OnCapabilitiesChanged registers fn to run after the tool table changes.
func (b *Bridge) OnCapabilitiesChanged(fn func(CapabilitySnapshot)) {
	b.builder.OnChanged(fn)
}

// OnReconnected registers fn to run once per successful reconnection.
func (b *Bridge) OnReconnected(fn func(ctx context.Context)) {
	b.conn.OnReconnected(fn)
}

// MCPServer returns the MCP server carrying the host's tools.
func (b *Bridge) MCPServer() *mcp.Server {
	return b.server
}

// Serve runs the MCP server on transport until ctx ends or the client
// disconnects.
func (b *Bridge) Serve(ctx context.Context, transport mcp.Transport) error {
	return b.server.Run(ctx, transport)
}

// ServeStdio runs the MCP server on stdin/stdout.
func (b *Bridge) ServeStdio(ctx context.Context) error {
	return b.Serve(ctx, &mcp.StdioTransport{})
}

// Close stops polling, drops the connection and waits for background
// rebuilds. Pending calls fail with ErrBridgeClosed.
func (b *Bridge) Close() error {
	var err error

	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.cancel()
		err = b.conn.Close()
		b.wg.Wait()
	})

	return err
}

func (b *Bridge) rebuildAsync() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.wg.Go(func() { b.builder.Trigger(b.ctx) })
}

type statusReport struct {
	Connection   BridgeStatus       `json:"connection"`
	Capabilities CapabilitySnapshot `json:"capabilities"`
}

func (b *Bridge) handleStatus(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcptools.JSONResult(statusReport{
		Connection:   b.conn.Status(),
		Capabilities: b.builder.Snapshot(),
	}), nil
}
