package hostbridge_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

// connectMCP attaches an in-memory MCP client to the bridge's server.
func connectMCP(t *testing.T, b *hostbridge.Bridge, onListChanged func()) *mcp.ClientSession {
	t.Helper()

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ss, err := b.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	var clientOpts *mcp.ClientOptions
	if onListChanged != nil {
		clientOpts = &mcp.ClientOptions{
			ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) { onListChanged() },
		}
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, clientOpts)

	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

func toolNames(t *testing.T, cs *mcp.ClientSession) []string {
	t.Helper()

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	slices.Sort(names)

	return names
}

func TestBridge_ExposesHostCommandsAsTools(t *testing.T) {
	host := startHost(t)
	b := newBridge(t, host.Port())
	cs := connectMCP(t, b, nil)

	// Before connecting only the baseline tool exists.
	require.Equal(t, []string{hostbridge.StatusToolName}, toolNames(t, cs))

	b.Start(context.Background())

	require.Eventually(t, func() bool {
		return slices.Contains(b.Capabilities().Tools, "ping")
	}, 2*time.Second, 10*time.Millisecond)

	names := toolNames(t, cs)
	require.Equal(t, []string{
		hostbridge.StatusToolName, "compile", "get-logs", "ping", "run-tests",
	}, names)
	require.NotContains(t, names, "list-commands")

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ping",
		Arguments: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].(*mcp.TextContent).Text, "pong: hi")

	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "compile"})
	require.NoError(t, err)
	require.True(t, res.IsError, "compile has no collaborator on this host")

	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{Name: hostbridge.StatusToolName})
	require.NoError(t, err)
	require.Contains(t, res.Content[0].(*mcp.TextContent).Text, `"state": "connected"`)
}

func TestBridge_FollowsHostCommandChanges(t *testing.T) {
	host := startHost(t)
	b := newBridge(t, host.Port())

	listChanged := make(chan struct{}, 16)
	cs := connectMCP(t, b, func() { listChanged <- struct{}{} })

	changes := make(chan hostbridge.CapabilitySnapshot, 16)

	b.OnCapabilitiesChanged(func(s hostbridge.CapabilitySnapshot) { changes <- s })

	require.NoError(t, b.Connect(context.Background()))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("initial capability build did not happen")
	}

	require.NoError(t, host.Register(hostbridge.Descriptor{
		Name:        "Greet",
		Description: "Says hello.",
	}, hostbridge.HandlerFunc(func(context.Context, *hostbridge.Invocation) (any, error) {
		return map[string]any{"greeting": "hello"}, nil
	})))

	require.Eventually(t, func() bool {
		return slices.Contains(b.Capabilities().Tools, "greet")
	}, 2*time.Second, 10*time.Millisecond)

	require.Contains(t, toolNames(t, cs), "greet")

	select {
	case <-listChanged:
	case <-time.After(2 * time.Second):
		t.Fatal("MCP client was not told the tool list changed")
	}

	require.True(t, host.Unregister("greet"))
	require.Eventually(t, func() bool {
		return !slices.Contains(b.Capabilities().Tools, "greet")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_SecurityChangeHidesTools(t *testing.T) {
	host := startHost(t)
	b := newBridge(t, host.Port())

	require.NoError(t, b.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return slices.Contains(b.Capabilities().Tools, "run-tests")
	}, 2*time.Second, 10*time.Millisecond)

	host.SetSecurity(hostbridge.SecuritySettings{Blocked: []string{"run-tests"}})

	require.Eventually(t, func() bool {
		return !slices.Contains(b.Capabilities().Tools, "run-tests")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_CallAfterCloseFails(t *testing.T) {
	host := startHost(t)
	b := newBridge(t, host.Port())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, hostbridge.ErrBridgeClosed)
}

func TestBridge_CallWithoutHostFails(t *testing.T) {
	b := newBridge(t, freePort(t))

	_, err := b.Call(context.Background(), "ping", nil, hostbridge.WithCallTimeout(100*time.Millisecond))

	var connErr *hostbridge.ConnectionError

	require.ErrorAs(t, err, &connErr)
}
