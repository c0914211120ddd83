package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/hostbridge-go/internal/commlog"
	"github.com/wagiedev/hostbridge-go/internal/dispatch"
	"github.com/wagiedev/hostbridge-go/internal/registry"
)

type executorFunc func(ctx context.Context, inv *registry.Invocation) *dispatch.Outcome

func (f executorFunc) Execute(ctx context.Context, inv *registry.Invocation) *dispatch.Outcome {
	return f(ctx, inv)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoExecutor() Executor {
	return executorFunc(func(_ context.Context, inv *registry.Invocation) *dispatch.Outcome {
		now := time.Now()

		return &dispatch.Outcome{
			Command:   inv.Command,
			Result:    map[string]any{"method": inv.Command, "client": inv.Caller.ClientName},
			StartedAt: now,
			EndedAt:   now,
		}
	})
}

func startServer(t *testing.T, exec Executor, comm *commlog.Logger) *Server {
	t.Helper()

	s := New(nopLogger(), Config{}, exec, comm)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, port int) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, frame string) {
	t.Helper()

	_, err := c.conn.Write([]byte(frame + "\n"))
	require.NoError(t, err)
}

func (c *testClient) read(t *testing.T) map[string]json.RawMessage {
	t.Helper()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(line, &msg))

	return msg
}

func TestServer_EchoesIDWithOriginalType(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	c := dial(t, s.Port())

	c.send(t, `{"jsonrpc":"2.0","method":"ping","params":{"message":"hi"},"id":1}`)
	resp := c.read(t)
	require.Equal(t, "1", string(resp["id"]))
	require.Contains(t, string(resp["result"]), `"method":"ping"`)

	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":"1"}`)
	resp = c.read(t)
	require.Equal(t, `"1"`, string(resp["id"]))
}

func TestServer_AcceptsFramesWithoutVersion(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	c := dial(t, s.Port())

	c.send(t, `{"method":"ping","params":{"message":"hi"},"id":1}`)
	resp := c.read(t)
	require.Equal(t, "1", string(resp["id"]))
	require.Contains(t, string(resp["result"]), `"method":"ping"`)
	require.NotContains(t, resp, "error")
}

func TestServer_InvalidRequestEchoesID(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	c := dial(t, s.Port())

	c.send(t, `{"jsonrpc":"1.0","method":"ping","id":7}`)
	resp := c.read(t)
	require.Equal(t, "7", string(resp["id"]))
	require.Contains(t, string(resp["error"]), "-32600")

	c.send(t, `{"method":42,"id":"abc"}`)
	resp = c.read(t)
	require.Equal(t, `"abc"`, string(resp["id"]))
	require.Contains(t, string(resp["error"]), "-32600")
}

func TestServer_NotificationGetsNoResponse(t *testing.T) {
	called := make(chan string, 2)
	exec := executorFunc(func(ctx context.Context, inv *registry.Invocation) *dispatch.Outcome {
		called <- inv.Command

		return echoExecutor().Execute(ctx, inv)
	})

	s := startServer(t, exec, nil)
	c := dial(t, s.Port())

	c.send(t, `{"jsonrpc":"2.0","method":"notify-me"}`)
	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":2}`)

	resp := c.read(t)
	require.Equal(t, "2", string(resp["id"]))
	require.Equal(t, "notify-me", <-called)
	require.Equal(t, "ping", <-called)
}

func TestServer_ParseErrorKeepsConnectionOpen(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	c := dial(t, s.Port())

	c.send(t, `{"jsonrpc":"2.0","method":`)

	resp := c.read(t)
	require.Equal(t, "null", string(resp["id"]))
	require.Contains(t, string(resp["error"]), "-32700")

	c.send(t, `[1]`)
	resp = c.read(t)
	require.Contains(t, string(resp["error"]), "-32600")

	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":3}`)
	resp = c.read(t)
	require.Equal(t, "3", string(resp["id"]))
}

func TestServer_PortScanSkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer busy.Close()

	preferred := busy.Addr().(*net.TCPAddr).Port

	s := New(nopLogger(), Config{Port: preferred, PortScanLimit: 10}, echoExecutor(), nil)
	require.NoError(t, s.Start(context.Background()))

	defer s.Stop()

	require.NotEqual(t, preferred, s.Port())
	require.Greater(t, s.Port(), preferred)
	require.LessOrEqual(t, s.Port(), preferred+10)
}

func TestServer_PortScanExhausted(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer busy.Close()

	s := New(nopLogger(), Config{Port: busy.Addr().(*net.TCPAddr).Port}, echoExecutor(), nil)
	require.Error(t, s.Start(context.Background()))
	require.False(t, s.Running())
}

func TestServer_TracksAndRenamesClients(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	c := dial(t, s.Port())

	// Round trip so the accept has certainly been recorded.
	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":1}`)
	c.read(t)

	clients := s.Clients()
	require.Len(t, clients, 1)
	require.Equal(t, PlaceholderName, clients[0].ClientName)
	require.Equal(t, c.conn.LocalAddr().String(), clients[0].Endpoint)

	renamed, err := s.Identify(clients[0].ID, 4242, "Agent")
	require.NoError(t, err)
	require.Equal(t, "Agent", renamed.ClientName)
	require.Equal(t, 4242, renamed.ProcessID)

	// Caller identity flows into subsequent invocations.
	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":2}`)
	require.Contains(t, string(c.read(t)["result"]), `"client":"Agent"`)

	// Process id wins even when the endpoint no longer matches.
	require.True(t, s.RenameClient(4242, "127.0.0.1:1", "Agent v2"))
	require.Equal(t, "Agent v2", s.Clients()[0].ClientName)

	// Endpoint fallback when the process is unknown.
	require.True(t, s.RenameClient(0, clients[0].Endpoint, "By endpoint"))
	require.Equal(t, "By endpoint", s.Clients()[0].ClientName)

	require.False(t, s.RenameClient(99, "nowhere", "ghost"))

	_, err = s.Identify("missing", 1, "x")
	require.Error(t, err)

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return len(s.Clients()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Broadcast(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	a := dial(t, s.Port())
	b := dial(t, s.Port())

	require.Eventually(t, func() bool { return len(s.Clients()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, s.Broadcast("notifications/capabilities_changed", nil))

	for _, c := range []*testClient{a, b} {
		msg := c.read(t)
		require.JSONEq(t, `"notifications/capabilities_changed"`, string(msg["method"]))
		require.NotContains(t, msg, "id")
	}
}

func TestServer_StopDropsInFlightResponses(t *testing.T) {
	entered := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, inv *registry.Invocation) *dispatch.Outcome {
		close(entered)
		<-ctx.Done()

		return &dispatch.Outcome{Command: inv.Command, Result: "late"}
	})

	s := startServer(t, exec, nil)
	c := dial(t, s.Port())

	c.send(t, `{"jsonrpc":"2.0","method":"slow","id":1}`)
	<-entered

	require.NoError(t, s.Stop())
	require.False(t, s.Running())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.reader.ReadBytes('\n')
	require.ErrorIs(t, err, io.EOF)

	// Stop is idempotent.
	require.NoError(t, s.Stop())
}

func TestServer_RestartAfterStop(t *testing.T) {
	s := startServer(t, echoExecutor(), nil)
	port := s.Port()

	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Running())
	require.Equal(t, port, s.Port(), "restart rebinds the previous port")

	c := dial(t, s.Port())
	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":1}`)
	require.Equal(t, "1", string(c.read(t)["id"]))
}

func TestServer_LogsCommunication(t *testing.T) {
	comm := commlog.New(nopLogger(), 10, nil)
	s := startServer(t, echoExecutor(), comm)
	c := dial(t, s.Port())

	c.send(t, `{"jsonrpc":"2.0","method":"ping","id":1}`)
	c.read(t)

	require.Eventually(t, func() bool { return len(comm.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	entry := comm.Snapshot()[0]
	require.Equal(t, "ping", entry.CommandName)
	require.Equal(t, PlaceholderName, entry.ClientName)
	require.False(t, entry.IsError)
}
