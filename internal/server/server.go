package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wagiedev/hostbridge-go/internal/commlog"
	"github.com/wagiedev/hostbridge-go/internal/dispatch"
	"github.com/wagiedev/hostbridge-go/internal/errors"
	"github.com/wagiedev/hostbridge-go/internal/registry"
	"github.com/wagiedev/hostbridge-go/internal/wire"
)

// PlaceholderName is the client name used until a remote identifies itself.
const PlaceholderName = "Unknown Client"

// Config controls the listener.
type Config struct {
	// BindAddress defaults to 127.0.0.1.
	BindAddress string
	// Port is the preferred port. Zero picks an ephemeral port.
	Port int
	// PortScanLimit is how many ports above Port are tried when it is busy.
	PortScanLimit int
	// ReadIdleTimeout closes connections that send nothing for this long. Zero disables it.
	ReadIdleTimeout time.Duration
	// WriteTimeout bounds each response write. Zero disables it.
	WriteTimeout time.Duration
}

// Client describes a connected remote bridge.
type Client struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	ProcessID   int       `json:"processId,omitempty"`
	ClientName  string    `json:"clientName"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Executor runs invocations. *dispatch.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, inv *registry.Invocation) *dispatch.Outcome
}

type connection struct {
	client Client // guarded by Server.mu
	conn   net.Conn
	writer *wire.Writer
}

// Server accepts bridge connections on a loopback TCP port.
type Server struct {
	log  *slog.Logger
	cfg  Config
	exec Executor
	comm *commlog.Logger

	mu       sync.RWMutex
	listener net.Listener
	port     int
	conns    map[string]*connection
	running  bool
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// New creates a stopped server. comm may be nil.
func New(log *slog.Logger, cfg Config, exec Executor, comm *commlog.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}

	return &Server{
		log:   log.With("component", "server"),
		cfg:   cfg,
		exec:  exec,
		comm:  comm,
		conns: make(map[string]*connection, 4),
	}
}

// Start opens the listener and begins accepting connections. If the
// preferred port is busy, the next free port within PortScanLimit is used.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.running = true
	s.cancel = cancel

	s.wg.Go(func() { s.acceptLoop(runCtx, ln) })

	s.log.Info("Listening for bridge connections", "addr", ln.Addr().String())

	return nil
}

// listen prefers the port bound before the last Stop so that remotes find
// the host again after a reload, then scans from the configured port.
func (s *Server) listen() (net.Listener, error) {
	if s.port != 0 && s.port != s.cfg.Port {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.port)))
		if err == nil {
			return ln, nil
		}

		s.log.Debug("Previous port unavailable, scanning again", "port", s.port, "error", err)
	}

	limit := s.cfg.PortScanLimit
	if s.cfg.Port == 0 {
		limit = 0
	}

	var lastErr error

	for offset := 0; offset <= limit; offset++ {
		port := s.cfg.Port + offset
		addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if offset > 0 {
				s.log.Warn("Preferred port busy, using substitute",
					"preferred", s.cfg.Port,
					"port", port,
				)
			}

			return ln, nil
		}

		lastErr = err

		if !stderrors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
	}

	return nil, fmt.Errorf("no free port in %d-%d: %w", s.cfg.Port, s.cfg.Port+limit, lastErr)
}

// Stop closes the listener and every connection and waits for connection
// goroutines to exit. Requests still executing get no response. Stop is
// safe to call repeatedly; Start may be called again afterwards.
func (s *Server) Stop() error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return nil
	}

	s.running = false
	s.cancel()

	err := s.listener.Close()

	for _, c := range s.conns {
		_ = c.conn.Close()
	}

	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("Bridge server stopped")

	if err != nil && !stderrors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}

	return nil
}

// Running reports whether the listener is open.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.running
}

// Port returns the bound port, or the last bound port after Stop.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.port
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				s.log.Debug("Accept loop stopped")

				return
			}

			s.log.Warn("Accept error (continuing)", "error", err)

			continue
		}

		c := &connection{
			client: Client{
				ID:          uuid.NewString(),
				Endpoint:    conn.RemoteAddr().String(),
				ClientName:  PlaceholderName,
				ConnectedAt: time.Now(),
			},
			conn:   conn,
			writer: wire.NewWriter(conn, s.cfg.WriteTimeout),
		}

		s.mu.Lock()

		if !s.running {
			s.mu.Unlock()
			_ = conn.Close()

			return
		}

		s.conns[c.client.ID] = c
		s.mu.Unlock()

		s.log.Info("Client connected", "client_id", c.client.ID, "endpoint", c.client.Endpoint)

		s.wg.Go(func() { s.serve(ctx, c) })
	}
}

func (s *Server) serve(ctx context.Context, c *connection) {
	defer s.drop(c)

	reader := wire.NewReader(c.conn)

	for {
		if s.cfg.ReadIdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			switch {
			case stderrors.Is(err, io.EOF), ctx.Err() != nil:
				s.log.Debug("Connection closed", "client_id", c.client.ID)
			default:
				s.log.Warn("Connection read failed", "client_id", c.client.ID, "error", err)
			}

			return
		}

		s.handleFrame(ctx, c, frame)
	}
}

func (s *Server) drop(c *connection) {
	_ = c.conn.Close()

	s.mu.Lock()
	delete(s.conns, c.client.ID)
	name := c.client.ClientName
	s.mu.Unlock()

	s.log.Info("Client disconnected", "client_id", c.client.ID, "client", name)
}

func (s *Server) handleFrame(ctx context.Context, c *connection, frame []byte) {
	msg, code, err := wire.Decode(frame)
	if err != nil {
		s.log.Warn("Rejecting malformed frame", "client_id", c.client.ID, "error", err)

		message := "Parse error"
		if code == wire.CodeInvalidRequest {
			message = "Invalid Request"
		}

		var id wire.ID
		if msg != nil {
			id = msg.ID
		}

		s.reply(ctx, c, "", wire.NewErrorResponse(id, code, message, map[string]any{"detail": err.Error()}))

		return
	}

	switch msg.Kind() {
	case wire.KindResponse:
		s.log.Debug("Ignoring response frame from client", "client_id", c.client.ID, "id", msg.ID.String())

	case wire.KindNotification:
		out := s.exec.Execute(ctx, s.invocation(c, msg))
		if out.Err != nil {
			s.log.Debug("Notification failed", "method", msg.Method, "error", out.Err)
		}

	case wire.KindRequest:
		key := c.client.ID + ":" + msg.ID.Key()
		inv := s.invocation(c, msg)

		if s.comm != nil {
			s.comm.LogRequest(key, inv.Command, inv.Caller.ClientName, frame)
		}

		out := s.exec.Execute(ctx, inv)
		s.reply(ctx, c, key, dispatch.Respond(msg.ID, out))
	}
}

func (s *Server) invocation(c *connection, msg *wire.Message) *registry.Invocation {
	s.mu.RLock()
	client := c.client
	s.mu.RUnlock()

	inv := &registry.Invocation{
		Command:   msg.Method,
		Params:    msg.Params,
		RequestID: msg.ID.String(),
		Caller: registry.Caller{
			ConnectionID: client.ID,
			Endpoint:     client.Endpoint,
			ProcessID:    client.ProcessID,
			ClientName:   client.ClientName,
		},
	}

	if secs := wire.AdvisoryTimeout(msg.Params); secs > 0 {
		inv.Timeout = time.Duration(secs * float64(time.Second))
	}

	return inv
}

func (s *Server) reply(ctx context.Context, c *connection, logKey string, resp *wire.Response) {
	if ctx.Err() != nil {
		s.log.Debug("Dropping response after shutdown", "client_id", c.client.ID, "id", resp.ID.String())

		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("Failed to marshal response", "error", err)

		return
	}

	if err := c.writer.WriteFrame(data); err != nil {
		s.log.Warn("Failed to write response", "client_id", c.client.ID, "error", err)

		return
	}

	if s.comm != nil && logKey != "" {
		s.comm.LogResponse(ctx, logKey, data, resp.Error != nil)
	}
}

// Clients returns a snapshot of connected clients ordered by connection time.
func (s *Server) Clients() []Client {
	s.mu.RLock()

	out := make([]Client, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.client)
	}

	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Client) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})

	return out
}

// Identify records the process id reported over connection connID and then
// renames the client.
func (s *Server) Identify(connID string, processID int, name string) (Client, error) {
	s.mu.Lock()

	c, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()

		return Client{}, fmt.Errorf("%w: connection %s", errors.ErrConnectionLost, connID)
	}

	if processID > 0 {
		c.client.ProcessID = processID
	}

	endpoint := c.client.Endpoint
	s.mu.Unlock()

	if !s.RenameClient(processID, endpoint, name) {
		return Client{}, fmt.Errorf("%w: connection %s", errors.ErrConnectionLost, connID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return c.client, nil
}

// RenameClient sets the display name of every client owned by processID.
// When no client matches the process id, the client at endpoint is renamed
// instead. It reports whether any client was renamed.
func (s *Server) RenameClient(processID int, endpoint, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	renamed := false

	if processID > 0 {
		for _, c := range s.conns {
			if c.client.ProcessID == processID {
				c.client.ClientName = name
				renamed = true
			}
		}
	}

	if renamed {
		s.log.Info("Client renamed", "process_id", processID, "client", name)

		return true
	}

	for _, c := range s.conns {
		if c.client.Endpoint == endpoint {
			c.client.ClientName = name

			if processID > 0 {
				c.client.ProcessID = processID
			}

			renamed = true
		}
	}

	if renamed {
		s.log.Info("Client renamed", "endpoint", endpoint, "client", name)
	}

	return renamed
}

// Broadcast sends a notification to every connected client and returns how
// many writes succeeded.
func (s *Server) Broadcast(method string, params any) int {
	data, err := json.Marshal(wire.NewNotification(method, params))
	if err != nil {
		s.log.Error("Failed to marshal notification", "method", method, "error", err)

		return 0
	}

	s.mu.RLock()

	targets := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}

	s.mu.RUnlock()

	delivered := 0

	for _, c := range targets {
		if err := c.writer.WriteFrame(data); err != nil {
			s.log.Debug("Broadcast write failed", "client_id", c.client.ID, "error", err)

			continue
		}

		delivered++
	}

	s.log.Debug("Broadcast notification", "method", method, "delivered", delivered)

	return delivered
}
