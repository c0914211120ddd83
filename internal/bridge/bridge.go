package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/hostbridge-go/internal/errors"
	"github.com/wagiedev/hostbridge-go/internal/wire"
)

// Methods the bridge itself calls on the host.
const (
	MethodPing          = "ping"
	MethodSetClientInfo = "set-client-info"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePolling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls how the bridge reaches the host.
type Config struct {
	Host string
	Port int
	// PortScanRange is how many ports above Port are tried, matching the
	// host's own port substitution.
	PortScanRange int

	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
	// CommandTimeout is the default advisory timeout handed to the host.
	CommandTimeout time.Duration
	// TimeoutMargin is added to the advisory timeout for the local deadline.
	TimeoutMargin   time.Duration
	LivenessTimeout time.Duration

	ClientName string
	ProcessID  int
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}

	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 2 * time.Second
	}

	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}

	if c.TimeoutMargin < 0 {
		c.TimeoutMargin = 0
	}

	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 3 * time.Second
	}

	if c.ClientName == "" {
		c.ClientName = "hostbridge"
	}

	if c.ProcessID == 0 {
		c.ProcessID = os.Getpid()
	}
}

// NotificationHandler handles a host notification. It runs on its own
// goroutine and may call back into the bridge.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Status is a point-in-time view of the bridge.
type Status struct {
	State      string `json:"state"`
	Endpoint   string `json:"endpoint,omitempty"`
	Pending    int    `json:"pending"`
	Reconnects int    `json:"reconnects"`
}

type callResult struct {
	msg *wire.Message
	err error
}

// pendingCall tracks an outgoing request awaiting its response.
type pendingCall struct {
	method string
	sentAt time.Time
	result chan callResult
}

// Bridge is a reconnecting JSON-RPC client for the host.
type Bridge struct {
	log *slog.Logger
	cfg Config

	// connectMu serialises connection attempts.
	connectMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          net.Conn
	writer        *wire.Writer
	gen           uint64
	endpoint      string
	polling       bool
	everConnected bool
	reconnects    int

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	// lastFrame is the unix-nano time the current connection last
	// delivered a frame.
	lastFrame atomic.Int64

	handlersMu    sync.RWMutex
	handlers      map[string]NotificationHandler
	onConnected   []func(ctx context.Context)
	onReconnected []func(ctx context.Context)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a disconnected bridge.
func New(log *slog.Logger, cfg Config) *Bridge {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		log:      log.With("component", "bridge"),
		cfg:      cfg,
		pending:  make(map[string]*pendingCall, 10),
		handlers: make(map[string]NotificationHandler, 4),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Status returns a snapshot of the bridge state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	st := Status{State: b.state.String(), Endpoint: b.endpoint, Reconnects: b.reconnects}
	b.mu.Unlock()

	b.pendingMu.Lock()
	st.Pending = len(b.pending)
	b.pendingMu.Unlock()

	return st
}

// OnNotification registers the handler for a host notification method,
// replacing any previous handler.
func (b *Bridge) OnNotification(method string, h NotificationHandler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.handlers[method] = h
}

// OnConnected registers fn to run after every successful connection,
// including reconnections.
func (b *Bridge) OnConnected(fn func(ctx context.Context)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.onConnected = append(b.onConnected, fn)
}

// OnReconnected registers fn to run once after each successful reconnection.
func (b *Bridge) OnReconnected(fn func(ctx context.Context)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.onReconnected = append(b.onReconnected, fn)
}

// Connect establishes the connection. Calling it while connected is a
// no-op; concurrent calls wait for the attempt in progress.
func (b *Bridge) Connect(ctx context.Context) error {
	established, reconnect, err := b.connect(ctx)
	if err != nil {
		return err
	}

	if established {
		b.established(ctx, reconnect)
	}

	return nil
}

// Start connects if the host is reachable and otherwise begins polling.
func (b *Bridge) Start(ctx context.Context) {
	if err := b.Connect(ctx); err != nil {
		b.log.Info("Host not reachable, polling for it", "error", err)
		b.startPolling()
	}
}

func (b *Bridge) connect(ctx context.Context) (established, reconnect bool, err error) {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()

		return false, false, errors.ErrBridgeClosed
	case StateConnected:
		b.mu.Unlock()

		return false, false, nil
	}

	b.state = StateConnecting
	b.mu.Unlock()

	var lastErr error

	for _, port := range b.candidatePorts() {
		addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(port))

		again, tryErr := b.tryEndpoint(ctx, addr)
		if tryErr == nil {
			return true, again, nil
		}

		lastErr = tryErr

		if ctx.Err() != nil || b.ctx.Err() != nil {
			break
		}
	}

	b.mu.Lock()

	if b.state == StateConnecting {
		b.state = StateDisconnected
		if b.polling {
			b.state = StatePolling
		}
	}

	b.mu.Unlock()

	return false, false, &errors.ConnectionError{
		Endpoint: net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port)),
		Err:      lastErr,
	}
}

func (b *Bridge) candidatePorts() []int {
	ports := make([]int, 0, b.cfg.PortScanRange+1)
	for offset := 0; offset <= b.cfg.PortScanRange; offset++ {
		ports = append(ports, b.cfg.Port+offset)
	}

	return ports
}

// tryEndpoint dials addr and verifies it answers ping before accepting it.
func (b *Bridge) tryEndpoint(ctx context.Context, addr string) (bool, error) {
	dialer := net.Dialer{Timeout: b.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}

	b.mu.Lock()

	if b.state == StateClosed {
		b.mu.Unlock()
		_ = conn.Close()

		return false, errors.ErrBridgeClosed
	}

	b.gen++
	gen := b.gen
	b.conn = conn
	b.writer = wire.NewWriter(conn, b.cfg.WriteTimeout)
	b.mu.Unlock()

	b.wg.Go(func() { b.readLoop(conn, gen) })

	if _, err := b.send(ctx, MethodPing, map[string]any{"message": "liveness"}, b.cfg.LivenessTimeout); !answered(err) {
		b.log.Debug("Endpoint did not answer ping", "addr", addr, "error", err)
		b.dropConn(gen)

		return false, err
	}

	b.mu.Lock()

	if b.gen != gen || b.state == StateClosed {
		b.mu.Unlock()

		return false, errors.ErrConnectionLost
	}

	reconnect := b.everConnected
	b.everConnected = true
	b.state = StateConnected
	b.endpoint = addr

	if reconnect {
		b.reconnects++
	}

	b.mu.Unlock()

	b.log.Info("Connected to host", "addr", addr, "reconnect", reconnect)

	_, err = b.send(ctx, MethodSetClientInfo, map[string]any{
		"clientName": b.cfg.ClientName,
		"processId":  b.cfg.ProcessID,
	}, b.cfg.LivenessTimeout)
	if err != nil {
		b.log.Warn("Failed to identify with host", "error", err)
	}

	return reconnect, nil
}

// established runs connection callbacks outside every bridge lock.
func (b *Bridge) established(ctx context.Context, reconnect bool) {
	b.handlersMu.RLock()
	connected := slices.Clone(b.onConnected)
	reconnected := slices.Clone(b.onReconnected)
	b.handlersMu.RUnlock()

	if reconnect {
		for _, fn := range reconnected {
			fn(ctx)
		}
	}

	for _, fn := range connected {
		fn(ctx)
	}
}

// EnsureConnected verifies the connection with a liveness ping, forcing a
// reconnect if the host does not answer. The ping is skipped while other
// requests are in flight or the host sent a frame within the liveness
// window, since the host answers requests one at a time per connection.
func (b *Bridge) EnsureConnected(ctx context.Context) error {
	if b.State() == StateConnected {
		if b.recentlyActive() {
			return nil
		}

		_, err := b.send(ctx, MethodPing, nil, b.cfg.LivenessTimeout)
		if answered(err) {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.log.Warn("Liveness check failed, reconnecting", "error", err)
		b.forceDisconnect()
	}

	if err := b.Connect(ctx); err != nil {
		b.startPolling()

		return err
	}

	return nil
}

func (b *Bridge) recentlyActive() bool {
	b.pendingMu.Lock()
	inFlight := len(b.pending)
	b.pendingMu.Unlock()

	if inFlight > 0 {
		return true
	}

	return time.Since(time.Unix(0, b.lastFrame.Load())) < b.cfg.LivenessTimeout
}

// answered reports whether err still proves the host is alive. Any
// well-formed response counts, including an error such as a blocked ping.
func answered(err error) bool {
	if err == nil {
		return true
	}

	var rpcErr *errors.RPCError

	return stderrors.As(err, &rpcErr)
}

// CallOption customises a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	explicit bool
}

// WithTimeout sets the advisory timeout sent to the host. The local
// deadline is this timeout plus the configured margin.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
		o.explicit = true
	}
}

// Call sends a request to the host and waits for its response.
//
// The advisory timeout is taken from WithTimeout, else from a numeric
// "timeout" member (seconds) in map params, else the configured default.
// Requests are never retried; a dropped connection fails the call with
// ErrConnectionLost.
func (b *Bridge) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	o := callOptions{timeout: b.cfg.CommandTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if m, ok := params.(map[string]any); ok {
		if secs, ok := m["timeout"].(float64); ok && secs > 0 && !o.explicit {
			o.timeout = time.Duration(secs * float64(time.Second))
		} else if o.explicit {
			m = maps.Clone(m)
			m["timeout"] = o.timeout.Seconds()
			params = m
		}
	} else if params == nil && o.explicit {
		params = map[string]any{"timeout": o.timeout.Seconds()}
	}

	if err := b.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	return b.send(ctx, method, params, o.timeout+b.cfg.TimeoutMargin)
}

func (b *Bridge) send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	b.mu.Lock()
	writer := b.writer
	b.mu.Unlock()

	if writer == nil {
		return nil, errors.ErrBridgeNotConnected
	}

	id := wire.StringID(ulid.Make().String())
	key := id.Key()

	pc := &pendingCall{
		method: method,
		sentAt: time.Now(),
		result: make(chan callResult, 1),
	}

	b.pendingMu.Lock()
	b.pending[key] = pc
	b.pendingMu.Unlock()

	data, err := json.Marshal(wire.NewRequest(id, method, params))
	if err != nil {
		b.forget(key)

		return nil, fmt.Errorf("marshal request: %w", err)
	}

	b.log.Debug("Sending request", "request_id", id.String(), "method", method)

	if err := writer.WriteFrame(data); err != nil {
		b.forget(key)

		return nil, fmt.Errorf("send %s: %w: %v", method, errors.ErrConnectionLost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pc.result:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}

		if r.msg.Error != nil {
			return nil, &errors.RPCError{
				Code:    r.msg.Error.Code,
				Message: r.msg.Error.Message,
				Data:    r.msg.Error.Data,
			}
		}

		b.log.Debug("Received response", "request_id", id.String(), "elapsed", time.Since(pc.sentAt))

		return r.msg.Result, nil

	case <-timer.C:
		b.forget(key)
		b.log.Warn("Request timed out", "request_id", id.String(), "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%w: %s after %s", errors.ErrRequestTimeout, method, timeout)

	case <-ctx.Done():
		b.forget(key)

		return nil, ctx.Err()

	case <-b.ctx.Done():
		b.forget(key)

		return nil, errors.ErrBridgeClosed
	}
}

func (b *Bridge) forget(key string) {
	b.pendingMu.Lock()
	delete(b.pending, key)
	b.pendingMu.Unlock()
}

func (b *Bridge) rejectPending(err error) {
	b.pendingMu.Lock()
	rejected := b.pending
	b.pending = make(map[string]*pendingCall, 10)
	b.pendingMu.Unlock()

	for _, pc := range rejected {
		pc.result <- callResult{err: err}
	}

	if len(rejected) > 0 {
		b.log.Debug("Rejected pending requests", "count", len(rejected), "error", err)
	}
}

func (b *Bridge) readLoop(conn net.Conn, gen uint64) {
	reader := wire.NewReader(conn)

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			b.handleDisconnect(gen, err)

			return
		}

		b.lastFrame.Store(time.Now().UnixNano())

		msg, _, err := wire.Decode(frame)
		if err != nil {
			b.log.Warn("Discarding malformed frame from host", "error", err)

			continue
		}

		if msg.Kind() == wire.KindResponse {
			b.resolve(msg)

			continue
		}

		b.dispatchNotification(msg)
	}
}

func (b *Bridge) resolve(msg *wire.Message) {
	key := msg.ID.Key()

	b.pendingMu.Lock()

	pc, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}

	b.pendingMu.Unlock()

	if !ok {
		b.log.Debug("Discarding response with no pending request", "id", msg.ID.String())

		return
	}

	pc.result <- callResult{msg: msg}
}

func (b *Bridge) dispatchNotification(msg *wire.Message) {
	b.handlersMu.RLock()
	h, ok := b.handlers[msg.Method]
	b.handlersMu.RUnlock()

	if !ok {
		b.log.Debug("No handler for host notification", "method", msg.Method)

		return
	}

	b.wg.Go(func() { h(b.ctx, msg.Params) })
}

func (b *Bridge) handleDisconnect(gen uint64, cause error) {
	b.mu.Lock()

	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()

		return
	}

	wasConnected := b.state == StateConnected
	_ = b.conn.Close()
	b.conn = nil
	b.writer = nil

	if wasConnected {
		b.state = StateDisconnected
	}

	b.mu.Unlock()

	b.rejectPending(errors.ErrConnectionLost)

	if wasConnected {
		b.log.Warn("Connection to host lost", "error", cause)
		b.startPolling()
	}
}

// dropConn closes the connection of generation gen without starting polling.
func (b *Bridge) dropConn(gen uint64) {
	b.mu.Lock()

	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()

		return
	}

	_ = b.conn.Close()
	b.conn = nil
	b.writer = nil
	b.mu.Unlock()
}

func (b *Bridge) forceDisconnect() {
	b.mu.Lock()

	if b.state == StateConnected {
		b.state = StateDisconnected
	}

	gen := b.gen
	b.mu.Unlock()

	b.dropConn(gen)
	b.rejectPending(errors.ErrConnectionLost)
}

func (b *Bridge) startPolling() {
	b.mu.Lock()

	if b.state == StateClosed || b.state == StateConnected {
		b.mu.Unlock()

		return
	}

	if b.state == StateDisconnected {
		b.state = StatePolling
	}

	if b.polling {
		b.mu.Unlock()

		return
	}

	b.polling = true
	b.mu.Unlock()

	b.log.Info("Polling for host", "interval", b.cfg.ReconnectInterval)

	b.wg.Go(b.pollLoop)
}

func (b *Bridge) pollLoop() {
	ticker := time.NewTicker(b.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-ticker.C:
			established, reconnect, err := b.connect(b.ctx)
			if err != nil {
				b.log.Debug("Reconnect attempt failed", "error", err)

				continue
			}

			if established {
				b.established(b.ctx, reconnect)
			}

			b.mu.Lock()

			// The connection may already have dropped again; keep polling then.
			if b.state == StateConnected || b.state == StateClosed {
				b.polling = false
				b.mu.Unlock()

				return
			}

			b.mu.Unlock()
		}
	}
}

// Close stops polling, closes the socket and fails pending requests with
// ErrBridgeClosed. It must not be called from a notification handler or
// connection callback.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()

		b.mu.Lock()
		b.state = StateClosed
		b.polling = false
		conn := b.conn
		b.conn = nil
		b.writer = nil
		b.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		b.rejectPending(errors.ErrBridgeClosed)
		b.wg.Wait()

		b.log.Info("Bridge closed")
	})

	return nil
}
