package ocppnet

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Client is the charging-station / networking-node side. It holds at most
// one connection to its upstream (CSMS or hub) and its own pending-request
// table scoped to that connection.
//
// The connection's Attributes carry the upstream's node id (zero when not
// known); that id is recorded as the implicit last hop of inbound frames.
type Client struct {
	cfg     config
	pending *RequestTable
	metrics *Metrics
	audit   *AuditLog
	disp    *dispatcher
	out     *outbound

	mu   sync.RWMutex
	conn Connection
	gate sendGate

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

func NewClient(opts ...Option) *Client {
	cfg := newConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		pending: NewRequestTable(),
		metrics: newMetrics("client"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.auditSize > 0 {
		c.audit = NewAuditLog(cfg.auditSize)
	}
	c.metrics.pendingFn = c.pending.Len
	c.metrics.connectionsFn = func() int {
		if c.Connected() {
			return 1
		}
		return 0
	}

	c.disp = &dispatcher{
		module:   "client",
		cfg:      &c.cfg,
		pending:  c.pending,
		metrics:  c.metrics,
		audit:    c.audit,
		transmit: c.writeReply,
		ctx:      ctx,
	}
	c.out = &outbound{
		module:        "client",
		cfg:           &c.cfg,
		pending:       c.pending,
		metrics:       c.metrics,
		audit:         c.audit,
		routes:        c.routes,
		evict:         c.evict,
		noRouteStatus: SendTransmissionFailed,
		noRouteErr:    ErrNotConnected,
	}
	return c
}

// Start launches the expiry sweeper. Non-blocking.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.cleanup()
	})
}

// Close closes the connection, resolves every outstanding request with an
// InternalError and waits for in-flight handlers.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			if err := conn.Close("client closed"); err != nil {
				slog.Debug("closing client connection failed", "error", err)
			}
		}
		if n := c.pending.FailAll(ErrorInternalError, "client closed"); n > 0 {
			slog.Info("pending requests failed on close", "count", n)
		}
		c.cancel()
		c.disp.wg.Wait()
	})
}

func (c *Client) cleanup() {
	ticker := time.NewTicker(c.cfg.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.out.sweep(now)
		}
	}
}

func (c *Client) Pending() *RequestTable { return c.pending }
func (c *Client) Metrics() *Metrics      { return c.metrics }
func (c *Client) Handlers() *Handlers    { return c.cfg.handlers }
func (c *Client) Identity() NodeID       { return c.cfg.identity }
func (c *Client) Audit() *AuditLog       { return c.audit }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Connection returns the current upstream connection, or nil.
func (c *Client) Connection() Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// --- FrameHandler ---

func (c *Client) OnNewConnection(conn Connection) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.gate = newSendGate()
	c.mu.Unlock()
	if old != nil && old != conn {
		old.Close("replaced by a newer connection")
	}
	slog.Info("ocpp client connected", "identity", c.cfg.identity, "upstream", conn.Attributes().NodeID(),
		"remote", conn.RemoteAddr(), "mode", conn.Attributes().Mode())
	c.cfg.events.connected("client", conn)
}

func (c *Client) OnTextMessage(conn Connection, data []byte) {
	c.disp.handleText(conn, data)
}

func (c *Client) OnBinaryMessage(conn Connection, data []byte) {
	c.disp.handleBinary(conn, data)
}

func (c *Client) OnClose(conn Connection) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if current {
		slog.Info("ocpp client disconnected", "identity", c.cfg.identity, "remote", conn.RemoteAddr())
	}
	c.cfg.events.disconnected("client", conn)
}

func (c *Client) routes(NodeID) []Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil
	}
	attrs := c.conn.Attributes()
	return []Route{{Via: attrs.NodeID(), Conn: c.conn, Mode: attrs.Mode(), gate: c.gate}}
}

func (c *Client) writeReply(ctx context.Context, conn Connection, f frame) error {
	c.mu.RLock()
	gate := c.gate
	current := c.conn == conn
	c.mu.RUnlock()
	if !current || gate == nil {
		return f.writeTo(ctx, conn)
	}
	return gatedWrite(ctx, gate, c.cfg.sendGateTimeout, conn, f)
}

// evict drops a connection whose write failed; the transport's OnClose
// follows once the socket is torn down.
func (c *Client) evict(r Route, err error) {
	c.mu.Lock()
	current := c.conn == r.Conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.metrics.Evictions.Add(1)
	slog.Warn("dropping upstream connection after failed send", "remote", r.Conn.RemoteAddr(), "error", err)
	r.Conn.Close("send failed")
}

// --- sending ---

// Send transmits a JSON request upstream without waiting. destination is
// only put on the wire in overlay mode.
func (c *Client) Send(ctx context.Context, destination NodeID, path NetworkPath, action string, payload json.RawMessage) (*Request, SendStatus) {
	return c.out.sendJSON(ctx, c.out.newRequest(destination, path, action, payload, 0))
}

func (c *Client) SendRequest(ctx context.Context, req *Request) (*Request, SendStatus) {
	return c.out.sendJSON(ctx, req)
}

func (c *Client) SendBinary(ctx context.Context, destination NodeID, path NetworkPath, action string, payload []byte) (*BinaryRequest, SendStatus) {
	return c.out.sendBinary(ctx, c.out.newBinaryRequest(destination, path, action, payload, 0))
}

// SendAndWait sends a JSON request and waits for its resolution; see
// Server.SendAndWait for the result contract.
func (c *Client) SendAndWait(ctx context.Context, destination NodeID, path NetworkPath, action string, payload json.RawMessage, timeout time.Duration) (*PendingRequest, error) {
	req, status := c.out.sendJSON(ctx, c.out.newRequest(destination, path, action, payload, timeout))
	return c.out.await(ctx, req, nil, status)
}

func (c *Client) SendBinaryAndWait(ctx context.Context, destination NodeID, path NetworkPath, action string, payload []byte, timeout time.Duration) (*PendingRequest, error) {
	req, status := c.out.sendBinary(ctx, c.out.newBinaryRequest(destination, path, action, payload, timeout))
	return c.out.await(ctx, nil, req, status)
}

// Call is SendAndWait to the upstream. On an overlay connection the
// request is addressed to the upstream node itself.
func (c *Client) Call(ctx context.Context, action string, payload json.RawMessage) (*PendingRequest, error) {
	return c.SendAndWait(ctx, ZeroNodeID, EmptyPath, action, payload, 0)
}

func (c *Client) WaitForResponse(ctx context.Context, id RequestID) (*PendingRequest, error) {
	return c.pending.Wait(ctx, id)
}
