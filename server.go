package ocppnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Server is the CSMS side of the message layer. It owns the connection
// registry, the server-wide pending-request table (request ids are global
// across all connected nodes) and the action handlers.
//
// A transport (see WebSocketServer) feeds it connections and frames through
// the FrameHandler methods.
type Server struct {
	cfg      config
	registry *Registry
	pending  *RequestTable
	metrics  *Metrics
	audit    *AuditLog
	disp     *dispatcher
	out      *outbound

	adminServer *AdminServer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewServer(opts ...Option) *Server {
	cfg := newConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		pending:  NewRequestTable(),
		metrics:  newMetrics("server"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if cfg.auditSize > 0 {
		s.audit = NewAuditLog(cfg.auditSize)
	}
	s.metrics.connectionsFn = s.registry.Len
	s.metrics.pendingFn = s.pending.Len
	s.registry.onEvict = func(NodeID, Connection) { s.metrics.Evictions.Add(1) }

	s.disp = &dispatcher{
		module:   "server",
		server:   true,
		cfg:      &s.cfg,
		pending:  s.pending,
		metrics:  s.metrics,
		audit:    s.audit,
		transmit: s.writeReply,
		ctx:      ctx,
	}
	s.out = &outbound{
		module:        "server",
		cfg:           &s.cfg,
		pending:       s.pending,
		metrics:       s.metrics,
		audit:         s.audit,
		routes:        s.registry.LookupLive,
		evict:         s.evict,
		noRouteStatus: SendUnknownClient,
		noRouteErr:    ErrUnknownClient,
	}
	return s
}

// Start launches the expiry sweeper and, if configured, the admin server.
// Non-blocking.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		slog.Info("starting ocpp server", "identity", s.cfg.identity, "actions", s.cfg.handlers.Actions())
		go s.cleanup()

		if s.cfg.adminAddr != "" {
			as, err := NewAdminServer(s, s.cfg.adminAddr)
			if err != nil {
				slog.Error("admin server failed to start", "error", err)
			} else {
				s.adminServer = as
				as.Start()
			}
		}
	})
}

// Stop closes every connection, waits for in-flight handlers and stops the
// sweeper. Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		slog.Info("stopping ocpp server", "identity", s.cfg.identity)
		if s.adminServer != nil {
			s.adminServer.Stop()
		}
		close(s.done)
		s.registry.CloseAll("server shutting down")
		s.cancel()
		s.disp.wg.Wait()
	})
}

func (s *Server) cleanup() {
	ticker := time.NewTicker(s.cfg.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.out.sweep(now)
		}
	}
}

func (s *Server) Registry() *Registry          { return s.registry }
func (s *Server) Pending() *RequestTable       { return s.pending }
func (s *Server) Metrics() *Metrics            { return s.metrics }
func (s *Server) Handlers() *Handlers          { return s.cfg.handlers }
func (s *Server) Identity() NodeID             { return s.cfg.identity }
func (s *Server) Audit() *AuditLog             { return s.audit }
func (s *Server) Authenticator() Authenticator { return s.cfg.authenticator }

// --- FrameHandler ---

func (s *Server) OnNewConnection(conn Connection) {
	id := conn.Attributes().NodeID()
	if id.IsZero() {
		slog.Warn("connection without node id rejected", "remote", conn.RemoteAddr())
		conn.Close("missing node id")
		return
	}
	s.registry.Register(id, conn)
	slog.Info("ocpp connection registered", "node", id, "remote", conn.RemoteAddr(),
		"mode", conn.Attributes().Mode(), "subprotocol", conn.Attributes().Subprotocol())
	s.cfg.events.connected("server", conn)
}

func (s *Server) OnTextMessage(conn Connection, data []byte) {
	s.disp.handleText(conn, data)
}

func (s *Server) OnBinaryMessage(conn Connection, data []byte) {
	s.disp.handleBinary(conn, data)
}

func (s *Server) OnClose(conn Connection) {
	id := conn.Attributes().NodeID()
	if s.registry.UnregisterIf(id, conn) {
		slog.Info("ocpp connection closed", "node", id, "remote", conn.RemoteAddr())
	}
	s.cfg.events.disconnected("server", conn)
}

// writeReply sends on conn under its registry send gate. A connection that
// is no longer registered (replaced mid-request) is written directly.
func (s *Server) writeReply(ctx context.Context, conn Connection, f frame) error {
	if gate := s.registry.gateFor(conn); gate != nil {
		return gatedWrite(ctx, gate, s.cfg.sendGateTimeout, conn, f)
	}
	return f.writeTo(ctx, conn)
}

func (s *Server) evict(r Route, err error) {
	if !s.registry.UnregisterIf(r.Via, r.Conn) {
		return
	}
	s.metrics.Evictions.Add(1)
	slog.Warn("evicting connection after failed send", "node", r.Via, "remote", r.Conn.RemoteAddr(), "error", err)
	if cerr := r.Conn.Close("send failed"); cerr != nil {
		slog.Debug("closing evicted connection failed", "node", r.Via, "error", cerr)
	}
}

// --- sending ---

// Send transmits a JSON request to destination without waiting. On success
// the returned envelope is the wire-resolved request; otherwise it carries
// ErrorMessage and status says why.
func (s *Server) Send(ctx context.Context, destination NodeID, path NetworkPath, action string, payload json.RawMessage) (*Request, SendStatus) {
	return s.SendRequest(ctx, s.out.newRequest(destination, path, action, payload, 0))
}

// SendRequest transmits a prebuilt request.
func (s *Server) SendRequest(ctx context.Context, req *Request) (*Request, SendStatus) {
	return s.out.sendJSON(ctx, req)
}

func (s *Server) SendBinary(ctx context.Context, destination NodeID, path NetworkPath, action string, payload []byte) (*BinaryRequest, SendStatus) {
	return s.out.sendBinary(ctx, s.out.newBinaryRequest(destination, path, action, payload, 0))
}

// SendAndWait sends a JSON request and waits for its resolution. The entry
// is resolved in every case except cancellation: response, CALLERROR,
// Timeout, TransmissionFailed or UnknownClient (see Outcome). A zero
// timeout uses the configured request timeout.
func (s *Server) SendAndWait(ctx context.Context, destination NodeID, path NetworkPath, action string, payload json.RawMessage, timeout time.Duration) (*PendingRequest, error) {
	req, status := s.SendRequest(ctx, s.out.newRequest(destination, path, action, payload, timeout))
	return s.out.await(ctx, req, nil, status)
}

func (s *Server) SendBinaryAndWait(ctx context.Context, destination NodeID, path NetworkPath, action string, payload []byte, timeout time.Duration) (*PendingRequest, error) {
	req, status := s.out.sendBinary(ctx, s.out.newBinaryRequest(destination, path, action, payload, timeout))
	return s.out.await(ctx, nil, req, status)
}

// WaitForResponse waits for a request previously sent with Send.
func (s *Server) WaitForResponse(ctx context.Context, id RequestID) (*PendingRequest, error) {
	return s.pending.Wait(ctx, id)
}

// --- static routes ---

// LoadStaticRoutes replaces the registry's static routes with the contents
// of the configured RouteStore.
func (s *Server) LoadStaticRoutes(ctx context.Context) error {
	if s.cfg.routeStore == nil {
		return nil
	}
	routes, err := s.cfg.routeStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load static routes: %w", err)
	}
	s.registry.ReplaceStaticRoutes(routes)
	slog.Info("static routes loaded", "count", len(routes))
	return nil
}

// AddStaticRoute persists destination → hub (if a store is configured) and
// activates it.
func (s *Server) AddStaticRoute(ctx context.Context, destination, hub NodeID) error {
	if destination.IsZero() || hub.IsZero() {
		return fmt.Errorf("static route needs both destination and hub")
	}
	if destination == hub {
		return fmt.Errorf("static route %s routes to itself", destination)
	}
	if s.cfg.routeStore != nil {
		if err := s.cfg.routeStore.Add(ctx, StaticRoute{Destination: destination, Hub: hub}); err != nil {
			return fmt.Errorf("add static route: %w", err)
		}
	}
	s.registry.AddStaticRoute(destination, hub)
	slog.Info("static route added", "destination", destination, "hub", hub)
	return nil
}

func (s *Server) RemoveStaticRoute(ctx context.Context, destination, hub NodeID) error {
	if s.cfg.routeStore != nil {
		if err := s.cfg.routeStore.Remove(ctx, StaticRoute{Destination: destination, Hub: hub}); err != nil {
			return fmt.Errorf("remove static route: %w", err)
		}
	}
	s.registry.RemoveStaticRoute(destination, hub)
	slog.Info("static route removed", "destination", destination, "hub", hub)
	return nil
}
