package ocppnet

import (
	"time"
)

// Option configures a Server or a Client.
type Option func(*config)

type config struct {
	requestTimeout   time.Duration
	sendGateTimeout  time.Duration
	cleanupInterval  time.Duration
	maxBinaryPayload int

	// identity is this node's own id, appended to the path of every
	// outbound request and used as the reply hop.
	identity NodeID

	handlers *Handlers
	events   *Events

	// Audit trail size. 0 disables the trail.
	auditSize int

	// Server only.
	routeStore    RouteStore
	authenticator Authenticator
	subprotocols  []string

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string
}

func defaultConfig() config {
	return config{
		requestTimeout:   30 * time.Second,
		sendGateTimeout:  5 * time.Second,
		cleanupInterval:  1 * time.Second,
		maxBinaryPayload: DefaultMaxBinaryPayload,
		auditSize:        256,
		subprotocols:     []string{SubprotocolOCPP21, SubprotocolOCPP201},
	}
}

func newConfig(opts []Option) config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.handlers == nil {
		cfg.handlers = NewHandlers()
	}
	if cfg.authenticator == nil {
		cfg.authenticator = AllowAll{}
	}
	return cfg
}

// WithRequestTimeout sets the default time SendAndWait waits for an answer
// when the caller passes a zero timeout. Default: 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

// WithSendGateTimeout bounds how long a send waits for the per-connection
// send gate before failing with TransmissionFailed. Default: 5s.
func WithSendGateTimeout(d time.Duration) Option {
	return func(c *config) {
		c.sendGateTimeout = d
	}
}

func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) {
		c.cleanupInterval = d
	}
}

// WithMaxBinaryPayload caps the payload of inbound binary frames.
// Default: DefaultMaxBinaryPayload.
func WithMaxBinaryPayload(n int) Option {
	return func(c *config) {
		c.maxBinaryPayload = n
	}
}

func WithIdentity(id NodeID) Option {
	return func(c *config) {
		c.identity = id
	}
}

func WithHandlers(h *Handlers) Option {
	return func(c *config) {
		c.handlers = h
	}
}

func WithEvents(e *Events) Option {
	return func(c *config) {
		c.events = e
	}
}

func WithAuditSize(n int) Option {
	return func(c *config) {
		c.auditSize = n
	}
}

// WithRouteStore persists static routes. Server only.
func WithRouteStore(s RouteStore) Option {
	return func(c *config) {
		c.routeStore = s
	}
}

// WithAuthenticator validates credentials presented on the WebSocket
// handshake. Server only. Default: AllowAll.
func WithAuthenticator(a Authenticator) Option {
	return func(c *config) {
		c.authenticator = a
	}
}

// WithSubprotocols sets the WebSocket subprotocols the server accepts, in
// preference order.
func WithSubprotocols(p ...string) Option {
	return func(c *config) {
		c.subprotocols = p
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *config) {
		c.adminAddr = addr
	}
}
