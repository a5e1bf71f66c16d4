package ocppnet

// WebSocket transport for OCPP-J.
//
// Invariants:
//   - One goroutine writes to each websocket.Conn (the conn's writer); all
//     SendText/SendBinary calls enqueue on its channel and wait for the
//     write result, so a send only reports success once the frame is on
//     the socket.
//   - Every write is bounded by wsWriteTimeout. A failed write closes the
//     connection; the read loop then reports OnClose.
//   - The read deadline is pushed forward by pongs and by any inbound
//     frame, refreshed at most every few seconds using the coarse clock.
//     A peer silent for wsReadTimeout is considered gone.
//   - The server takes the node id from the last URL path segment
//     (/ocpp/{nodeId}) and the networking mode from the
//     X-OCPP-NetworkingMode header. Credentials are checked before the
//     upgrade; a rejection is a plain HTTP 401.

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	SubprotocolOCPP21  = "ocpp2.1"
	SubprotocolOCPP201 = "ocpp2.0.1"

	// NetworkingModeHeader carries the requested NetworkingMode on the
	// upgrade request and echoes the accepted one on the response.
	NetworkingModeHeader = "X-OCPP-NetworkingMode"
)

// wsHandshakeTimeout bounds the HTTP upgrade on both sides.
const wsHandshakeTimeout = 10 * time.Second

// wsWriteTimeout bounds every frame write.
const wsWriteTimeout = 10 * time.Second

// wsPingInterval is how often the writer pings an idle peer.
const wsPingInterval = 30 * time.Second

// wsReadTimeout is how long a connection may stay silent (no frames, no
// pongs) before it is torn down.
const wsReadTimeout = 90 * time.Second

// wsSendBuffer is the capacity of each connection's outbound channel.
const wsSendBuffer = 256

// wsFrameOverhead is added to the binary payload ceiling to get the read
// limit, covering the header of a binary frame.
const wsFrameOverhead = 64 << 10

var errConnClosed = fmt.Errorf("websocket connection closed")

type wsWrite struct {
	messageType int
	data        []byte
	result      chan error
}

// wsConn adapts a *websocket.Conn to Connection.
type wsConn struct {
	ws     *websocket.Conn
	attrs  *Attributes
	remote string

	sendCh    chan wsWrite
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, attrs *Attributes, remote string) *wsConn {
	return &wsConn{
		ws:     ws,
		attrs:  attrs,
		remote: remote,
		sendCh: make(chan wsWrite, wsSendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) Attributes() *Attributes { return c.attrs }
func (c *wsConn) RemoteAddr() string      { return c.remote }

func (c *wsConn) SendText(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, websocket.TextMessage, data)
}

func (c *wsConn) SendBinary(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, websocket.BinaryMessage, data)
}

func (c *wsConn) enqueue(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	w := wsWrite{messageType: messageType, data: data, result: make(chan error, 1)}
	select {
	case c.sendCh <- w:
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-w.result:
		return err
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a normal-closure frame (best effort) and closes the socket.
func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateCloseReason(reason))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Close reasons travel in a control frame, limited to 125 bytes in total.
func truncateCloseReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

// writer owns all data writes on the socket.
func (c *wsConn) writer() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case w := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.ws.WriteMessage(w.messageType, w.data)
			w.result <- err
			if err != nil {
				slog.Warn("websocket write failed", "node", c.attrs.NodeID(), "remote", c.remote, "error", err)
				c.Close("write failed")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				slog.Warn("websocket ping failed", "node", c.attrs.NodeID(), "remote", c.remote, "error", err)
				c.Close("ping failed")
				return
			}
		}
	}
}

// readLoop feeds frames to h until the socket fails, then reports OnClose.
func (c *wsConn) readLoop(h FrameHandler, readLimit int64) {
	defer func() {
		c.Close("read loop ended")
		h.OnClose(c)
	}()

	c.ws.SetReadLimit(readLimit)
	var lastDeadlineSet int64
	refresh := func() {
		now := coarseUnix()
		if now-lastDeadlineSet >= 5 {
			c.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
			lastDeadlineSet = now
		}
	}
	c.ws.SetPongHandler(func(string) error {
		refresh()
		return nil
	})

	for {
		refresh()
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// closed locally
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Info("websocket closed by peer", "node", c.attrs.NodeID(), "remote", c.remote)
				} else {
					slog.Warn("websocket read error", "node", c.attrs.NodeID(), "remote", c.remote, "error", err)
				}
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			h.OnTextMessage(c, data)
		case websocket.BinaryMessage:
			h.OnBinaryMessage(c, data)
		}
	}
}

// --- server ---

// WebSocketServer accepts OCPP WebSocket connections for a Server. It is an
// http.Handler and can be mounted on any mux; Start binds its own listener.
type WebSocketServer struct {
	srv      *Server
	upgrader websocket.Upgrader

	listener net.Listener
	http     *http.Server

	conns sync.Map // map[*wsConn]struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
}

func NewWebSocketServer(srv *Server) *WebSocketServer {
	return &WebSocketServer{
		srv: srv,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			Subprotocols:     srv.cfg.subprotocols,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Start listens on addr and serves in the background. Use ":0" to pick a
// free port and Addr to read it back.
func (ws *WebSocketServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	ws.listener = ln
	ws.http = &http.Server{
		Handler:           ws,
		ReadHeaderTimeout: wsHandshakeTimeout,
	}
	go func() {
		if err := ws.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket server error", "error", err)
		}
	}()
	slog.Info("websocket server started", "addr", ws.Addr())
	return nil
}

func (ws *WebSocketServer) Addr() string {
	if ws.listener == nil {
		return ""
	}
	return ws.listener.Addr().String()
}

// Stop stops accepting, closes every live connection and waits for their
// read loops to finish.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		if ws.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			ws.http.Shutdown(ctx)
			cancel()
		}
		ws.conns.Range(func(key, _ any) bool {
			key.(*wsConn).Close("server shutting down")
			return true
		})
		ws.wg.Wait()
	})
}

func (ws *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	nodeID := NodeID(p[strings.LastIndexByte(p, '/')+1:])
	if nodeID.IsZero() {
		http.Error(w, "missing node id in path", http.StatusBadRequest)
		return
	}
	mode, ok := ParseNetworkingMode(r.Header.Get(NetworkingModeHeader))
	if !ok {
		http.Error(w, "invalid "+NetworkingModeHeader, http.StatusBadRequest)
		return
	}
	mode = mode.Resolved()

	username, password, _ := r.BasicAuth()
	creds := Credentials{NodeID: nodeID, Username: username, Password: password, RemoteAddr: r.RemoteAddr}
	if !ws.srv.cfg.authenticator.Validate(r.Context(), creds) {
		slog.Warn("ocpp connection rejected", "node", nodeID, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	respHeader := http.Header{}
	respHeader.Set(NetworkingModeHeader, mode.String())
	sock, err := ws.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already answered the request.
		slog.Warn("websocket upgrade failed", "node", nodeID, "remote", r.RemoteAddr, "error", err)
		return
	}
	if sock.Subprotocol() == "" && len(ws.upgrader.Subprotocols) > 0 {
		slog.Warn("no ocpp subprotocol negotiated", "node", nodeID, "offered", websocket.Subprotocols(r))
	}

	conn := newWSConn(sock, NewAttributes(nodeID, mode, sock.Subprotocol()), r.RemoteAddr)
	ws.conns.Store(conn, struct{}{})
	ws.wg.Add(1)
	defer func() {
		ws.conns.Delete(conn)
		ws.wg.Done()
	}()

	go conn.writer()
	ws.srv.OnNewConnection(conn)
	conn.readLoop(ws.srv, int64(ws.srv.cfg.maxBinaryPayload)+wsFrameOverhead)
}

// --- client ---

// DialWebSocket connects to url (ending in /{nodeId}) and feeds the
// connection to h, typically a *Client. The returned Connection is already
// announced to h via OnNewConnection; h.OnClose fires when it ends.
func DialWebSocket(ctx context.Context, url string, h FrameHandler, opts ...DialOption) (Connection, error) {
	o := defaultDialOptions()
	for _, opt := range opts {
		opt(&o)
	}

	header := http.Header{}
	for k, v := range o.Header {
		header[k] = append([]string(nil), v...)
	}
	if o.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(o.Username + ":" + o.Password))
		header.Set("Authorization", "Basic "+token)
	}
	if o.Mode != ModeUnknown {
		header.Set(NetworkingModeHeader, o.Mode.String())
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: o.HandshakeTimeout,
		Subprotocols:     o.Subprotocols,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  o.TLSConfig,
	}
	sock, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	mode := o.Mode.Resolved()
	if resp != nil {
		if m, ok := ParseNetworkingMode(resp.Header.Get(NetworkingModeHeader)); ok && m != ModeUnknown {
			mode = m
		}
	}
	conn := newWSConn(sock, NewAttributes(o.UpstreamID, mode, sock.Subprotocol()), sock.RemoteAddr().String())

	go conn.writer()
	h.OnNewConnection(conn)
	go conn.readLoop(h, int64(o.MaxBinaryPayload)+wsFrameOverhead)

	slog.Info("websocket connected", "url", url, "subprotocol", sock.Subprotocol(), "mode", mode)
	return conn, nil
}
