package ocppnet

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"
)

// AdminServer exposes operational endpoints for a Server over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	srv      *Server
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(srv *Server, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		srv:      srv,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/connections", as.handleConnections)
	mux.HandleFunc("/routes", as.handleRoutes)
	mux.HandleFunc("/pending", as.handlePending)
	mux.HandleFunc("/audit", as.handleAudit)
	mux.HandleFunc("/send", as.handleSend)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Identity     NodeID           `json:"identity"`
	Connections  int              `json:"connections"`
	Pending      int              `json:"pending"`
	StaticRoutes int              `json:"static_routes"`
	Actions      []string         `json:"actions"`
	Metrics      map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := as.srv
	actions := s.Handlers().Actions()
	sort.Strings(actions)
	writeJSON(w, statusResponse{
		Identity:     s.Identity(),
		Connections:  s.registry.Len(),
		Pending:      s.pending.Len(),
		StaticRoutes: len(s.registry.StaticRoutes()),
		Actions:      actions,
		Metrics:      s.metrics.Snapshot(),
	})
}

type connectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// handleConnections lists connections (GET) or disconnects one
// (DELETE ?node=<id>).
func (as *AdminServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conns := as.srv.registry.Snapshot()
		if conns == nil {
			conns = []ConnectionInfo{}
		}
		writeJSON(w, connectionsResponse{Connections: conns})
	case http.MethodDelete:
		id := NodeID(r.URL.Query().Get("node"))
		if id.IsZero() {
			http.Error(w, `missing "node" query parameter`, http.StatusBadRequest)
			return
		}
		conn, ok := as.srv.registry.Unregister(id)
		if !ok {
			http.Error(w, "not connected", http.StatusNotFound)
			return
		}
		conn.Close("disconnected by admin")
		writeJSON(w, map[string]any{"disconnected": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type routesResponse struct {
	Routes []StaticRoute `json:"routes"`
}

// handleRoutes lists (GET), adds (POST) or removes (DELETE) static routes.
// POST and DELETE take a StaticRoute JSON body.
func (as *AdminServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		routes := as.srv.registry.StaticRoutes()
		if routes == nil {
			routes = []StaticRoute{}
		}
		writeJSON(w, routesResponse{Routes: routes})
		return
	case http.MethodPost, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var route StaticRoute
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&route); err != nil {
		http.Error(w, "invalid route: "+err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	if r.Method == http.MethodPost {
		err = as.srv.AddStaticRoute(r.Context(), route.Destination, route.Hub)
	} else {
		err = as.srv.RemoveStaticRoute(r.Context(), route.Destination, route.Hub)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, route)
}

type pendingResponse struct {
	Pending []PendingInfo `json:"pending"`
}

func (as *AdminServer) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := as.srv.pending.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].SentAt.Before(entries[j].SentAt) })
	if entries == nil {
		entries = []PendingInfo{}
	}
	writeJSON(w, pendingResponse{Pending: entries})
}

type auditResponse struct {
	Entries []AuditEntry `json:"entries"`
}

func (as *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := as.srv.audit.Entries()
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, auditResponse{Entries: entries})
}

// sendRequest is the JSON body for POST /send.
type sendRequest struct {
	Destination NodeID          `json:"destination"`
	Path        []NodeID        `json:"path,omitempty"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

// sendResponse reports how a request sent through POST /send resolved.
type sendResponse struct {
	RequestID        RequestID       `json:"request_id"`
	Outcome          string          `json:"outcome"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ErrorCode        ErrorCode       `json:"error_code,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	LatencyMs        int64           `json:"latency_ms"`
}

// handleSend sends a JSON request to a node and waits for the answer.
// Useful for poking stations by hand.
func (as *AdminServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Destination.IsZero() || req.Action == "" {
		http.Error(w, `"destination" and "action" are required`, http.StatusBadRequest)
		return
	}

	entry, err := as.srv.SendAndWait(r.Context(), req.Destination, NewNetworkPath(req.Path...), req.Action,
		req.Payload, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	resp := sendResponse{
		RequestID:        entry.RequestID,
		Outcome:          entry.Outcome().String(),
		ErrorCode:        entry.ErrorCode,
		ErrorDescription: entry.ErrorDescription,
	}
	if entry.Response != nil {
		resp.Payload = entry.Response.Payload
	}
	if !entry.ResponseTimestamp.IsZero() {
		resp.LatencyMs = entry.ResponseTimestamp.Sub(entry.RequestTimestamp).Milliseconds()
	}
	writeJSON(w, resp)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
