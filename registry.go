package ocppnet

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const registryShards = 64

// Route is one candidate connection for a destination.
type Route struct {
	// Via is the identity the connection is bound to. It equals the
	// destination for direct routes and the hub for static routes.
	Via  NodeID
	Conn Connection
	// Mode is the networking mode outbound frames on this route must use.
	Mode NetworkingMode

	gate sendGate
}

type connRecord struct {
	conn         Connection
	registeredAt time.Time
	gate         sendGate
}

type registryShard struct {
	mu sync.RWMutex
	m  map[NodeID]*connRecord
}

// Registry tracks live server-side connections by node id plus the static
// routes used to reach nodes that sit behind a hub.
//
// Invariants:
//   - At most one live connection per node id. Register swaps the record
//     under the shard lock and closes whatever it displaced, so every
//     displaced connection is closed exactly once even when several
//     registrations for the same id race.
//   - Static routes are an immutable snapshot swapped atomically on every
//     write; lookups never block on route edits.
type Registry struct {
	shards [registryShards]registryShard

	routesMu sync.Mutex // serializes route writers
	routes   atomic.Pointer[map[NodeID][]NodeID]

	count   atomic.Int64
	onEvict func(id NodeID, conn Connection)
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[NodeID]*connRecord)
	}
	empty := map[NodeID][]NodeID{}
	r.routes.Store(&empty)
	return r
}

func (r *Registry) shard(id NodeID) *registryShard {
	return &r.shards[fnvHash64(string(id))&(registryShards-1)]
}

// Register binds conn to id. A connection already registered under id is
// closed (best effort) and replaced.
func (r *Registry) Register(id NodeID, conn Connection) {
	if id.IsZero() || conn == nil {
		return
	}
	rec := &connRecord{conn: conn, registeredAt: time.Now().UTC(), gate: newSendGate()}

	s := r.shard(id)
	s.mu.Lock()
	old := s.m[id]
	if old != nil && old.conn == conn {
		s.mu.Unlock()
		return
	}
	s.m[id] = rec
	s.mu.Unlock()

	if old == nil {
		r.count.Add(1)
		return
	}
	slog.Warn("duplicate node identity, closing previous connection",
		"node", id, "previous_remote", old.conn.RemoteAddr(), "remote", conn.RemoteAddr())
	if err := old.conn.Close("replaced by a newer connection"); err != nil {
		slog.Warn("closing replaced connection failed", "node", id, "error", err)
	}
	if r.onEvict != nil {
		r.onEvict(id, old.conn)
	}
}

// Unregister removes whatever connection is registered under id.
func (r *Registry) Unregister(id NodeID) (Connection, bool) {
	s := r.shard(id)
	s.mu.Lock()
	rec, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.count.Add(-1)
	return rec.conn, true
}

// UnregisterIf removes the record for id only if it still holds conn. A
// connection that was already replaced cannot evict its successor.
func (r *Registry) UnregisterIf(id NodeID, conn Connection) bool {
	s := r.shard(id)
	s.mu.Lock()
	rec, ok := s.m[id]
	if ok && rec.conn == conn {
		delete(s.m, id)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		r.count.Add(-1)
	}
	return ok
}

// Connection returns the connection registered directly under id.
func (r *Registry) Connection(id NodeID) (Connection, bool) {
	rec := r.record(id)
	if rec == nil {
		return nil, false
	}
	return rec.conn, true
}

func (r *Registry) record(id NodeID) *connRecord {
	if id.IsZero() {
		return nil
	}
	s := r.shard(id)
	s.mu.RLock()
	rec := s.m[id]
	s.mu.RUnlock()
	return rec
}

// gateFor returns the send gate of the record holding conn, or nil.
func (r *Registry) gateFor(conn Connection) sendGate {
	id := conn.Attributes().NodeID()
	rec := r.record(id)
	if rec == nil || rec.conn != conn {
		return nil
	}
	return rec.gate
}

// LookupLive returns the candidate connections for destination id.
//
// A static route wins over a direct connection: when id maps to one or more
// hubs, the live hub connections are returned (in route order) tagged
// ModeOverlayNetwork. Otherwise the connection registered under id itself is
// returned with its negotiated mode. A zero id never matches anything.
func (r *Registry) LookupLive(id NodeID) []Route {
	if id.IsZero() {
		return nil
	}
	if hubs := (*r.routes.Load())[id]; len(hubs) > 0 {
		var out []Route
		for _, hub := range hubs {
			if rec := r.record(hub); rec != nil {
				out = append(out, Route{Via: hub, Conn: rec.conn, Mode: ModeOverlayNetwork, gate: rec.gate})
			}
		}
		return out
	}
	rec := r.record(id)
	if rec == nil {
		return nil
	}
	return []Route{{Via: id, Conn: rec.conn, Mode: rec.conn.Attributes().Mode(), gate: rec.gate}}
}

// AddStaticRoute makes destination reachable through hub. Adding the same
// pair twice is a no-op.
func (r *Registry) AddStaticRoute(destination, hub NodeID) bool {
	if destination.IsZero() || hub.IsZero() || destination == hub {
		return false
	}
	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	cur := *r.routes.Load()
	for _, h := range cur[destination] {
		if h == hub {
			return false
		}
	}
	next := copyRoutes(cur)
	next[destination] = append(append([]NodeID(nil), cur[destination]...), hub)
	r.routes.Store(&next)
	return true
}

// RemoveStaticRoute drops the destination → hub pair.
func (r *Registry) RemoveStaticRoute(destination, hub NodeID) bool {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	cur := *r.routes.Load()
	hubs := cur[destination]
	idx := -1
	for i, h := range hubs {
		if h == hub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := copyRoutes(cur)
	rest := make([]NodeID, 0, len(hubs)-1)
	rest = append(rest, hubs[:idx]...)
	rest = append(rest, hubs[idx+1:]...)
	if len(rest) == 0 {
		delete(next, destination)
	} else {
		next[destination] = rest
	}
	r.routes.Store(&next)
	return true
}

// ReplaceStaticRoutes swaps in a complete route set, e.g. one loaded from a
// RouteStore.
func (r *Registry) ReplaceStaticRoutes(routes []StaticRoute) {
	next := make(map[NodeID][]NodeID, len(routes))
	for _, sr := range routes {
		if sr.Destination.IsZero() || sr.Hub.IsZero() {
			continue
		}
		next[sr.Destination] = append(next[sr.Destination], sr.Hub)
	}
	r.routesMu.Lock()
	r.routes.Store(&next)
	r.routesMu.Unlock()
}

// StaticRoutes returns the current routes sorted by destination.
func (r *Registry) StaticRoutes() []StaticRoute {
	cur := *r.routes.Load()
	var out []StaticRoute
	for dest, hubs := range cur {
		for _, hub := range hubs {
			out = append(out, StaticRoute{Destination: dest, Hub: hub})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Destination < out[j].Destination
	})
	return out
}

func copyRoutes(m map[NodeID][]NodeID) map[NodeID][]NodeID {
	out := make(map[NodeID][]NodeID, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// ConnectionInfo describes a registered connection for diagnostics.
type ConnectionInfo struct {
	NodeID       NodeID    `json:"node_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Mode         string    `json:"mode"`
	Subprotocol  string    `json:"subprotocol,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Snapshot lists registered connections sorted by node id.
func (r *Registry) Snapshot() []ConnectionInfo {
	var out []ConnectionInfo
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id, rec := range s.m {
			attrs := rec.conn.Attributes()
			out = append(out, ConnectionInfo{
				NodeID:       id,
				RemoteAddr:   rec.conn.RemoteAddr(),
				Mode:         attrs.Mode().String(),
				Subprotocol:  attrs.Subprotocol(),
				ConnectedAt:  attrs.ConnectedAt(),
				RegisteredAt: rec.registeredAt,
			})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll(reason string) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		recs := make([]*connRecord, 0, len(s.m))
		for id, rec := range s.m {
			recs = append(recs, rec)
			delete(s.m, id)
		}
		s.mu.Unlock()
		for _, rec := range recs {
			r.count.Add(-1)
			if err := rec.conn.Close(reason); err != nil {
				slog.Debug("close on shutdown failed", "remote", rec.conn.RemoteAddr(), "error", err)
			}
		}
	}
}
