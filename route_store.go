package ocppnet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// StaticRoute makes Destination reachable through Hub.
type StaticRoute struct {
	Destination NodeID `json:"destination" yaml:"destination"`
	Hub         NodeID `json:"hub" yaml:"hub"`
}

// RouteStore persists static routes so they survive restarts. Load returns
// routes in the order hubs should be tried for each destination.
type RouteStore interface {
	Load(ctx context.Context) ([]StaticRoute, error)
	Add(ctx context.Context, r StaticRoute) error
	Remove(ctx context.Context, r StaticRoute) error
}

// --- memory ---

// MemoryRouteStore keeps routes in process. Used when no database is
// configured and in tests.
type MemoryRouteStore struct {
	mu     sync.Mutex
	routes []StaticRoute
}

func NewMemoryRouteStore(initial ...StaticRoute) *MemoryRouteStore {
	return &MemoryRouteStore{routes: append([]StaticRoute(nil), initial...)}
}

func (m *MemoryRouteStore) Load(context.Context) ([]StaticRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StaticRoute(nil), m.routes...), nil
}

func (m *MemoryRouteStore) Add(_ context.Context, r StaticRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.routes {
		if have == r {
			return nil
		}
	}
	m.routes = append(m.routes, r)
	return nil
}

func (m *MemoryRouteStore) Remove(_ context.Context, r StaticRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range m.routes {
		if have == r {
			m.routes = append(m.routes[:i], m.routes[i+1:]...)
			return nil
		}
	}
	return nil
}

// --- SQL ---

// SQLDB abstracts database operations for testability. *sql.DB satisfies
// this interface natively.
type SQLDB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLRouteStore keeps routes in the static_routes table (see
// MigrateSchema). Queries use $n placeholders (Postgres via pgx).
type SQLRouteStore struct {
	db SQLDB
}

func NewSQLRouteStore(db SQLDB) *SQLRouteStore {
	return &SQLRouteStore{db: db}
}

func (s *SQLRouteStore) Load(ctx context.Context) ([]StaticRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT destination_id, hub_id FROM static_routes
		 ORDER BY destination_id, priority, created_at, hub_id`)
	if err != nil {
		return nil, fmt.Errorf("routes: load: %w", err)
	}
	defer rows.Close()

	var out []StaticRoute
	for rows.Next() {
		var dest, hub string
		if err := rows.Scan(&dest, &hub); err != nil {
			return nil, fmt.Errorf("routes: scan: %w", err)
		}
		out = append(out, StaticRoute{Destination: NodeID(dest), Hub: NodeID(hub)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routes: load: %w", err)
	}
	return out, nil
}

// Add inserts the route after any existing hubs for the destination.
func (s *SQLRouteStore) Add(ctx context.Context, r StaticRoute) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO static_routes (destination_id, hub_id, priority)
		 SELECT $1::text, $2::text, COALESCE(MAX(priority) + 1, 0) FROM static_routes WHERE destination_id = $1::text
		 ON CONFLICT (destination_id, hub_id) DO NOTHING`,
		string(r.Destination), string(r.Hub))
	if err != nil {
		return fmt.Errorf("routes: add %s via %s: %w", r.Destination, r.Hub, err)
	}
	return nil
}

func (s *SQLRouteStore) Remove(ctx context.Context, r StaticRoute) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM static_routes WHERE destination_id = $1 AND hub_id = $2`,
		string(r.Destination), string(r.Hub))
	if err != nil {
		return fmt.Errorf("routes: remove %s via %s: %w", r.Destination, r.Hub, err)
	}
	return nil
}

// --- etcd ---

// etcdRoutePrefix is the key space for routes. Keys are
// <prefix><destination>/<hub>; the value records when the route was added
// so hubs keep their insertion order.
const etcdRoutePrefix = "/ocppnet/v1/routes/"

type etcdRouteRecord struct {
	Destination NodeID    `json:"destination"`
	Hub         NodeID    `json:"hub"`
	AddedAt     time.Time `json:"added_at"`
}

// EtcdRouteStore keeps routes in etcd so several servers share them.
type EtcdRouteStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdRouteStore dials endpoints. The caller must call Close.
func NewEtcdRouteStore(endpoints []string) (*EtcdRouteStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdRouteStore{client: client, prefix: etcdRoutePrefix}, nil
}

// WithPrefix returns a store sharing the client under a different key
// prefix, which must end in "/".
func (s *EtcdRouteStore) WithPrefix(prefix string) *EtcdRouteStore {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdRouteStore{client: s.client, prefix: prefix}
}

func (s *EtcdRouteStore) Close() error {
	return s.client.Close()
}

func (s *EtcdRouteStore) key(r StaticRoute) string {
	return s.prefix + string(r.Destination) + "/" + string(r.Hub)
}

func (s *EtcdRouteStore) Load(ctx context.Context) ([]StaticRoute, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", s.prefix, err)
	}
	recs := make([]etcdRouteRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec etcdRouteRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", string(kv.Key), err)
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Destination != recs[j].Destination {
			return recs[i].Destination < recs[j].Destination
		}
		return recs[i].AddedAt.Before(recs[j].AddedAt)
	})
	out := make([]StaticRoute, len(recs))
	for i, rec := range recs {
		out[i] = StaticRoute{Destination: rec.Destination, Hub: rec.Hub}
	}
	return out, nil
}

// Add writes the route unless it already exists, keeping the original
// insertion time.
func (s *EtcdRouteStore) Add(ctx context.Context, r StaticRoute) error {
	k := s.key(r)
	data, err := json.Marshal(etcdRouteRecord{Destination: r.Destination, Hub: r.Hub, AddedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd txn create %q: %w", k, err)
	}
	return nil
}

func (s *EtcdRouteStore) Remove(ctx context.Context, r StaticRoute) error {
	k := s.key(r)
	if _, err := s.client.Delete(ctx, k); err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	return nil
}
