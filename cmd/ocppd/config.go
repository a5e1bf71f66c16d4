package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/big-pixel-media/ocppnet"
)

// Config is the ocppd YAML file.
type Config struct {
	Identity  string `yaml:"identity"`
	Listen    string `yaml:"listen"`
	AdminAddr string `yaml:"admin_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SendGateTimeout  time.Duration `yaml:"send_gate_timeout"`
	MaxBinaryPayload int           `yaml:"max_binary_payload"`
	Subprotocols     []string      `yaml:"subprotocols"`
	AuditSize        int           `yaml:"audit_size"`

	RouteStore RouteStoreConfig      `yaml:"route_store"`
	Routes     []ocppnet.StaticRoute `yaml:"routes"`

	Auth AuthConfig `yaml:"auth"`
}

type RouteStoreConfig struct {
	// Kind is "memory" (default), "postgres" or "etcd".
	Kind          string   `yaml:"kind"`
	DSN           string   `yaml:"dsn"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
}

type AuthConfig struct {
	// Enabled turns on HTTP Basic authentication. Without it every node
	// is accepted.
	Enabled              bool         `yaml:"enabled"`
	AllowForeignUsername bool         `yaml:"allow_foreign_username"`
	Users                []UserConfig `yaml:"users"`
}

// UserConfig holds either a bcrypt hash or, for development, a plain
// password hashed at startup.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Password     string `yaml:"password"`
}

func defaultFileConfig() Config {
	return Config{
		Identity:  "CSMS",
		Listen:    ":8887",
		LogLevel:  "info",
		LogFormat: "json",
		RouteStore: RouteStoreConfig{
			Kind: "memory",
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// options translates the file into server options. Zero values keep the
// library defaults.
func (c Config) options() []ocppnet.Option {
	opts := []ocppnet.Option{
		ocppnet.WithIdentity(ocppnet.NodeID(c.Identity)),
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, ocppnet.WithRequestTimeout(c.RequestTimeout))
	}
	if c.SendGateTimeout > 0 {
		opts = append(opts, ocppnet.WithSendGateTimeout(c.SendGateTimeout))
	}
	if c.MaxBinaryPayload > 0 {
		opts = append(opts, ocppnet.WithMaxBinaryPayload(c.MaxBinaryPayload))
	}
	if len(c.Subprotocols) > 0 {
		opts = append(opts, ocppnet.WithSubprotocols(c.Subprotocols...))
	}
	if c.AuditSize > 0 {
		opts = append(opts, ocppnet.WithAuditSize(c.AuditSize))
	}
	if c.AdminAddr != "" {
		opts = append(opts, ocppnet.WithAdminAddr(c.AdminAddr))
	}
	return opts
}

func (c Config) authenticator() (ocppnet.Authenticator, error) {
	if !c.Auth.Enabled {
		return ocppnet.AllowAll{}, nil
	}
	a := ocppnet.NewBasicAuthenticator()
	a.AllowForeignUsername = c.Auth.AllowForeignUsername
	for _, u := range c.Auth.Users {
		switch {
		case u.PasswordHash != "":
			a.SetHash(u.Username, []byte(u.PasswordHash))
		case u.Password != "":
			if err := a.SetPassword(u.Username, u.Password); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("user %q has neither password nor password_hash", u.Username)
		}
	}
	return a, nil
}

// openRouteStore builds the configured store. The returned close func is
// never nil.
func (c Config) openRouteStore(ctx context.Context) (ocppnet.RouteStore, func(), error) {
	switch c.RouteStore.Kind {
	case "", "memory":
		return ocppnet.NewMemoryRouteStore(c.Routes...), func() {}, nil

	case "postgres":
		if c.RouteStore.DSN == "" {
			return nil, nil, fmt.Errorf("route_store.dsn is required for postgres")
		}
		db, err := sql.Open("pgx", c.RouteStore.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database ping: %w", err)
		}
		if err := ocppnet.MigrateSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("schema migration: %w", err)
		}
		store := ocppnet.NewSQLRouteStore(db)
		if err := seedRoutes(ctx, store, c.Routes); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case "etcd":
		if len(c.RouteStore.EtcdEndpoints) == 0 {
			return nil, nil, fmt.Errorf("route_store.etcd_endpoints is required for etcd")
		}
		store, err := ocppnet.NewEtcdRouteStore(c.RouteStore.EtcdEndpoints)
		if err != nil {
			return nil, nil, err
		}
		if c.RouteStore.EtcdPrefix != "" {
			store = store.WithPrefix(c.RouteStore.EtcdPrefix)
		}
		if err := seedRoutes(ctx, store, c.Routes); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown route_store.kind %q (valid: memory, postgres, etcd)", c.RouteStore.Kind)
	}
}

func seedRoutes(ctx context.Context, store ocppnet.RouteStore, routes []ocppnet.StaticRoute) error {
	for _, r := range routes {
		if err := store.Add(ctx, r); err != nil {
			return fmt.Errorf("seed route %s via %s: %w", r.Destination, r.Hub, err)
		}
	}
	return nil
}
