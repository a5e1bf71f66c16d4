package ocppnet

import (
	"context"
)

// MigrateSchema creates the route tables if they do not exist.
// Safe to call on every startup; all statements use IF NOT EXISTS.
func MigrateSchema(ctx context.Context, db SQLDB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS static_routes (
	destination_id TEXT NOT NULL,
	hub_id         TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (destination_id, hub_id)
);
CREATE INDEX IF NOT EXISTS idx_static_routes_hub ON static_routes (hub_id);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
