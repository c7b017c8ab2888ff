package accesskitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the access-service tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS shops (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    roles TEXT NOT NULL,
    created_at_unix BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS keysets (
    shop_id TEXT PRIMARY KEY,
    access_secret TEXT NOT NULL,
    refresh_secret TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keysets_refresh_token ON keysets (refresh_token);
CREATE TABLE IF NOT EXISTS used_refresh_tokens (
    token TEXT PRIMARY KEY,
    shop_id TEXT NOT NULL,
    rotated_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_used_refresh_tokens_shop ON used_refresh_tokens (shop_id);
CREATE TABLE IF NOT EXISTS api_keys (
    key TEXT PRIMARY KEY,
    active BOOLEAN NOT NULL,
    permissions TEXT NOT NULL,
    created_at_unix BIGINT NOT NULL
);
`)
	return err
}
