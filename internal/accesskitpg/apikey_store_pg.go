package accesskitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

// PostgresAPIKeyStore persists API keys in PostgreSQL via pgx.
type PostgresAPIKeyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAPIKeyStore constructs a Postgres API key store.
func NewPostgresAPIKeyStore(pool *pgxpool.Pool) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{pool: pool}
}

// Create inserts or replaces an API key.
func (store *PostgresAPIKeyStore) Create(ctx context.Context, apiKey accesskit.APIKey) error {
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO api_keys (key, active, permissions, created_at_unix)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET
    active = EXCLUDED.active,
    permissions = EXCLUDED.permissions
`, apiKey.Key, apiKey.Active, strings.Join(apiKey.Permissions, ","), time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("apikey_store.pg.create: %w", execErr)
	}
	return nil
}

// FindByKey returns the API key when present and active.
func (store *PostgresAPIKeyStore) FindByKey(ctx context.Context, key string) (accesskit.APIKey, error) {
	var apiKey accesskit.APIKey
	var joinedPermissions string
	row := store.pool.QueryRow(ctx, `
SELECT key, active, permissions
FROM api_keys
WHERE key = $1 AND active = TRUE
`, key)
	if scanErr := row.Scan(&apiKey.Key, &apiKey.Active, &joinedPermissions); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return accesskit.APIKey{}, fmt.Errorf("apikey_store.pg.find: %w", accesskit.ErrAPIKeyNotFound)
		}
		return accesskit.APIKey{}, fmt.Errorf("apikey_store.pg.find: %w", scanErr)
	}
	if joinedPermissions != "" {
		apiKey.Permissions = strings.Split(joinedPermissions, ",")
	}
	return apiKey, nil
}
