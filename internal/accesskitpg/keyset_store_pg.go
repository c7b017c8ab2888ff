package accesskitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

// PostgresKeysetStore persists keysets in PostgreSQL via pgx. The rotation is
// a single conditional UPDATE inside a transaction with the used-row insert,
// so concurrent rotations of the same token cannot both win.
type PostgresKeysetStore struct {
	pool *pgxpool.Pool
}

// NewPostgresKeysetStore constructs a Postgres keyset store.
func NewPostgresKeysetStore(pool *pgxpool.Pool) *PostgresKeysetStore {
	return &PostgresKeysetStore{pool: pool}
}

// Upsert writes the keyset and clears the shop's used-token rows.
func (store *PostgresKeysetStore) Upsert(ctx context.Context, shopID string, accessSecret string, refreshSecret string, refreshToken string) error {
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("keyset_store.pg.upsert: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	if _, execErr := transaction.Exec(ctx, `DELETE FROM used_refresh_tokens WHERE shop_id = $1`, shopID); execErr != nil {
		return fmt.Errorf("keyset_store.pg.upsert: %w", execErr)
	}
	_, execErr := transaction.Exec(ctx, `
INSERT INTO keysets (shop_id, access_secret, refresh_secret, refresh_token, updated_at_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (shop_id) DO UPDATE SET
    access_secret = EXCLUDED.access_secret,
    refresh_secret = EXCLUDED.refresh_secret,
    refresh_token = EXCLUDED.refresh_token,
    updated_at_unix = EXCLUDED.updated_at_unix
`, shopID, accessSecret, refreshSecret, refreshToken, time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("keyset_store.pg.upsert: %w", execErr)
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return fmt.Errorf("keyset_store.pg.upsert: %w", commitErr)
	}
	return nil
}

// FindByShop returns the shop's keyset with its used-token set.
func (store *PostgresKeysetStore) FindByShop(ctx context.Context, shopID string) (accesskit.Keyset, error) {
	keyset, err := store.scanKeyset(ctx, `
SELECT shop_id, access_secret, refresh_secret, refresh_token
FROM keysets
WHERE shop_id = $1
`, shopID, "find_by_shop")
	if err != nil {
		return accesskit.Keyset{}, err
	}
	return store.loadUsed(ctx, keyset)
}

// FindByCurrentRefreshToken resolves a keyset by its live refresh token.
func (store *PostgresKeysetStore) FindByCurrentRefreshToken(ctx context.Context, refreshToken string) (accesskit.Keyset, error) {
	keyset, err := store.scanKeyset(ctx, `
SELECT shop_id, access_secret, refresh_secret, refresh_token
FROM keysets
WHERE refresh_token = $1
`, refreshToken, "find_by_current")
	if err != nil {
		return accesskit.Keyset{}, err
	}
	return store.loadUsed(ctx, keyset)
}

// FindByUsedRefreshToken resolves a keyset by a token already rotated out.
func (store *PostgresKeysetStore) FindByUsedRefreshToken(ctx context.Context, refreshToken string) (accesskit.Keyset, error) {
	var shopID string
	row := store.pool.QueryRow(ctx, `SELECT shop_id FROM used_refresh_tokens WHERE token = $1`, refreshToken)
	if scanErr := row.Scan(&shopID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.find_by_used: %w", accesskit.ErrKeysetNotFound)
		}
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.find_by_used: %w", scanErr)
	}
	return store.FindByShop(ctx, shopID)
}

// Rotate sets the new current token and records the old one as used, only if
// the old token is still current.
func (store *PostgresKeysetStore) Rotate(ctx context.Context, shopID string, newRefreshToken string, oldRefreshToken string) error {
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("keyset_store.pg.rotate: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	commandTag, updateErr := transaction.Exec(ctx, `
UPDATE keysets
SET refresh_token = $1, updated_at_unix = $2
WHERE shop_id = $3 AND refresh_token = $4
`, newRefreshToken, time.Now().UTC().Unix(), shopID, oldRefreshToken)
	if updateErr != nil {
		return fmt.Errorf("keyset_store.pg.rotate: %w", updateErr)
	}
	if commandTag.RowsAffected() == 0 {
		var exists bool
		row := transaction.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM keysets WHERE shop_id = $1)`, shopID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			return fmt.Errorf("keyset_store.pg.rotate: %w", scanErr)
		}
		if !exists {
			return fmt.Errorf("keyset_store.pg.rotate: %w", accesskit.ErrKeysetNotFound)
		}
		return fmt.Errorf("keyset_store.pg.rotate: %w", accesskit.ErrRotateConflict)
	}
	if _, insertErr := transaction.Exec(ctx, `
INSERT INTO used_refresh_tokens (token, shop_id, rotated_at_unix)
VALUES ($1, $2, $3)
`, oldRefreshToken, shopID, time.Now().UTC().Unix()); insertErr != nil {
		return fmt.Errorf("keyset_store.pg.rotate: %w", insertErr)
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return fmt.Errorf("keyset_store.pg.rotate: %w", commitErr)
	}
	return nil
}

// DeleteByShop removes the keyset and its used-token rows.
func (store *PostgresKeysetStore) DeleteByShop(ctx context.Context, shopID string) error {
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("keyset_store.pg.delete: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	commandTag, deleteErr := transaction.Exec(ctx, `DELETE FROM keysets WHERE shop_id = $1`, shopID)
	if deleteErr != nil {
		return fmt.Errorf("keyset_store.pg.delete: %w", deleteErr)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("keyset_store.pg.delete: %w", accesskit.ErrKeysetNotFound)
	}
	if _, execErr := transaction.Exec(ctx, `DELETE FROM used_refresh_tokens WHERE shop_id = $1`, shopID); execErr != nil {
		return fmt.Errorf("keyset_store.pg.delete: %w", execErr)
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return fmt.Errorf("keyset_store.pg.delete: %w", commitErr)
	}
	return nil
}

func (store *PostgresKeysetStore) scanKeyset(ctx context.Context, query string, argument string, operation string) (accesskit.Keyset, error) {
	var keyset accesskit.Keyset
	row := store.pool.QueryRow(ctx, query, argument)
	if scanErr := row.Scan(&keyset.ShopID, &keyset.AccessSecret, &keyset.RefreshSecret, &keyset.RefreshToken); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.%s: %w", operation, accesskit.ErrKeysetNotFound)
		}
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.%s: %w", operation, scanErr)
	}
	return keyset, nil
}

func (store *PostgresKeysetStore) loadUsed(ctx context.Context, keyset accesskit.Keyset) (accesskit.Keyset, error) {
	rows, queryErr := store.pool.Query(ctx, `
SELECT token FROM used_refresh_tokens WHERE shop_id = $1 ORDER BY rotated_at_unix
`, keyset.ShopID)
	if queryErr != nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.load_used: %w", queryErr)
	}
	defer rows.Close()
	for rows.Next() {
		var usedToken string
		if scanErr := rows.Scan(&usedToken); scanErr != nil {
			return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.load_used: %w", scanErr)
		}
		keyset.UsedRefreshTokens = append(keyset.UsedRefreshTokens, usedToken)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.pg.load_used: %w", rowsErr)
	}
	return keyset, nil
}
