package accesskitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

const pgUniqueViolationCode = "23505"

// PostgresShopStore persists shops in PostgreSQL via pgx.
type PostgresShopStore struct {
	pool *pgxpool.Pool
}

// NewPostgresShopStore constructs a Postgres shop store.
func NewPostgresShopStore(pool *pgxpool.Pool) *PostgresShopStore {
	return &PostgresShopStore{pool: pool}
}

// Create inserts a shop row; a unique violation on email means the address is
// already registered.
func (store *PostgresShopStore) Create(ctx context.Context, newShop accesskit.Shop) error {
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO shops (id, name, email, password_hash, status, roles, created_at_unix)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, newShop.ID, newShop.Name, newShop.Email, newShop.PasswordHash, newShop.Status,
		strings.Join(newShop.Roles, ","), time.Now().UTC().Unix())
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return fmt.Errorf("shop_store.pg.create: %w", accesskit.ErrShopEmailTaken)
		}
		return fmt.Errorf("shop_store.pg.create: %w", execErr)
	}
	return nil
}

// FindByEmail returns the shop registered under the email.
func (store *PostgresShopStore) FindByEmail(ctx context.Context, shopEmail string) (accesskit.Shop, error) {
	return store.findShop(ctx, "email", shopEmail)
}

// FindByID returns the shop with the given id.
func (store *PostgresShopStore) FindByID(ctx context.Context, shopID string) (accesskit.Shop, error) {
	return store.findShop(ctx, "id", shopID)
}

// Delete removes a shop row.
func (store *PostgresShopStore) Delete(ctx context.Context, shopID string) error {
	commandTag, execErr := store.pool.Exec(ctx, `DELETE FROM shops WHERE id = $1`, shopID)
	if execErr != nil {
		return fmt.Errorf("shop_store.pg.delete: %w", execErr)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("shop_store.pg.delete: %w", accesskit.ErrShopNotFound)
	}
	return nil
}

func (store *PostgresShopStore) findShop(ctx context.Context, column string, value string) (accesskit.Shop, error) {
	var shop accesskit.Shop
	var joinedRoles string
	row := store.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT id, name, email, password_hash, status, roles
FROM shops
WHERE %s = $1
`, column), value)
	if scanErr := row.Scan(&shop.ID, &shop.Name, &shop.Email, &shop.PasswordHash, &shop.Status, &joinedRoles); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return accesskit.Shop{}, fmt.Errorf("shop_store.pg.find_by_%s: %w", column, accesskit.ErrShopNotFound)
		}
		return accesskit.Shop{}, fmt.Errorf("shop_store.pg.find_by_%s: %w", column, scanErr)
	}
	if joinedRoles != "" {
		shop.Roles = strings.Split(joinedRoles, ",")
	}
	return shop, nil
}
