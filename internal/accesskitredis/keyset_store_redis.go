package accesskitredis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

// Key layout. Tokens appear directly in key names; JWT strings are
// base64url plus dots, which is safe for Redis keys. The scripts build
// index keys from these prefixes, so the store targets a single Redis
// instance, not a cluster.
const (
	keysetKeyPrefix  = "keyset:"
	currentKeyPrefix = "keyset:current:"
	usedSetKeyPrefix = "keyset:used:"
	usedKeyPrefix    = "keyset:usedtoken:"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusConflict int64 = 1
	rotateStatusRotated  int64 = 2
)

// rotateScript is the compare-and-swap at the heart of reuse detection: the
// current token must still equal the presented one and must not already sit
// in the used set, otherwise nothing is written.
var rotateScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "refresh_token")
if not current then
  return 0
end
if current ~= ARGV[1] then
  return 1
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  return 1
end
redis.call("HSET", KEYS[1], "refresh_token", ARGV[2])
redis.call("DEL", ARGV[4] .. ARGV[1])
redis.call("SET", ARGV[4] .. ARGV[2], ARGV[3])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SET", ARGV[5] .. ARGV[1], ARGV[3])
return 2
`)

var upsertScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "refresh_token")
if current then
  redis.call("DEL", ARGV[5] .. current)
end
local used = redis.call("SMEMBERS", KEYS[2])
for _, token in ipairs(used) do
  redis.call("DEL", ARGV[6] .. token)
end
redis.call("DEL", KEYS[2])
redis.call("HSET", KEYS[1], "access_secret", ARGV[1], "refresh_secret", ARGV[2], "refresh_token", ARGV[3])
redis.call("SET", ARGV[5] .. ARGV[3], ARGV[4])
return 1
`)

var deleteScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "refresh_token")
if not current then
  return 0
end
redis.call("DEL", ARGV[1] .. current)
local used = redis.call("SMEMBERS", KEYS[2])
for _, token in ipairs(used) do
  redis.call("DEL", ARGV[2] .. token)
end
redis.call("DEL", KEYS[2])
redis.call("DEL", KEYS[1])
return 1
`)

// KeysetStore keeps keysets in Redis. Rotation, upsert, and delete run as Lua
// scripts so each is a single atomic step on the server.
type KeysetStore struct {
	client *redis.Client
}

// NewKeysetStore constructs a Redis-backed keyset store.
func NewKeysetStore(client *redis.Client) *KeysetStore {
	return &KeysetStore{client: client}
}

// Upsert writes the keyset and clears the used set atomically.
func (store *KeysetStore) Upsert(ctx context.Context, shopID string, accessSecret string, refreshSecret string, refreshToken string) error {
	keys := []string{keysetKeyPrefix + shopID, usedSetKeyPrefix + shopID}
	err := upsertScript.Run(ctx, store.client, keys,
		accessSecret, refreshSecret, refreshToken, shopID, currentKeyPrefix, usedKeyPrefix).Err()
	if err != nil {
		return fmt.Errorf("keyset_store.redis.upsert: %w", err)
	}
	return nil
}

// FindByShop returns the shop's keyset with its used-token set.
func (store *KeysetStore) FindByShop(ctx context.Context, shopID string) (accesskit.Keyset, error) {
	fields, getErr := store.client.HGetAll(ctx, keysetKeyPrefix+shopID).Result()
	if getErr != nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.redis.find_by_shop: %w", getErr)
	}
	if len(fields) == 0 {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.redis.find_by_shop: %w", accesskit.ErrKeysetNotFound)
	}
	usedTokens, usedErr := store.client.SMembers(ctx, usedSetKeyPrefix+shopID).Result()
	if usedErr != nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.redis.find_by_shop: %w", usedErr)
	}
	return accesskit.Keyset{
		ShopID:            shopID,
		AccessSecret:      fields["access_secret"],
		RefreshSecret:     fields["refresh_secret"],
		RefreshToken:      fields["refresh_token"],
		UsedRefreshTokens: usedTokens,
	}, nil
}

// FindByCurrentRefreshToken resolves a keyset by its live refresh token.
func (store *KeysetStore) FindByCurrentRefreshToken(ctx context.Context, refreshToken string) (accesskit.Keyset, error) {
	return store.findByIndex(ctx, currentKeyPrefix+refreshToken, "find_by_current")
}

// FindByUsedRefreshToken resolves a keyset by a token already rotated out.
func (store *KeysetStore) FindByUsedRefreshToken(ctx context.Context, refreshToken string) (accesskit.Keyset, error) {
	return store.findByIndex(ctx, usedKeyPrefix+refreshToken, "find_by_used")
}

// Rotate runs the CAS script; a conflict result means the presented token is
// no longer current.
func (store *KeysetStore) Rotate(ctx context.Context, shopID string, newRefreshToken string, oldRefreshToken string) error {
	keys := []string{keysetKeyPrefix + shopID, usedSetKeyPrefix + shopID}
	status, runErr := rotateScript.Run(ctx, store.client, keys,
		oldRefreshToken, newRefreshToken, shopID, currentKeyPrefix, usedKeyPrefix).Int64()
	if runErr != nil {
		return fmt.Errorf("keyset_store.redis.rotate: %w", runErr)
	}
	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return fmt.Errorf("keyset_store.redis.rotate: %w", accesskit.ErrKeysetNotFound)
	default:
		return fmt.Errorf("keyset_store.redis.rotate: %w", accesskit.ErrRotateConflict)
	}
}

// DeleteByShop removes the keyset, its used set, and every index entry.
func (store *KeysetStore) DeleteByShop(ctx context.Context, shopID string) error {
	keys := []string{keysetKeyPrefix + shopID, usedSetKeyPrefix + shopID}
	existed, runErr := deleteScript.Run(ctx, store.client, keys, currentKeyPrefix, usedKeyPrefix).Int64()
	if runErr != nil {
		return fmt.Errorf("keyset_store.redis.delete: %w", runErr)
	}
	if existed == 0 {
		return fmt.Errorf("keyset_store.redis.delete: %w", accesskit.ErrKeysetNotFound)
	}
	return nil
}

func (store *KeysetStore) findByIndex(ctx context.Context, indexKey string, operation string) (accesskit.Keyset, error) {
	shopID, getErr := store.client.Get(ctx, indexKey).Result()
	if getErr == redis.Nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.redis.%s: %w", operation, accesskit.ErrKeysetNotFound)
	}
	if getErr != nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.redis.%s: %w", operation, getErr)
	}
	return store.FindByShop(ctx, shopID)
}
