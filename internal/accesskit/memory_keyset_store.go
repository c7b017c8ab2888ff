package accesskit

import (
	"context"
	"fmt"
	"sync"
)

type memoryKeyset struct {
	AccessSecret  string
	RefreshSecret string
	RefreshToken  string
	Used          map[string]struct{}
	UsedOrder     []string
}

// MemoryKeysetStore is an in-memory keyset store for tests and local runs.
// Rotation runs under the store mutex, which gives the same single-winner
// guarantee the persistent stores get from conditional writes.
type MemoryKeysetStore struct {
	mutex     sync.Mutex
	byShop    map[string]*memoryKeyset
	byCurrent map[string]string
	byUsed    map[string]string
}

// NewMemoryKeysetStore constructs an empty in-memory keyset store.
func NewMemoryKeysetStore() *MemoryKeysetStore {
	return &MemoryKeysetStore{
		byShop:    make(map[string]*memoryKeyset),
		byCurrent: make(map[string]string),
		byUsed:    make(map[string]string),
	}
}

// Upsert creates or replaces the shop's keyset and clears its used set.
func (store *MemoryKeysetStore) Upsert(ctx context.Context, shopID string, accessSecret string, refreshSecret string, refreshToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.dropIndexesLocked(shopID)
	store.byShop[shopID] = &memoryKeyset{
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		RefreshToken:  refreshToken,
		Used:          make(map[string]struct{}),
	}
	store.byCurrent[refreshToken] = shopID
	return nil
}

// FindByShop returns the shop's keyset.
func (store *MemoryKeysetStore) FindByShop(ctx context.Context, shopID string) (Keyset, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byShop[shopID]
	if !ok {
		return Keyset{}, fmt.Errorf("keyset_store.memory.find_by_shop: %w", ErrKeysetNotFound)
	}
	return store.keysetLocked(shopID, record), nil
}

// FindByCurrentRefreshToken resolves a keyset by its live refresh token.
func (store *MemoryKeysetStore) FindByCurrentRefreshToken(ctx context.Context, refreshToken string) (Keyset, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	shopID, ok := store.byCurrent[refreshToken]
	if !ok {
		return Keyset{}, fmt.Errorf("keyset_store.memory.find_by_current: %w", ErrKeysetNotFound)
	}
	return store.keysetLocked(shopID, store.byShop[shopID]), nil
}

// FindByUsedRefreshToken resolves a keyset by a token already rotated out.
func (store *MemoryKeysetStore) FindByUsedRefreshToken(ctx context.Context, refreshToken string) (Keyset, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	shopID, ok := store.byUsed[refreshToken]
	if !ok {
		return Keyset{}, fmt.Errorf("keyset_store.memory.find_by_used: %w", ErrKeysetNotFound)
	}
	return store.keysetLocked(shopID, store.byShop[shopID]), nil
}

// Rotate swaps the current refresh token for a new one and records the old
// token as used. Fails with ErrRotateConflict when the old token is no longer
// current.
func (store *MemoryKeysetStore) Rotate(ctx context.Context, shopID string, newRefreshToken string, oldRefreshToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byShop[shopID]
	if !ok {
		return fmt.Errorf("keyset_store.memory.rotate: %w", ErrKeysetNotFound)
	}
	if _, alreadyUsed := record.Used[oldRefreshToken]; alreadyUsed || record.RefreshToken != oldRefreshToken {
		return fmt.Errorf("keyset_store.memory.rotate: %w", ErrRotateConflict)
	}
	delete(store.byCurrent, oldRefreshToken)
	record.RefreshToken = newRefreshToken
	record.Used[oldRefreshToken] = struct{}{}
	record.UsedOrder = append(record.UsedOrder, oldRefreshToken)
	store.byCurrent[newRefreshToken] = shopID
	store.byUsed[oldRefreshToken] = shopID
	return nil
}

// DeleteByShop removes the keyset and its indexes entirely.
func (store *MemoryKeysetStore) DeleteByShop(ctx context.Context, shopID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.byShop[shopID]; !ok {
		return fmt.Errorf("keyset_store.memory.delete: %w", ErrKeysetNotFound)
	}
	store.dropIndexesLocked(shopID)
	delete(store.byShop, shopID)
	return nil
}

func (store *MemoryKeysetStore) dropIndexesLocked(shopID string) {
	record, ok := store.byShop[shopID]
	if !ok {
		return
	}
	delete(store.byCurrent, record.RefreshToken)
	for usedToken := range record.Used {
		delete(store.byUsed, usedToken)
	}
}

func (store *MemoryKeysetStore) keysetLocked(shopID string, record *memoryKeyset) Keyset {
	usedTokens := make([]string, len(record.UsedOrder))
	copy(usedTokens, record.UsedOrder)
	return Keyset{
		ShopID:            shopID,
		AccessSecret:      record.AccessSecret,
		RefreshSecret:     record.RefreshSecret,
		RefreshToken:      record.RefreshToken,
		UsedRefreshTokens: usedTokens,
	}
}
