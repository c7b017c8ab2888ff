package accesskit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryShopStore is an in-memory shop store for tests and local runs.
type MemoryShopStore struct {
	mutex   sync.Mutex
	byID    map[string]Shop
	byEmail map[string]string
}

// NewMemoryShopStore constructs an empty in-memory shop store.
func NewMemoryShopStore() *MemoryShopStore {
	return &MemoryShopStore{
		byID:    make(map[string]Shop),
		byEmail: make(map[string]string),
	}
}

// Create inserts a shop, rejecting duplicate emails.
func (store *MemoryShopStore) Create(ctx context.Context, newShop Shop) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, taken := store.byEmail[newShop.Email]; taken {
		return fmt.Errorf("shop_store.memory.create: %w", ErrShopEmailTaken)
	}
	store.byID[newShop.ID] = newShop
	store.byEmail[newShop.Email] = newShop.ID
	return nil
}

// FindByEmail returns the shop registered under the email.
func (store *MemoryShopStore) FindByEmail(ctx context.Context, shopEmail string) (Shop, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	shopID, ok := store.byEmail[shopEmail]
	if !ok {
		return Shop{}, fmt.Errorf("shop_store.memory.find_by_email: %w", ErrShopNotFound)
	}
	return store.byID[shopID], nil
}

// FindByID returns the shop with the given id.
func (store *MemoryShopStore) FindByID(ctx context.Context, shopID string) (Shop, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[shopID]
	if !ok {
		return Shop{}, fmt.Errorf("shop_store.memory.find_by_id: %w", ErrShopNotFound)
	}
	return record, nil
}

// Delete removes a shop record. Used as sign-up compensation when keyset
// creation fails after the shop row was written.
func (store *MemoryShopStore) Delete(ctx context.Context, shopID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[shopID]
	if !ok {
		return fmt.Errorf("shop_store.memory.delete: %w", ErrShopNotFound)
	}
	delete(store.byID, shopID)
	delete(store.byEmail, record.Email)
	return nil
}
