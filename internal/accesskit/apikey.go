package accesskit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// API key permission codes. Every public route in this service requires the
// general code; the others are reserved for partner integrations.
const (
	PermissionGeneral = "0000"
	PermissionPartner = "1111"
	PermissionAdmin   = "2222"
)

// ErrAPIKeyNotFound indicates no active API key matched the presented value.
var ErrAPIKeyNotFound = errors.New("apikey_store.not_found")

// APIKey gates access to the whole API surface, independent of shop identity.
type APIKey struct {
	Key         string
	Active      bool
	Permissions []string
}

// HasPermission reports whether the key carries the given permission code.
func (apiKey APIKey) HasPermission(code string) bool {
	for _, permission := range apiKey.Permissions {
		if permission == code {
			return true
		}
	}
	return false
}

// APIKeyStore resolves active API keys.
type APIKeyStore interface {
	FindByKey(ctx context.Context, key string) (APIKey, error)
	Create(ctx context.Context, apiKey APIKey) error
}

// MemoryAPIKeyStore is an in-memory API key store for tests and local runs.
type MemoryAPIKeyStore struct {
	mutex sync.Mutex
	byKey map[string]APIKey
}

// NewMemoryAPIKeyStore constructs an empty in-memory API key store.
func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{byKey: make(map[string]APIKey)}
}

// Create inserts or replaces an API key.
func (store *MemoryAPIKeyStore) Create(ctx context.Context, apiKey APIKey) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byKey[apiKey.Key] = apiKey
	return nil
}

// FindByKey returns the API key when present and active.
func (store *MemoryAPIKeyStore) FindByKey(ctx context.Context, key string) (APIKey, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byKey[key]
	if !ok || !record.Active {
		return APIKey{}, fmt.Errorf("apikey_store.memory.find: %w", ErrAPIKeyNotFound)
	}
	return record, nil
}
