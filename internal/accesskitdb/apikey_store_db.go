package accesskitdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

type apiKeyRecord struct {
	Key           string `gorm:"column:key;primaryKey"`
	Active        bool   `gorm:"column:active;not null"`
	Permissions   string `gorm:"column:permissions;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (apiKeyRecord) TableName() string {
	return "api_keys"
}

// APIKeyStoreDB persists API keys using GORM.
type APIKeyStoreDB struct {
	db          *gorm.DB
	driverLabel string
}

// Create inserts or replaces an API key.
func (store *APIKeyStoreDB) Create(ctx context.Context, apiKey accesskit.APIKey) error {
	record := apiKeyRecord{
		Key:           apiKey.Key,
		Active:        apiKey.Active,
		Permissions:   joinRoles(apiKey.Permissions),
		CreatedAtUnix: time.Now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("apikey_store.%s.create: %w", store.driverLabel, err)
	}
	return nil
}

// FindByKey returns the API key when present and active.
func (store *APIKeyStoreDB) FindByKey(ctx context.Context, key string) (accesskit.APIKey, error) {
	var record apiKeyRecord
	err := store.db.WithContext(ctx).Where("key = ? AND active = ?", key, true).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accesskit.APIKey{}, fmt.Errorf("apikey_store.%s.find: %w", store.driverLabel, accesskit.ErrAPIKeyNotFound)
		}
		return accesskit.APIKey{}, fmt.Errorf("apikey_store.%s.find: %w", store.driverLabel, err)
	}
	return accesskit.APIKey{
		Key:         record.Key,
		Active:      record.Active,
		Permissions: splitRoles(record.Permissions),
	}, nil
}
