package accesskitdb

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Stores bundles the GORM-backed shop, keyset, and API key stores sharing one
// connection.
type Stores struct {
	Shops       *ShopStoreDB
	Keysets     *KeysetStoreDB
	APIKeys     *APIKeyStoreDB
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (stores *Stores) Driver() string {
	return stores.driverLabel
}

// DB exposes the underlying GORM handle, e.g. for the overload monitor.
func (stores *Stores) DB() *gorm.DB {
	return stores.db
}

// NewStores opens the database named by the URL (postgres:// or sqlite://),
// migrates the schema, and returns the store bundle.
func NewStores(ctx context.Context, databaseURL string) (*Stores, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("store.db.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("store.db.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(
		&shopRecord{}, &keysetRecord{}, &usedTokenRecord{}, &apiKeyRecord{},
	); migrateErr != nil {
		return nil, fmt.Errorf("store.db.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &Stores{
		Shops:       &ShopStoreDB{db: gormDB, driverLabel: driverLabel},
		Keysets:     &KeysetStoreDB{db: gormDB, driverLabel: driverLabel},
		APIKeys:     &APIKeyStoreDB{db: gormDB, driverLabel: driverLabel},
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}
