package accesskitdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

type shopRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	Name          string `gorm:"column:name;not null"`
	Email         string `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash  string `gorm:"column:password_hash;not null"`
	Status        string `gorm:"column:status;not null"`
	Roles         string `gorm:"column:roles;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (shopRecord) TableName() string {
	return "shops"
}

func (record shopRecord) toShop() accesskit.Shop {
	return accesskit.Shop{
		ID:           record.ID,
		Name:         record.Name,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		Status:       record.Status,
		Roles:        splitRoles(record.Roles),
	}
}

// ShopStoreDB persists shops using GORM. The unique index on email makes
// duplicate registration a single conditional insert rather than a
// find-then-create race.
type ShopStoreDB struct {
	db          *gorm.DB
	driverLabel string
}

// Create inserts a shop row, mapping unique violations to ErrShopEmailTaken.
func (store *ShopStoreDB) Create(ctx context.Context, newShop accesskit.Shop) error {
	record := shopRecord{
		ID:            newShop.ID,
		Name:          newShop.Name,
		Email:         newShop.Email,
		PasswordHash:  newShop.PasswordHash,
		Status:        newShop.Status,
		Roles:         joinRoles(newShop.Roles),
		CreatedAtUnix: time.Now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("shop_store.%s.create: %w", store.driverLabel, accesskit.ErrShopEmailTaken)
		}
		return fmt.Errorf("shop_store.%s.create: %w", store.driverLabel, err)
	}
	return nil
}

// FindByEmail returns the shop registered under the email.
func (store *ShopStoreDB) FindByEmail(ctx context.Context, shopEmail string) (accesskit.Shop, error) {
	var record shopRecord
	err := store.db.WithContext(ctx).Where("email = ?", shopEmail).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accesskit.Shop{}, fmt.Errorf("shop_store.%s.find_by_email: %w", store.driverLabel, accesskit.ErrShopNotFound)
		}
		return accesskit.Shop{}, fmt.Errorf("shop_store.%s.find_by_email: %w", store.driverLabel, err)
	}
	return record.toShop(), nil
}

// FindByID returns the shop with the given id.
func (store *ShopStoreDB) FindByID(ctx context.Context, shopID string) (accesskit.Shop, error) {
	var record shopRecord
	err := store.db.WithContext(ctx).Where("id = ?", shopID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accesskit.Shop{}, fmt.Errorf("shop_store.%s.find_by_id: %w", store.driverLabel, accesskit.ErrShopNotFound)
		}
		return accesskit.Shop{}, fmt.Errorf("shop_store.%s.find_by_id: %w", store.driverLabel, err)
	}
	return record.toShop(), nil
}

// Delete removes a shop row.
func (store *ShopStoreDB) Delete(ctx context.Context, shopID string) error {
	result := store.db.WithContext(ctx).Where("id = ?", shopID).Delete(&shopRecord{})
	if result.Error != nil {
		return fmt.Errorf("shop_store.%s.delete: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("shop_store.%s.delete: %w", store.driverLabel, accesskit.ErrShopNotFound)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	lowered := strings.ToLower(err.Error())
	return strings.Contains(lowered, "unique") || strings.Contains(lowered, "duplicate")
}

func joinRoles(roles []string) string {
	return strings.Join(roles, ",")
}

func splitRoles(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
