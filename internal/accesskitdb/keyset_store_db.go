package accesskitdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tyemirov/shopauth/internal/accesskit"
)

type keysetRecord struct {
	ShopID        string `gorm:"column:shop_id;primaryKey"`
	AccessSecret  string `gorm:"column:access_secret;not null"`
	RefreshSecret string `gorm:"column:refresh_secret;not null"`
	RefreshToken  string `gorm:"column:refresh_token;index;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (keysetRecord) TableName() string {
	return "keysets"
}

type usedTokenRecord struct {
	Token         string `gorm:"column:token;primaryKey"`
	ShopID        string `gorm:"column:shop_id;index;not null"`
	RotatedAtUnix int64  `gorm:"column:rotated_at_unix;not null"`
}

func (usedTokenRecord) TableName() string {
	return "used_refresh_tokens"
}

// KeysetStoreDB persists keysets using GORM. Rotation is a conditional update
// keyed on the expected current token, so concurrent rotations of the same
// token produce exactly one winner.
type KeysetStoreDB struct {
	db          *gorm.DB
	driverLabel string
}

// Upsert writes the keyset in one statement and clears the used set for the
// shop; sign-up and login both start a clean session.
func (store *KeysetStoreDB) Upsert(ctx context.Context, shopID string, accessSecret string, refreshSecret string, refreshToken string) error {
	record := keysetRecord{
		ShopID:        shopID,
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		RefreshToken:  refreshToken,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("shop_id = ?", shopID).Delete(&usedTokenRecord{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "shop_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"access_secret", "refresh_secret", "refresh_token", "updated_at_unix",
			}),
		}).Create(&record).Error
	})
	if err != nil {
		return fmt.Errorf("keyset_store.%s.upsert: %w", store.driverLabel, err)
	}
	return nil
}

// FindByShop returns the shop's keyset with its used-token set.
func (store *KeysetStoreDB) FindByShop(ctx context.Context, shopID string) (accesskit.Keyset, error) {
	var record keysetRecord
	err := store.db.WithContext(ctx).Where("shop_id = ?", shopID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.find_by_shop: %w", store.driverLabel, accesskit.ErrKeysetNotFound)
		}
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.find_by_shop: %w", store.driverLabel, err)
	}
	return store.loadKeyset(ctx, record)
}

// FindByCurrentRefreshToken resolves a keyset by its live refresh token.
func (store *KeysetStoreDB) FindByCurrentRefreshToken(ctx context.Context, refreshToken string) (accesskit.Keyset, error) {
	var record keysetRecord
	err := store.db.WithContext(ctx).Where("refresh_token = ?", refreshToken).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.find_by_current: %w", store.driverLabel, accesskit.ErrKeysetNotFound)
		}
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.find_by_current: %w", store.driverLabel, err)
	}
	return store.loadKeyset(ctx, record)
}

// FindByUsedRefreshToken resolves a keyset by a token already rotated out.
func (store *KeysetStoreDB) FindByUsedRefreshToken(ctx context.Context, refreshToken string) (accesskit.Keyset, error) {
	var used usedTokenRecord
	err := store.db.WithContext(ctx).Where("token = ?", refreshToken).Take(&used).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.find_by_used: %w", store.driverLabel, accesskit.ErrKeysetNotFound)
		}
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.find_by_used: %w", store.driverLabel, err)
	}
	return store.FindByShop(ctx, used.ShopID)
}

// Rotate performs the conditional swap: the update only matches while the old
// token is still current, and the used-row insert and the swap commit
// together or not at all.
func (store *KeysetStoreDB) Rotate(ctx context.Context, shopID string, newRefreshToken string, oldRefreshToken string) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&keysetRecord{}).
			Where("shop_id = ? AND refresh_token = ?", shopID, oldRefreshToken).
			Updates(map[string]any{
				"refresh_token":   newRefreshToken,
				"updated_at_unix": time.Now().UTC().Unix(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var record keysetRecord
			findErr := tx.Where("shop_id = ?", shopID).Take(&record).Error
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				return accesskit.ErrKeysetNotFound
			}
			if findErr != nil {
				return findErr
			}
			return accesskit.ErrRotateConflict
		}
		return tx.Create(&usedTokenRecord{
			Token:         oldRefreshToken,
			ShopID:        shopID,
			RotatedAtUnix: time.Now().UTC().Unix(),
		}).Error
	})
	if err != nil {
		if errors.Is(err, accesskit.ErrKeysetNotFound) || errors.Is(err, accesskit.ErrRotateConflict) {
			return fmt.Errorf("keyset_store.%s.rotate: %w", store.driverLabel, err)
		}
		if isDuplicateKey(err) {
			// The old token already sits in the used table.
			return fmt.Errorf("keyset_store.%s.rotate: %w", store.driverLabel, accesskit.ErrRotateConflict)
		}
		return fmt.Errorf("keyset_store.%s.rotate: %w", store.driverLabel, err)
	}
	return nil
}

// DeleteByShop removes the keyset and its used-token rows.
func (store *KeysetStoreDB) DeleteByShop(ctx context.Context, shopID string) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("shop_id = ?", shopID).Delete(&keysetRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return accesskit.ErrKeysetNotFound
		}
		return tx.Where("shop_id = ?", shopID).Delete(&usedTokenRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("keyset_store.%s.delete: %w", store.driverLabel, err)
	}
	return nil
}

func (store *KeysetStoreDB) loadKeyset(ctx context.Context, record keysetRecord) (accesskit.Keyset, error) {
	var usedRecords []usedTokenRecord
	err := store.db.WithContext(ctx).
		Where("shop_id = ?", record.ShopID).
		Order("rotated_at_unix").
		Find(&usedRecords).Error
	if err != nil {
		return accesskit.Keyset{}, fmt.Errorf("keyset_store.%s.load_used: %w", store.driverLabel, err)
	}
	usedTokens := make([]string, 0, len(usedRecords))
	for _, usedRecord := range usedRecords {
		usedTokens = append(usedTokens, usedRecord.Token)
	}
	return accesskit.Keyset{
		ShopID:            record.ShopID,
		AccessSecret:      record.AccessSecret,
		RefreshSecret:     record.RefreshSecret,
		RefreshToken:      record.RefreshToken,
		UsedRefreshTokens: usedTokens,
	}, nil
}
