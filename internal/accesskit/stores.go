package accesskit

import (
	"context"
	"errors"
)

// Shop statuses.
const (
	ShopStatusActive   = "active"
	ShopStatusInactive = "inactive"
)

// Shop role labels. Every shop gets RoleShop at sign-up.
const (
	RoleShop   = "SHOP"
	RoleWriter = "WRITER"
	RoleEditor = "EDITOR"
	RoleAdmin  = "ADMIN"
)

// Store sentinels. Implementations wrap these so callers can classify with
// errors.Is regardless of backend.
var (
	ErrShopNotFound   = errors.New("shop_store.not_found")
	ErrShopEmailTaken = errors.New("shop_store.email_taken")
	ErrKeysetNotFound = errors.New("keyset_store.not_found")
	// ErrRotateConflict signals the conditional rotation write lost: the
	// presented token is no longer the current one for the shop.
	ErrRotateConflict = errors.New("keyset_store.rotate_conflict")
)

// Shop is a registered principal able to authenticate.
type Shop struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Status       string
	Roles        []string
}

// Keyset is the per-shop rotation state: both signing secrets, the currently
// valid refresh token, and every refresh token already rotated out.
type Keyset struct {
	ShopID            string
	AccessSecret      string
	RefreshSecret     string
	RefreshToken      string
	UsedRefreshTokens []string
}

// ShopStore persists shop records. Email uniqueness is enforced by the store,
// not by a find-then-create in the caller.
type ShopStore interface {
	Create(ctx context.Context, newShop Shop) error
	FindByEmail(ctx context.Context, shopEmail string) (Shop, error)
	FindByID(ctx context.Context, shopID string) (Shop, error)
	Delete(ctx context.Context, shopID string) error
}

// KeysetStore persists at most one keyset per shop.
//
// Rotate must be a single conditional write: it succeeds only while
// oldRefreshToken is still the current token and has not been rotated out.
// Two concurrent rotations presenting the same token get exactly one success;
// the loser receives ErrRotateConflict.
type KeysetStore interface {
	// Upsert creates or wholesale-replaces the keyset and clears the used
	// set. It backs sign-up and login, both of which start a fresh session.
	Upsert(ctx context.Context, shopID string, accessSecret string, refreshSecret string, refreshToken string) error
	FindByShop(ctx context.Context, shopID string) (Keyset, error)
	FindByCurrentRefreshToken(ctx context.Context, refreshToken string) (Keyset, error)
	FindByUsedRefreshToken(ctx context.Context, refreshToken string) (Keyset, error)
	// Rotate sets refreshToken = newRefreshToken and records oldRefreshToken
	// as used, atomically.
	Rotate(ctx context.Context, shopID string, newRefreshToken string, oldRefreshToken string) error
	DeleteByShop(ctx context.Context, shopID string) error
}

// PublicFields strips credentials from a shop record for responses.
func (shop Shop) PublicFields() ShopPublic {
	return ShopPublic{
		ID:     shop.ID,
		Name:   shop.Name,
		Email:  shop.Email,
		Status: shop.Status,
		Roles:  shop.Roles,
	}
}

// ShopPublic is the caller-visible subset of a shop record.
type ShopPublic struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email"`
	Status string   `json:"status,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}
