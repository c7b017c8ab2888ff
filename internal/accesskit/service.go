package accesskit

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthResult is the outcome of sign-up, login, and refresh: the shop's public
// fields plus a freshly signed token pair.
type AuthResult struct {
	Shop   ShopPublic `json:"shop"`
	Tokens TokenPair  `json:"tokens"`
}

// AccessService orchestrates the credential lifecycle: sign-up, login,
// refresh with reuse detection, and logout. It holds no state between calls;
// all mutation goes through the injected stores.
type AccessService struct {
	shops      ShopStore
	keysets    KeysetStore
	clock      Clock
	logger     *zap.Logger
	metrics    MetricsRecorder
	bcryptCost int
}

// NewAccessService wires an access service. Logger, metrics, and clock are
// optional; bcryptCost outside the valid range falls back to the default.
func NewAccessService(shops ShopStore, keysets KeysetStore, clock Clock, logger *zap.Logger, metrics MetricsRecorder, bcryptCost int) *AccessService {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AccessService{
		shops:      shops,
		keysets:    keysets,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		bcryptCost: bcryptCost,
	}
}

// SignUp registers a shop and issues its first token pair. The shop row and
// the keyset are created together: if the keyset write fails the shop row is
// deleted again so no half-registered state survives.
func (service *AccessService) SignUp(ctx context.Context, shopName string, shopEmail string, password string) (AuthResult, error) {
	shopEmail = normalizeEmail(shopEmail)
	if shopName == "" || shopEmail == "" || password == "" {
		return AuthResult{}, badRequestError("access.signup.missing_fields", "name, email, and password are required")
	}

	_, findErr := service.shops.FindByEmail(ctx, shopEmail)
	if findErr == nil {
		service.metrics.Increment(MetricSignUpConflict)
		return AuthResult{}, conflictError("access.signup.shop_exists", "shop already registered")
	}
	if !errors.Is(findErr, ErrShopNotFound) {
		return AuthResult{}, storageError("access.signup.lookup", findErr)
	}

	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), service.bcryptCost)
	if hashErr != nil {
		return AuthResult{}, internalError("access.signup.hash", "could not hash password", hashErr)
	}

	newShop := Shop{
		ID:           uuid.NewString(),
		Name:         shopName,
		Email:        shopEmail,
		PasswordHash: string(passwordHash),
		Status:       ShopStatusActive,
		Roles:        []string{RoleShop},
	}
	if createErr := service.shops.Create(ctx, newShop); createErr != nil {
		if errors.Is(createErr, ErrShopEmailTaken) {
			service.metrics.Increment(MetricSignUpConflict)
			return AuthResult{}, conflictError("access.signup.shop_exists", "shop already registered")
		}
		return AuthResult{}, storageError("access.signup.create", createErr)
	}

	result, issueErr := service.issueFreshSession(ctx, newShop)
	if issueErr != nil {
		if deleteErr := service.shops.Delete(ctx, newShop.ID); deleteErr != nil {
			service.logger.Error("sign-up compensation failed, shop left without keyset",
				zap.String("code", "access.signup.compensation_failed"),
				zap.String("shop_id", newShop.ID),
				zap.Error(deleteErr))
		}
		return AuthResult{}, issueErr
	}
	service.metrics.Increment(MetricSignUpSuccess)
	return result, nil
}

// Login verifies the password and starts a fresh session. Both signing
// secrets are replaced, which invalidates every token issued before this
// call, and the used-token history of the previous session is discarded.
func (service *AccessService) Login(ctx context.Context, shopEmail string, password string) (AuthResult, error) {
	shopEmail = normalizeEmail(shopEmail)
	shop, findErr := service.shops.FindByEmail(ctx, shopEmail)
	if findErr != nil {
		if errors.Is(findErr, ErrShopNotFound) {
			service.metrics.Increment(MetricLoginRejected)
			return AuthResult{}, notFoundError("access.login.shop_not_found", "shop not registered")
		}
		return AuthResult{}, storageError("access.login.lookup", findErr)
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(shop.PasswordHash), []byte(password)); compareErr != nil {
		service.metrics.Increment(MetricLoginRejected)
		return AuthResult{}, badRequestError("access.login.bad_credentials", "authentication failed")
	}

	result, issueErr := service.issueFreshSession(ctx, shop)
	if issueErr != nil {
		return AuthResult{}, issueErr
	}
	service.metrics.Increment(MetricLoginSuccess)
	return result, nil
}

// Refresh exchanges a refresh token for a new token pair. The used set is
// checked before the current token on purpose: a token that was already
// rotated out is a theft signal, and its presentation destroys the shop's
// keyset so both the attacker's and the legitimate chain go dark.
func (service *AccessService) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResult{}, authFailureError("access.refresh.missing_token", "refresh token required")
	}

	usedKeyset, usedErr := service.keysets.FindByUsedRefreshToken(ctx, refreshToken)
	if usedErr == nil {
		return AuthResult{}, service.handleReuse(ctx, usedKeyset, refreshToken)
	}
	if !errors.Is(usedErr, ErrKeysetNotFound) {
		return AuthResult{}, storageError("access.refresh.used_lookup", usedErr)
	}

	keyset, currentErr := service.keysets.FindByCurrentRefreshToken(ctx, refreshToken)
	if currentErr != nil {
		if errors.Is(currentErr, ErrKeysetNotFound) {
			return AuthResult{}, authFailureError("access.refresh.unregistered", "refresh token not recognized")
		}
		return AuthResult{}, storageError("access.refresh.current_lookup", currentErr)
	}

	claims, verifyErr := VerifyToken(service.clock, refreshToken, keyset.RefreshSecret)
	if verifyErr != nil {
		return AuthResult{}, authFailureError("access.refresh.invalid_token", "refresh token invalid or expired")
	}

	shop, shopErr := service.shops.FindByEmail(ctx, claims.Email)
	if shopErr != nil {
		if errors.Is(shopErr, ErrShopNotFound) {
			return AuthResult{}, authFailureError("access.refresh.shop_missing", "shop not registered")
		}
		return AuthResult{}, storageError("access.refresh.shop_lookup", shopErr)
	}

	// Secrets stay put across a refresh; only the refresh token value rotates.
	pair, pairErr := CreateTokenPair(service.clock, shop.ID, shop.Email, keyset.AccessSecret, keyset.RefreshSecret)
	if pairErr != nil {
		return AuthResult{}, internalError("access.refresh.sign", "could not sign token pair", pairErr)
	}

	if rotateErr := service.keysets.Rotate(ctx, keyset.ShopID, pair.RefreshToken, refreshToken); rotateErr != nil {
		if errors.Is(rotateErr, ErrRotateConflict) {
			// A concurrent refresh won the conditional write, which makes this
			// presentation a replay of a used token.
			return AuthResult{}, service.handleReuse(ctx, keyset, refreshToken)
		}
		if errors.Is(rotateErr, ErrKeysetNotFound) {
			return AuthResult{}, authFailureError("access.refresh.unregistered", "refresh token not recognized")
		}
		return AuthResult{}, storageError("access.refresh.rotate", rotateErr)
	}

	service.metrics.Increment(MetricRefreshSuccess)
	return AuthResult{
		Shop:   ShopPublic{ID: shop.ID, Email: shop.Email},
		Tokens: pair,
	}, nil
}

// Logout destroys the shop's keyset. Tokens already issued become
// unverifiable because their secrets are gone with it.
func (service *AccessService) Logout(ctx context.Context, shopID string) error {
	if deleteErr := service.keysets.DeleteByShop(ctx, shopID); deleteErr != nil {
		if errors.Is(deleteErr, ErrKeysetNotFound) {
			return notFoundError("access.logout.keyset_missing", "no active session for shop")
		}
		return storageError("access.logout.delete", deleteErr)
	}
	service.metrics.Increment(MetricLogoutSuccess)
	return nil
}

func (service *AccessService) handleReuse(ctx context.Context, keyset Keyset, refreshToken string) error {
	service.metrics.Increment(MetricRefreshReuse)
	fields := []zap.Field{
		zap.String("code", "access.refresh.reuse_detected"),
		zap.String("shop_id", keyset.ShopID),
	}
	if claims, decodeErr := VerifyToken(service.clock, refreshToken, keyset.RefreshSecret); decodeErr == nil {
		fields = append(fields, zap.String("token_subject", claims.ShopID))
	}
	service.logger.Warn("refresh token reuse detected, destroying keyset", fields...)
	if deleteErr := service.keysets.DeleteByShop(ctx, keyset.ShopID); deleteErr != nil && !errors.Is(deleteErr, ErrKeysetNotFound) {
		return storageError("access.refresh.reuse_cleanup", deleteErr)
	}
	return forbiddenError("access.refresh.reuse_detected", "something went wrong, please log in again")
}

// issueFreshSession generates brand-new secrets, signs a token pair with
// them, and writes the keyset in one upsert.
func (service *AccessService) issueFreshSession(ctx context.Context, shop Shop) (AuthResult, error) {
	accessSecret, accessErr := GenerateSigningSecret()
	if accessErr != nil {
		return AuthResult{}, internalError("access.session.access_secret", "could not generate signing secret", accessErr)
	}
	refreshSecret, refreshErr := GenerateSigningSecret()
	if refreshErr != nil {
		return AuthResult{}, internalError("access.session.refresh_secret", "could not generate signing secret", refreshErr)
	}
	pair, pairErr := CreateTokenPair(service.clock, shop.ID, shop.Email, accessSecret, refreshSecret)
	if pairErr != nil {
		return AuthResult{}, internalError("access.session.sign", "could not sign token pair", pairErr)
	}
	if upsertErr := service.keysets.Upsert(ctx, shop.ID, accessSecret, refreshSecret, pair.RefreshToken); upsertErr != nil {
		return AuthResult{}, storageError("access.session.upsert", upsertErr)
	}
	return AuthResult{Shop: shop.PublicFields(), Tokens: pair}, nil
}

func normalizeEmail(shopEmail string) string {
	return strings.ToLower(strings.TrimSpace(shopEmail))
}
