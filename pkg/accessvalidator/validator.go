// Package accessvalidator lets downstream services verify shop access tokens
// without talking to the credential service on every request. The caller
// supplies a SecretSource that resolves the per-shop access secret; requests
// carry the shop identity in x-client-id and the token in authorization.
package accessvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SecretSource resolves the signing secret for a shop's access tokens.
// Implementations typically read a cache or replica of the keyset store.
type SecretSource interface {
	AccessSecret(ctx context.Context, shopID string) (string, error)
}

// Request headers read by ValidateRequest.
const (
	HeaderClientID      = "x-client-id"
	HeaderAuthorization = "authorization"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "access_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSecretSource = errors.New("access.validator.missing_secret_source")
	ErrMissingClientID     = errors.New("access.validator.missing_client_id")
	ErrMissingToken        = errors.New("access.validator.missing_token")
	ErrUnknownShop         = errors.New("access.validator.unknown_shop")
	ErrInvalidToken        = errors.New("access.validator.invalid_token")
	ErrSubjectMismatch     = errors.New("access.validator.subject_mismatch")
	ErrTokenExpired        = errors.New("access.validator.expired")
)

// Config configures the Validator.
type Config struct {
	Secrets SecretSource
	Clock   Clock
}

// Validator validates shop access tokens issued by the credential service.
type Validator struct {
	secrets SecretSource
	clock   Clock
}

// Claims is the payload embedded inside shop access tokens.
type Claims struct {
	ShopID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// GetShopID returns the shop identifier from the token.
func (claims *Claims) GetShopID() string {
	if claims == nil {
		return ""
	}
	return claims.ShopID
}

// GetEmail returns the shop email from the token.
func (claims *Claims) GetEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if configuration.Secrets == nil {
		return nil, fmt.Errorf("access.validator.new: %w", ErrMissingSecretSource)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{secrets: configuration.Secrets, clock: clock}, nil
}

// ValidateToken verifies the token against the shop's access secret and
// checks that the embedded subject matches the claimed shop.
func (validator *Validator) ValidateToken(ctx context.Context, shopID string, tokenString string) (*Claims, error) {
	if strings.TrimSpace(shopID) == "" {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrMissingClientID)
	}
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrMissingToken)
	}
	accessSecret, secretErr := validator.secrets.AccessSecret(ctx, shopID)
	if secretErr != nil {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrUnknownShop)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return []byte(accessSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.ShopID != shopID {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrSubjectMismatch)
	}
	return claims, nil
}

// ValidateRequest reads the identity headers from the request and validates
// the carried token.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("access.validator.validate_request: %w", ErrMissingToken)
	}
	shopID := strings.TrimSpace(request.Header.Get(HeaderClientID))
	if shopID == "" {
		return nil, fmt.Errorf("access.validator.validate_request: %w", ErrMissingClientID)
	}
	return validator.ValidateToken(request.Context(), shopID, bearerToken(request.Header.Get(HeaderAuthorization)))
}

// GinMiddleware returns a Gin middleware that validates the identity headers
// and injects claims into the request context.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

func bearerToken(headerValue string) string {
	trimmed := strings.TrimSpace(headerValue)
	if stripped, found := strings.CutPrefix(trimmed, "Bearer "); found {
		return strings.TrimSpace(stripped)
	}
	return trimmed
}
