package accesskit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token lifetimes are fixed protocol constants, not configuration.
const (
	AccessTokenTTL  = 48 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	// ErrTokenInvalid indicates the signature did not match the supplied secret
	// or the token is structurally broken.
	ErrTokenInvalid = errors.New("token.invalid")
	// ErrTokenExpired indicates a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token.expired")
)

// TokenClaims is the payload embedded in both access and refresh tokens.
type TokenClaims struct {
	ShopID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenPair carries one access and one refresh token, each signed with its
// own per-shop secret.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// SignToken mints an HS256 token for the shop with the given TTL.
func SignToken(clock Clock, shopID string, shopEmail string, signingSecret string, ttl time.Duration) (string, error) {
	if shopID == "" {
		return "", fmt.Errorf("token.sign: %w: empty shop id", ErrTokenInvalid)
	}
	if signingSecret == "" {
		return "", fmt.Errorf("token.sign: %w: empty signing secret", ErrTokenInvalid)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	issuedAt := clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		ShopID: shopID,
		Email:  shopEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   shopID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	signed, signErr := token.SignedString([]byte(signingSecret))
	if signErr != nil {
		return "", fmt.Errorf("token.sign: %w", signErr)
	}
	return signed, nil
}

// CreateTokenPair signs an access and a refresh token with their respective
// secrets. The pair is always minted together.
func CreateTokenPair(clock Clock, shopID string, shopEmail string, accessSecret string, refreshSecret string) (TokenPair, error) {
	accessToken, accessErr := SignToken(clock, shopID, shopEmail, accessSecret, AccessTokenTTL)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, refreshErr := SignToken(clock, shopID, shopEmail, refreshSecret, RefreshTokenTTL)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// VerifyToken checks the signature and expiry of a token against the secret
// stored for the claimed shop. The secret must come from the keyset store,
// never from the token itself.
func VerifyToken(clock Clock, tokenString string, signingSecret string) (TokenClaims, error) {
	if clock == nil {
		clock = NewSystemClock()
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return []byte(signingSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(clock.Now))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return TokenClaims{}, fmt.Errorf("token.verify: %w", ErrTokenExpired)
		}
		return TokenClaims{}, fmt.Errorf("token.verify: %w", ErrTokenInvalid)
	}
	claims, ok := parsedToken.Claims.(*TokenClaims)
	if !ok || !parsedToken.Valid || claims.ShopID == "" {
		return TokenClaims{}, fmt.Errorf("token.verify: %w", ErrTokenInvalid)
	}
	return *claims, nil
}
