package accessvalidator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

type mapSecrets map[string]string

func (secrets mapSecrets) AccessSecret(_ context.Context, shopID string) (string, error) {
	secret, found := secrets[shopID]
	if !found {
		return "", errors.New("no such shop")
	}
	return secret, nil
}

func mintToken(t *testing.T, signingSecret string, shopID string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ShopID: shopID,
		Email:  "owner@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   shopID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestNewValidatorRequiresSecretSource(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil || !errors.Is(err, ErrMissingSecretSource) {
		t.Fatalf("expected missing secret source error, got %v", err)
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		Secrets: mapSecrets{"shop-123": "secret-key"},
		Clock:   fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tokenString := mintToken(t, "secret-key", "shop-123", now, time.Hour)
	claims, validateErr := validator.ValidateToken(context.Background(), "shop-123", tokenString)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetShopID() != "shop-123" {
		t.Fatalf("unexpected shop id %q", claims.GetShopID())
	}
	if claims.GetEmail() != "owner@example.com" {
		t.Fatalf("unexpected email %q", claims.GetEmail())
	}
	if !claims.GetExpiresAt().Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", claims.GetExpiresAt())
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		Secrets: mapSecrets{"shop-123": "secret-key"},
		Clock:   fixedClock{current: now.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tokenString := mintToken(t, "secret-key", "shop-123", now, time.Hour)
	_, validateErr := validator.ValidateToken(context.Background(), "shop-123", tokenString)
	if !errors.Is(validateErr, ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", validateErr)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		Secrets: mapSecrets{"shop-123": "other-secret"},
		Clock:   fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tokenString := mintToken(t, "secret-key", "shop-123", now, time.Hour)
	_, validateErr := validator.ValidateToken(context.Background(), "shop-123", tokenString)
	if !errors.Is(validateErr, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", validateErr)
	}
}

func TestValidateTokenRejectsSubjectMismatch(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		Secrets: mapSecrets{"shop-123": "secret-key", "shop-456": "secret-key"},
		Clock:   fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tokenString := mintToken(t, "secret-key", "shop-456", now, time.Hour)
	_, validateErr := validator.ValidateToken(context.Background(), "shop-123", tokenString)
	if !errors.Is(validateErr, ErrSubjectMismatch) {
		t.Fatalf("expected subject mismatch error, got %v", validateErr)
	}
}

func TestValidateTokenRejectsUnknownShop(t *testing.T) {
	validator, err := New(Config{Secrets: mapSecrets{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, validateErr := validator.ValidateToken(context.Background(), "shop-missing", "irrelevant")
	if !errors.Is(validateErr, ErrUnknownShop) {
		t.Fatalf("expected unknown shop error, got %v", validateErr)
	}
}

func TestValidateRequestReadsIdentityHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		Secrets: mapSecrets{"shop-123": "secret-key"},
		Clock:   fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	request.Header.Set(HeaderClientID, "shop-123")
	request.Header.Set(HeaderAuthorization, "Bearer "+mintToken(t, "secret-key", "shop-123", now, time.Hour))

	claims, validateErr := validator.ValidateRequest(request)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetShopID() != "shop-123" {
		t.Fatalf("unexpected shop id %q", claims.GetShopID())
	}
}

func TestValidateRequestRequiresClientID(t *testing.T) {
	validator, err := New(Config{Secrets: mapSecrets{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	_, validateErr := validator.ValidateRequest(request)
	if !errors.Is(validateErr, ErrMissingClientID) {
		t.Fatalf("expected missing client id error, got %v", validateErr)
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		Secrets: mapSecrets{"shop-123": "secret-key"},
		Clock:   fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.GET("/resource", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		stored, found := contextGin.Get(DefaultContextKey)
		if !found {
			t.Fatal("expected claims in context")
		}
		claims := stored.(*Claims)
		contextGin.String(http.StatusOK, claims.GetShopID())
	})

	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	request.Header.Set(HeaderClientID, "shop-123")
	request.Header.Set(HeaderAuthorization, "Bearer "+mintToken(t, "secret-key", "shop-123", now, time.Hour))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder.Body.String() != "shop-123" {
		t.Fatalf("unexpected body %q", recorder.Body.String())
	}
}

func TestGinMiddlewareRejectsMissingHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator, err := New(Config{Secrets: mapSecrets{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.GET("/resource", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/resource", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
