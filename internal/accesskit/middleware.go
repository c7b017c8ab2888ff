package accesskit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Request headers recognized by the middleware chain.
const (
	HeaderAPIKey        = "x-api-key"
	HeaderClientID      = "x-client-id"
	HeaderAuthorization = "authorization"
)

// Gin context keys populated by RequireAccess.
const (
	ContextShopID = "shop_id"
	ContextClaims = "access_claims"
)

// RequireAPIKey resolves the x-api-key header against the API key store and
// attaches the key record for permission checks downstream.
func RequireAPIKey(apiKeys APIKeyStore) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		presented := strings.TrimSpace(contextGin.GetHeader(HeaderAPIKey))
		if presented == "" {
			abortWithError(contextGin, forbiddenError("access.apikey.missing", "api key required"))
			return
		}
		record, findErr := apiKeys.FindByKey(contextGin, presented)
		if findErr != nil {
			if errors.Is(findErr, ErrAPIKeyNotFound) {
				abortWithError(contextGin, forbiddenError("access.apikey.unknown", "api key not recognized"))
				return
			}
			abortWithError(contextGin, storageError("access.apikey.lookup", findErr))
			return
		}
		contextGin.Set("api_key", record)
		contextGin.Next()
	}
}

// RequirePermission checks that the API key attached by RequireAPIKey carries
// the given permission code.
func RequirePermission(code string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		value, found := contextGin.Get("api_key")
		if !found {
			abortWithError(contextGin, forbiddenError("access.permission.missing_key", "api key required"))
			return
		}
		record, ok := value.(APIKey)
		if !ok || !record.HasPermission(code) {
			abortWithError(contextGin, forbiddenError("access.permission.denied", "permission denied"))
			return
		}
		contextGin.Next()
	}
}

// RequireAccess authenticates a shop request from the x-client-id and
// authorization headers. The access token is verified against the access
// secret stored for the claimed shop, so a forged shop id cannot pick its own
// verification key, and the token subject must match the header.
func RequireAccess(keysets KeysetStore, clock Clock) gin.HandlerFunc {
	if clock == nil {
		clock = NewSystemClock()
	}
	return func(contextGin *gin.Context) {
		shopID := strings.TrimSpace(contextGin.GetHeader(HeaderClientID))
		if shopID == "" {
			abortWithError(contextGin, authFailureError("access.identity.missing_client_id", "client id header required"))
			return
		}
		accessToken := bearerToken(contextGin.GetHeader(HeaderAuthorization))
		if accessToken == "" {
			abortWithError(contextGin, authFailureError("access.identity.missing_token", "authorization header required"))
			return
		}
		keyset, findErr := keysets.FindByShop(contextGin, shopID)
		if findErr != nil {
			if errors.Is(findErr, ErrKeysetNotFound) {
				abortWithError(contextGin, authFailureError("access.identity.no_keyset", "no active session for shop"))
				return
			}
			abortWithError(contextGin, storageError("access.identity.lookup", findErr))
			return
		}
		claims, verifyErr := VerifyToken(clock, accessToken, keyset.AccessSecret)
		if verifyErr != nil {
			abortWithError(contextGin, authFailureError("access.identity.invalid_token", "access token invalid or expired"))
			return
		}
		if claims.ShopID != shopID {
			abortWithError(contextGin, authFailureError("access.identity.subject_mismatch", "token does not belong to shop"))
			return
		}
		contextGin.Set(ContextShopID, shopID)
		contextGin.Set(ContextClaims, claims)
		contextGin.Next()
	}
}

func bearerToken(headerValue string) string {
	headerValue = strings.TrimSpace(headerValue)
	if after, found := strings.CutPrefix(headerValue, "Bearer "); found {
		return strings.TrimSpace(after)
	}
	return headerValue
}

func abortWithError(contextGin *gin.Context, err *Error) {
	contextGin.AbortWithStatusJSON(httpStatusForKind(err.Kind), errorBody{
		Code:    err.Code,
		Message: err.Message,
		Status:  httpStatusForKind(err.Kind),
	})
}

func httpStatusForKind(kind Kind) int {
	switch kind {
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
