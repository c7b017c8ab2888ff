package accesskit

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDeps bundles what the shop access routes need.
type RouterDeps struct {
	Service *AccessService
	Keysets KeysetStore
	Shops   ShopStore
	APIKeys APIKeyStore
	Clock   Clock
	Logger  *zap.Logger
	// Limiter is optional; when present the credential endpoints are
	// throttled per client IP.
	Limiter *ClientRateLimiter
}

// MountShopRoutes registers the shop access API under /v1/api. All routes sit
// behind the API-key gate; logout and me additionally require the identity
// headers.
func MountShopRoutes(router gin.IRouter, deps RouterDeps) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = NewSystemClock()
	}

	group := router.Group("/v1/api")
	group.Use(RequireAPIKey(deps.APIKeys))
	group.Use(RequirePermission(PermissionGeneral))

	credential := group.Group("")
	if deps.Limiter != nil {
		credential.Use(Throttle(deps.Limiter))
	}

	credential.POST("/shop/signup", func(contextGin *gin.Context) {
		var inbound struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			respondError(contextGin, badRequestError("access.signup.invalid_json", "invalid request body"))
			return
		}
		result, signUpErr := deps.Service.SignUp(contextGin, inbound.Name, inbound.Email, inbound.Password)
		if signUpErr != nil {
			logServiceFailure(deps.Logger, "sign-up failed", signUpErr)
			respondError(contextGin, signUpErr)
			return
		}
		respondCreated(contextGin, "Shop registered successfully", result)
	})

	credential.POST("/shop/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			respondError(contextGin, badRequestError("access.login.invalid_json", "invalid request body"))
			return
		}
		result, loginErr := deps.Service.Login(contextGin, inbound.Email, inbound.Password)
		if loginErr != nil {
			logServiceFailure(deps.Logger, "login failed", loginErr)
			respondError(contextGin, loginErr)
			return
		}
		respondOK(contextGin, "Shop logged in successfully", result)
	})

	credential.POST("/shop/handleRefreshToken", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil {
			respondError(contextGin, badRequestError("access.refresh.invalid_json", "invalid request body"))
			return
		}
		result, refreshErr := deps.Service.Refresh(contextGin, inbound.RefreshToken)
		if refreshErr != nil {
			logServiceFailure(deps.Logger, "refresh failed", refreshErr)
			respondError(contextGin, refreshErr)
			return
		}
		respondOK(contextGin, "Token pair rotated successfully", result)
	})

	authenticated := group.Group("")
	authenticated.Use(RequireAccess(deps.Keysets, deps.Clock))

	authenticated.POST("/shop/logout", func(contextGin *gin.Context) {
		shopID := contextGin.GetString(ContextShopID)
		if logoutErr := deps.Service.Logout(contextGin, shopID); logoutErr != nil {
			logServiceFailure(deps.Logger, "logout failed", logoutErr)
			respondError(contextGin, logoutErr)
			return
		}
		respondOK(contextGin, "Shop logged out successfully", gin.H{"shopId": shopID})
	})

	authenticated.GET("/shop/me", func(contextGin *gin.Context) {
		shopID := contextGin.GetString(ContextShopID)
		shop, findErr := deps.Shops.FindByID(contextGin, shopID)
		if findErr != nil {
			if errors.Is(findErr, ErrShopNotFound) {
				respondError(contextGin, authFailureError("access.me.shop_missing", "shop not registered"))
				return
			}
			respondError(contextGin, storageError("access.me.lookup", findErr))
			return
		}
		respondOK(contextGin, "Shop profile", shop.PublicFields())
	})
}

func logServiceFailure(logger *zap.Logger, message string, err error) {
	kind := KindOf(err)
	fields := []zap.Field{
		zap.String("code", CodeOf(err)),
	}
	switch kind {
	case KindInternal, KindStorage:
		logger.Error(message, append(fields, zap.Error(err))...)
	default:
		logger.Info(message, fields...)
	}
}
