package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/shopauth/internal/accesskit"
	"github.com/tyemirov/shopauth/internal/accesskitdb"
	"github.com/tyemirov/shopauth/internal/accesskitpg"
	"github.com/tyemirov/shopauth/internal/accesskitredis"
	"github.com/tyemirov/shopauth/internal/monitor"
	"github.com/tyemirov/shopauth/internal/web"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "shopauth",
		Short:   "Shop credential service with per-shop signing secrets and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for shops and keysets (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the keyset store (overrides the database keyset store when set)")
	rootCmd.Flags().Bool("pg_native", false, "Use the native pgx stores instead of GORM when database_url is postgres://")
	rootCmd.Flags().Int("bcrypt_cost", accesskit.DefaultBcryptCost, "Bcrypt cost for shop password hashing")
	rootCmd.Flags().String("bootstrap_api_key", "", "API key seeded at startup with general permission (required with in-memory stores)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("rate_limit_enabled", true, "Throttle credential endpoints per client IP")
	rootCmd.Flags().Int("rate_limit_rpm", 30, "Credential requests allowed per minute per client")
	rootCmd.Flags().Int("rate_limit_burst", 10, "Credential request burst per client")
	rootCmd.Flags().Bool("monitor_enabled", true, "Sample connection-pool and memory pressure in the background")
	rootCmd.Flags().Duration("monitor_interval", monitor.DefaultSampleInterval, "Resource sampling interval")

	for _, name := range []string{
		"listen_addr", "database_url", "redis_url", "pg_native", "bcrypt_cost",
		"bootstrap_api_key", "enable_cors", "cors_allowed_origins",
		"rate_limit_enabled", "rate_limit_rpm", "rate_limit_burst",
		"monitor_enabled", "monitor_interval",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeInvalidRateLimit        = "config.invalid_rate_limit"
	configCodeMissingCORSOrigins      = "config.missing_cors_origins"
	configCodeMissingBootstrapKey     = "config.missing_bootstrap_api_key"
	configCodePGNativeRequiresURL     = "config.pg_native_requires_postgres_url"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeRedisURLInvalid         = "config.redis_url_invalid"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-backed settings.
func LoadServerConfig() (accesskit.ServerConfig, error) {
	bcryptCost := viper.GetInt("bcrypt_cost")
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return accesskit.ServerConfig{}, configError(configCodeInvalidBcryptCost,
			fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}

	rateLimitEnabled := viper.GetBool("rate_limit_enabled")
	rateLimitPerMinute := viper.GetInt("rate_limit_rpm")
	rateLimitBurst := viper.GetInt("rate_limit_burst")
	if rateLimitEnabled && (rateLimitPerMinute <= 0 || rateLimitBurst <= 0) {
		return accesskit.ServerConfig{}, configError(configCodeInvalidRateLimit, "rate_limit_rpm and rate_limit_burst must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return accesskit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	databaseURL := viper.GetString("database_url")
	preferNativePG := viper.GetBool("pg_native")
	if preferNativePG && !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
		return accesskit.ServerConfig{}, configError(configCodePGNativeRequiresURL, "pg_native requires a postgres:// database_url")
	}

	bootstrapAPIKey := strings.TrimSpace(viper.GetString("bootstrap_api_key"))
	if databaseURL == "" && bootstrapAPIKey == "" {
		return accesskit.ServerConfig{}, configError(configCodeMissingBootstrapKey, "bootstrap_api_key must be provided when stores are in-memory")
	}

	return accesskit.ServerConfig{
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		RedisURL:           viper.GetString("redis_url"),
		PreferNativePG:     preferNativePG,
		BcryptCost:         bcryptCost,
		BootstrapAPIKey:    bootstrapAPIKey,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		RateLimitEnabled:   rateLimitEnabled,
		RateLimitPerMinute: rateLimitPerMinute,
		RateLimitBurst:     rateLimitBurst,
		MonitorEnabled:     viper.GetBool("monitor_enabled"),
		MonitorInterval:    viper.GetDuration("monitor_interval"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(accesskit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	stores, connectionCounter, storesErr := buildStores(command.Context(), serverConfig, logger)
	if storesErr != nil {
		return storesErr
	}

	if serverConfig.BootstrapAPIKey != "" {
		seedErr := stores.apiKeys.Create(context.Background(), accesskit.APIKey{
			Key:         serverConfig.BootstrapAPIKey,
			Active:      true,
			Permissions: []string{accesskit.PermissionGeneral},
		})
		if seedErr != nil {
			return fmt.Errorf("config.bootstrap_api_key_seed: %w", seedErr)
		}
		logger.Info("bootstrap api key seeded")
	}

	clock := accesskit.NewSystemClock()
	metricsRecorder := accesskit.NewCounterMetrics()
	service := accesskit.NewAccessService(stores.shops, stores.keysets, clock, logger, metricsRecorder, serverConfig.BcryptCost)

	var limiter *accesskit.ClientRateLimiter
	if serverConfig.RateLimitEnabled {
		limiterConfig := accesskit.DefaultRateLimiterConfig()
		limiterConfig.RequestsPerMinute = float64(serverConfig.RateLimitPerMinute)
		limiterConfig.Burst = serverConfig.RateLimitBurst
		limiter = accesskit.NewClientRateLimiter(limiterConfig)
		defer limiter.Stop()
	}

	accesskit.MountShopRoutes(router, accesskit.RouterDeps{
		Service: service,
		Keysets: stores.keysets,
		Shops:   stores.shops,
		APIKeys: stores.apiKeys,
		Clock:   clock,
		Logger:  logger,
		Limiter: limiter,
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if serverConfig.MonitorEnabled {
		resourceMonitor := monitor.NewMonitor(connectionCounter, logger, serverConfig.MonitorInterval)
		go resourceMonitor.Run(shutdownCtx)
	}

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// serverStores groups the three store interfaces the service needs,
// whichever backend provides them.
type serverStores struct {
	shops   accesskit.ShopStore
	keysets accesskit.KeysetStore
	apiKeys accesskit.APIKeyStore
}

func buildStores(ctx context.Context, serverConfig accesskit.ServerConfig, logger *zap.Logger) (serverStores, monitor.ConnectionCounter, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var stores serverStores
	var connectionCounter monitor.ConnectionCounter

	switch {
	case serverConfig.DatabaseURL == "":
		stores = serverStores{
			shops:   accesskit.NewMemoryShopStore(),
			keysets: accesskit.NewMemoryKeysetStore(),
			apiKeys: accesskit.NewMemoryAPIKeyStore(),
		}
		logger.Info("using in-memory stores")
	case serverConfig.PreferNativePG:
		pool, poolErr := accesskitpg.BuildPool(ctx, serverConfig.DatabaseURL)
		if poolErr != nil {
			return serverStores{}, nil, poolErr
		}
		if schemaErr := accesskitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return serverStores{}, nil, schemaErr
		}
		stores = serverStores{
			shops:   accesskitpg.NewPostgresShopStore(pool),
			keysets: accesskitpg.NewPostgresKeysetStore(pool),
			apiKeys: accesskitpg.NewPostgresAPIKeyStore(pool),
		}
		logger.Info("using native postgres stores")
	default:
		databaseStores, storeErr := accesskitdb.NewStores(ctx, serverConfig.DatabaseURL)
		if storeErr != nil {
			return serverStores{}, nil, storeErr
		}
		stores = serverStores{
			shops:   databaseStores.Shops,
			keysets: databaseStores.Keysets,
			apiKeys: databaseStores.APIKeys,
		}
		if sqlDB, sqlErr := databaseStores.DB().DB(); sqlErr == nil {
			connectionCounter = monitor.DBConnectionCounter{DB: sqlDB}
		}
		logger.Info("using persistent stores", zap.String("driver", databaseStores.Driver()))
	}

	if serverConfig.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(serverConfig.RedisURL)
		if parseErr != nil {
			return serverStores{}, nil, fmt.Errorf("%s: %w", configCodeRedisURLInvalid, parseErr)
		}
		stores.keysets = accesskitredis.NewKeysetStore(redis.NewClient(redisOptions))
		logger.Info("using redis keyset store")
	}

	return stores, connectionCounter, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
