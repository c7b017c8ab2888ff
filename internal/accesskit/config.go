package accesskit

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ServerConfig carries the binary-level settings the credential service
// needs beyond its store wiring.
type ServerConfig struct {
	ListenAddr         string
	DatabaseURL        string
	RedisURL           string
	PreferNativePG     bool
	BcryptCost         int
	BootstrapAPIKey    string
	EnableCORS         bool
	CORSAllowedOrigins []string
	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitBurst     int
	MonitorEnabled     bool
	MonitorInterval    time.Duration
}

// DefaultBcryptCost is applied when no cost is configured.
const DefaultBcryptCost = bcrypt.DefaultCost
