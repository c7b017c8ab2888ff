package accesskit

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig bounds how often a single client may hit the credential
// endpoints.
type RateLimiterConfig struct {
	RequestsPerMinute float64
	Burst             int
	CleanupInterval   time.Duration
	IdleEviction      time.Duration
}

// DefaultRateLimiterConfig allows 30 credential requests per minute per
// client with a small burst.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 30,
		Burst:             10,
		CleanupInterval:   5 * time.Minute,
		IdleEviction:      15 * time.Minute,
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ClientRateLimiter tracks one token bucket per client key and evicts idle
// entries in the background.
type ClientRateLimiter struct {
	config   RateLimiterConfig
	mutex    sync.Mutex
	limiters map[string]*clientLimiter
	stop     chan struct{}
	stopOnce sync.Once
}

// NewClientRateLimiter constructs a limiter and starts its cleanup loop.
func NewClientRateLimiter(config RateLimiterConfig) *ClientRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config = DefaultRateLimiterConfig()
	}
	limiter := &ClientRateLimiter{
		config:   config,
		limiters: make(map[string]*clientLimiter),
		stop:     make(chan struct{}),
	}
	go limiter.cleanupLoop()
	return limiter
}

// Allow reports whether the client may proceed.
func (tracker *ClientRateLimiter) Allow(clientKey string) bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	entry, ok := tracker.limiters[clientKey]
	if !ok {
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(tracker.config.RequestsPerMinute/60.0), tracker.config.Burst),
		}
		tracker.limiters[clientKey] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// Stop terminates the cleanup loop.
func (tracker *ClientRateLimiter) Stop() {
	tracker.stopOnce.Do(func() { close(tracker.stop) })
}

func (tracker *ClientRateLimiter) cleanupLoop() {
	interval := tracker.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-tracker.stop:
			return
		case <-ticker.C:
			tracker.evictIdle()
		}
	}
}

func (tracker *ClientRateLimiter) evictIdle() {
	cutoff := time.Now().Add(-tracker.config.IdleEviction)
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	for clientKey, entry := range tracker.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(tracker.limiters, clientKey)
		}
	}
}

// Throttle limits requests per client IP on the credential endpoints.
func Throttle(tracker *ClientRateLimiter) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !tracker.Allow(contextGin.ClientIP()) {
			contextGin.AbortWithStatusJSON(429, errorBody{
				Code:    "access.ratelimit.exceeded",
				Message: "too many requests",
				Status:  429,
			})
			return
		}
		contextGin.Next()
	}
}
