// ratelimit.go provides Gin middleware that enforces per-client rate limits on
// the login endpoint, returning 429 responses once the configured
// requests-per-minute threshold is exceeded.
//
// Two limiters are available: an in-process token bucket for single-replica
// deployments and a Redis-backed GCRA limiter (go-redis/redis_rate) that is
// shared by every replica using the same Redis.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/stouder/mechanic/internal/safego"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often the memory limiter drops idle clients
	CleanupInterval time.Duration
}

// LoginRateLimitConfig returns the default limits for the login endpoint.
func LoginRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// LimitResult is the outcome of one Allow call.
type LimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long the client should wait before retrying. Zero
	// when the request was allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a client identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (LimitResult, error)
	// Limit is the configured requests per minute, reported in headers.
	Limit() int
}

// ---------------------------------------------------------------------------
// In-process token bucket
// ---------------------------------------------------------------------------

// bucket tracks the tokens left for a single client
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter implements a token bucket per client key.
type MemoryLimiter struct {
	config  RateLimitConfig
	entries map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
	cancel  context.CancelFunc
	done    <-chan struct{}
}

// idleEviction is how long a client may stay silent before its bucket is
// dropped. A dropped client starts again with a full burst.
const idleEviction = 10 * time.Minute

// NewMemoryLimiter creates a limiter and starts its cleanup loop. Call Stop
// to end the loop.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &MemoryLimiter{
		config:  config,
		entries: make(map[string]*bucket),
		now:     time.Now,
		cancel:  cancel,
	}
	interval := config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	rl.done = safego.Every(ctx, "ratelimit-cleanup", interval, rl.cleanup)
	return rl
}

func (rl *MemoryLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, entry := range rl.entries {
		if now.Sub(entry.lastUpdate) > idleEviction {
			delete(rl.entries, key)
		}
	}
}

// Stop stops the cleanup loop and waits for it to exit.
func (rl *MemoryLimiter) Stop() {
	rl.cancel()
	<-rl.done
}

// Limit implements Limiter.
func (rl *MemoryLimiter) Limit() int {
	return rl.config.RequestsPerMinute
}

// Allow implements Limiter. It never returns an error.
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (LimitResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	burst := float64(rl.config.BurstSize)
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0

	entry, exists := rl.entries[key]
	if !exists {
		entry = &bucket{tokens: burst, lastUpdate: now}
		rl.entries[key] = entry
	} else {
		elapsed := now.Sub(entry.lastUpdate).Seconds()
		entry.tokens = min(burst, entry.tokens+elapsed*perSecond)
		entry.lastUpdate = now
	}

	if entry.tokens >= 1 {
		entry.tokens--
		return LimitResult{Allowed: true, Remaining: int(entry.tokens)}, nil
	}

	wait := time.Minute
	if perSecond > 0 {
		wait = time.Duration((1 - entry.tokens) / perSecond * float64(time.Second))
	}
	return LimitResult{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// ---------------------------------------------------------------------------
// Redis GCRA limiter
// ---------------------------------------------------------------------------

const redisRateKeyPrefix = "mechanic:ratelimit:"

// RedisLimiter shares rate limit state between replicas through Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter on top of an existing Redis client.
func NewRedisLimiter(client redis.UniversalClient, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
	}
}

// Limit implements Limiter.
func (rl *RedisLimiter) Limit() int {
	return rl.limit.Rate
}

// Allow implements Limiter.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	res, err := rl.limiter.Allow(ctx, redisRateKeyPrefix+key, rl.limit)
	if err != nil {
		return LimitResult{}, err
	}
	out := LimitResult{Allowed: res.Allowed > 0, Remaining: res.Remaining}
	if !out.Allowed && res.RetryAfter > 0 {
		out.RetryAfter = res.RetryAfter
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// RateLimitMiddleware creates a Gin middleware that rate limits requests by
// client IP. When the limiter itself fails the request is let through: a
// Redis outage must not lock operators out of the console.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	limit := strconv.Itoa(limiter.Limit())
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		res, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request",
				"key", key,
				"request_id", c.GetString(RequestIDKey),
				"error", err,
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			retryAfter := retryAfterSeconds(res.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// retryAfterSeconds rounds a wait up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// getRateLimitKey keys clients by IP. Login requests are unauthenticated, so
// there is no better identity to use.
func getRateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
