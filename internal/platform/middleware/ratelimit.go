package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehr/recordstore/internal/platform/auth"
	"github.com/ehr/recordstore/internal/platform/db"
)

var rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "recordstore_http_rate_limited_total",
	Help: "Requests rejected by the rate limiter.",
})

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxClients bounds how many callers are tracked; idle buckets expire
	// after IdleTTL.
	MaxClients int
	IdleTTL    time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		MaxClients:        10000,
		IdleTTL:           10 * time.Minute,
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

// take consumes one token and reports the seconds to wait when none is left.
func (b *tokenBucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

type limiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *tokenBucket]
	cfg     RateLimitConfig
	now     func() time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &limiter{
		buckets: expirable.NewLRU[string, *tokenBucket](cfg.MaxClients, nil, cfg.IdleTTL),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := newTokenBucket(l.cfg.RequestsPerSecond, l.cfg.BurstSize, l.now())
	l.buckets.Add(key, b)
	return b
}

// clientKey identifies the caller: the authenticated user when known,
// otherwise the client IP, always within its tenant.
func clientKey(c echo.Context) string {
	ctx := c.Request().Context()
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		if tid, ok := c.Get("jwt_tenant_id").(string); ok {
			tenant = tid
		}
	}
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return tenant + ":user:" + uid
	}
	return tenant + ":ip:" + c.RealIP()
}

// RateLimit applies a token bucket per caller.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newLimiter(cfg))
}

func rateLimit(l *limiter) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(l.cfg.RequestsPerSecond, 'f', 0, 64)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			ok, retryAfter := l.bucket(clientKey(c)).take(l.now())
			if !ok {
				rateLimitedTotal.Inc()
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
