package identity

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehr/recordstore/internal/platform/db"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_identity_cache_hits_total",
		Help: "Identity resolutions served from the LRU cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_identity_cache_misses_total",
		Help: "Identity resolutions that missed the LRU cache.",
	})
)

type resolver interface {
	Resolve(ctx context.Context, raw string) Resolution
	Parse(raw string) Reference
	User(ctx context.Context, token string) (*User, error)
}

// CachedResolver keeps successful resolutions per tenant for a bounded time.
// Unresolved answers are not cached so a recovered lookup is seen on the
// next call.
type CachedResolver struct {
	next  resolver
	cache *expirable.LRU[string, Resolution]
}

func NewCachedResolver(next resolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		cache: expirable.NewLRU[string, Resolution](size, nil, ttl),
	}
}

func cacheKey(ctx context.Context, raw string) string {
	return db.TenantFromContext(ctx) + "|" + raw
}

func (c *CachedResolver) Resolve(ctx context.Context, raw string) Resolution {
	key := cacheKey(ctx, raw)
	if res, ok := c.cache.Get(key); ok {
		cacheHitsTotal.Inc()
		return res
	}
	cacheMissesTotal.Inc()

	res := c.next.Resolve(ctx, raw)
	if res.Resolved {
		c.cache.Add(key, res)
	}
	return res
}

func (c *CachedResolver) Parse(raw string) Reference {
	return c.next.Parse(raw)
}

func (c *CachedResolver) User(ctx context.Context, token string) (*User, error) {
	return c.next.User(ctx, token)
}

func (c *CachedResolver) Len() int {
	return c.cache.Len()
}
