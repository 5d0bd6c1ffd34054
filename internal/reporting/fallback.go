package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"callboard/internal/agents"
	"callboard/internal/calls"
	"callboard/internal/observability"
	"callboard/internal/tenants"
	"callboard/internal/vendor"
	"callboard/pkg/logger"
	"callboard/pkg/utils"
)

// VendorSource is the subset of the vendor client used for live fallback.
type VendorSource interface {
	ListCalls(ctx context.Context, apiKey string, p vendor.ListCallsParams) ([]vendor.CallRecord, error)
	ListAssistants(ctx context.Context, apiKey string) ([]vendor.Assistant, error)
}

// Cache stores fallback results briefly. Get reports false on a miss.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Limiter caps concurrent vendor fetches per key.
type Limiter interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

type FallbackConfig struct {
	CacheTTL time.Duration
	Limit    int
}

// Fallback fetches live vendor data for tenants whose store is not yet
// populated. It never persists what it fetches and never returns an error:
// any failure degrades to "no vendor data".
type Fallback struct {
	vendor  VendorSource
	creds   tenants.Repository
	cache   Cache
	limiter Limiter
	cfg     FallbackConfig
	clock   func() time.Time
}

func NewFallback(v VendorSource, creds tenants.Repository, cache Cache, limiter Limiter, cfg FallbackConfig) *Fallback {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	return &Fallback{vendor: v, creds: creds, cache: cache, limiter: limiter, cfg: cfg, clock: time.Now}
}

const (
	kindCalls  = "calls"
	kindAgents = "agents"
)

func cacheKey(tenantID, kind string, days int) string {
	return fmt.Sprintf("callboard:fallback:%s:%s:%d", tenantID, kind, days)
}

func limiterKey(tenantID string) string {
	return "callboard:fallback:lock:" + tenantID
}

// Calls returns vendor calls created in the last days days (0 = no bound).
func (f *Fallback) Calls(ctx context.Context, tenantID string, days int) ([]calls.Call, bool) {
	var records []vendor.CallRecord
	ok := f.fetch(ctx, tenantID, kindCalls, days, &records, func(ctx context.Context, key string) (any, error) {
		p := vendor.ListCallsParams{Limit: f.cfg.Limit}
		if days > 0 {
			from, _ := statsWindow(f.clock(), days)
			p.CreatedAtGe = &from
		}
		rs, err := f.vendor.ListCalls(ctx, key, p)
		records = rs
		return rs, err
	})
	if !ok {
		return nil, false
	}
	return vendor.AdaptCalls(tenantID, records), true
}

// Agents returns the tenant's vendor assistants.
func (f *Fallback) Agents(ctx context.Context, tenantID string) ([]agents.Agent, bool) {
	var as []vendor.Assistant
	ok := f.fetch(ctx, tenantID, kindAgents, 0, &as, func(ctx context.Context, key string) (any, error) {
		out, err := f.vendor.ListAssistants(ctx, key)
		as = out
		return out, err
	})
	if !ok {
		return nil, false
	}
	return vendor.AdaptAssistants(tenantID, as), true
}

// fetch runs credential lookup, cache, concurrency cap and the vendor call.
// On a cache hit dst is filled from the cache; otherwise load fills it.
func (f *Fallback) fetch(ctx context.Context, tenantID, kind string, days int, dst any, load func(ctx context.Context, apiKey string) (any, error)) bool {
	if f == nil || f.vendor == nil || f.creds == nil {
		return false
	}
	log := logger.From(ctx).With(slog.String("tenant_id", tenantID), slog.String("fallback", kind))
	outcome := func(o string) { observability.FallbackRequests.WithLabelValues(kind, o).Inc() }

	apiKey, ok, err := f.creds.VendorAPIKey(ctx, tenantID)
	if err != nil {
		log.Warn("fallback credential lookup failed", slog.String("err", err.Error()))
		outcome("error")
		return false
	}
	if !ok {
		outcome("no_credential")
		return false
	}

	key := cacheKey(tenantID, kind, days)
	if f.cache != nil {
		hit, err := f.cache.Get(ctx, key, dst)
		if err != nil {
			log.Debug("fallback cache read failed", slog.String("err", err.Error()))
		}
		if hit {
			outcome("cache_hit")
			return true
		}
	}

	if f.limiter != nil {
		release, acquired, err := f.limiter.Acquire(ctx, limiterKey(tenantID))
		if err != nil {
			log.Warn("fallback limiter failed", slog.String("err", err.Error()))
			outcome("error")
			return false
		}
		if !acquired {
			outcome("busy")
			return false
		}
		defer release()
	}

	v, err := load(ctx, apiKey)
	if err != nil {
		log.Warn("vendor fallback failed", slog.String("err", err.Error()))
		outcome("error")
		return false
	}
	if f.cache != nil && f.cfg.CacheTTL > 0 {
		if err := f.cache.Set(ctx, key, v, f.cfg.CacheTTL); err != nil {
			log.Debug("fallback cache write failed", slog.String("err", err.Error()))
		}
	}
	outcome("fetched")
	return true
}

// RedisCache is a Cache over Redis JSON strings.
type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	err := utils.GetJSON(ctx, c.rdb, key, dst)
	if errors.Is(err, utils.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	return utils.SetJSON(ctx, c.rdb, key, v, ttl)
}

// RedisLimiter caps concurrent fetches per key across processes.
type RedisLimiter struct {
	rdb   redis.Scripter
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb redis.Scripter, limit int, ttl time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (func(), bool, error) {
	ok, err := utils.AcquireConcurrencyCap(ctx, l.rdb, key, l.limit, l.ttl)
	if err != nil || !ok {
		return func() {}, ok, err
	}
	release := func() {
		// Release even if the request context is already done.
		_ = utils.ReleaseConcurrencyCap(context.WithoutCancel(ctx), l.rdb, key)
	}
	return release, true, nil
}
