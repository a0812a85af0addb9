package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-api/metering/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Limiter answers whether a key may make one more request in the current
// window and records the attempt as part of the same call. A denial is a
// normal outcome, not an error; backend failures fail open.
type Limiter interface {
	IsAllowed(ctx context.Context, keyID string, maxPerMinute int) bool
}

// CounterCache is the shared low-latency counter store used by the
// fixed-window limiter. Get returns "" for a missing key.
type CounterCache interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error
}

// WindowStore exposes the raw per-key count primitives of the durable
// store, used only when no cache is configured.
type WindowStore interface {
	CountSince(ctx context.Context, keyID string, since time.Time) (int64, error)
	RecordRequest(ctx context.Context, keyID string, at time.Time) error
}

// New selects the limiter strategy once at composition time: the
// cache-backed fixed window when a cache URL is configured, the
// database-backed trailing window otherwise.
func New(cfg models.RateLimitConfig, cache CounterCache, store WindowStore) Limiter {
	if cfg.RedisURL != "" && cache != nil {
		return NewFixedWindowLimiter(cache, cfg)
	}
	return NewTrailingWindowLimiter(store, cfg)
}

// FixedWindowLimiter counts requests in non-overlapping one-minute
// windows aligned to epoch minutes, shared cluster-wide through the
// counter cache.
type FixedWindowLimiter struct {
	cache  CounterCache
	prefix string
	window time.Duration

	mu  sync.Mutex
	now func() time.Time
}

func NewFixedWindowLimiter(cache CounterCache, cfg models.RateLimitConfig) *FixedWindowLimiter {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "rl"
	}
	return &FixedWindowLimiter{
		cache:  cache,
		prefix: prefix,
		window: window,
		now:    time.Now,
	}
}

func (l *FixedWindowLimiter) IsAllowed(ctx context.Context, keyID string, maxPerMinute int) bool {
	if maxPerMinute <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	windowIndex := l.now().UnixMilli() / l.window.Milliseconds()
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, keyID, windowIndex)

	raw, err := l.cache.Get(ctx, windowKey)
	if err != nil {
		fiberlog.Warnf("rate limit cache read failed, failing open: %v", err)
		return true
	}

	count := 0
	if raw != "" {
		count, _ = strconv.Atoi(raw)
	}

	if count >= maxPerMinute {
		return false
	}

	if err := l.cache.SetWithExpiry(ctx, windowKey, l.window, strconv.Itoa(count+1)); err != nil {
		fiberlog.Warnf("rate limit cache write failed, failing open: %v", err)
		return true
	}

	return true
}

// TrailingWindowLimiter sums recorded request counts over the last window
// relative to now. Unlike the fixed-window path the interval slides; the
// two strategies intentionally keep their original edge behavior.
type TrailingWindowLimiter struct {
	store  WindowStore
	window time.Duration

	mu  sync.Mutex
	now func() time.Time
}

func NewTrailingWindowLimiter(store WindowStore, cfg models.RateLimitConfig) *TrailingWindowLimiter {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &TrailingWindowLimiter{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

func (l *TrailingWindowLimiter) IsAllowed(ctx context.Context, keyID string, maxPerMinute int) bool {
	if maxPerMinute <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	used, err := l.store.CountSince(ctx, keyID, now.Add(-l.window))
	if err != nil {
		fiberlog.Warnf("rate limit window query failed, failing open: %v", err)
		return true
	}

	if used >= int64(maxPerMinute) {
		return false
	}

	if err := l.store.RecordRequest(ctx, keyID, now); err != nil {
		fiberlog.Warnf("failed to record request for key %s: %v", keyID, err)
	}

	return true
}
