// Package cache implements the XFetch probabilistic early-refresh cache over
// the coordination KV.
//
// XFetch (Vattani et al., "Optimal Probabilistic Cache Stampede Prevention")
// refreshes an entry before expiry with probability approaching 1 as the
// entry ages, trading a bounded number of stale reads for the elimination of
// synchronized expiry. Concurrent refreshes of one key are coalesced through
// a singleflight group; stored TTLs carry ±10 % jitter so keys written
// together do not expire together.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

const (
	defaultBeta   = 1.0
	defaultJitter = 0.10
	// Redis expiry must outlive the logical TTL so stale values remain
	// servable while a refresh is in flight.
	physicalTTLFactor = 2
	scanBatch         = 100
)

// envelope is the stored form of a cache entry.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	FetchTime int64           `json:"fetch_time_ms"` // unix ms
	TTL       int64           `json:"ttl_ms"`        // jittered logical TTL
	Delta     int64           `json:"delta_ms"`      // measured fetch wall time
}

// Cache is an XFetch cache over redis.
type Cache struct {
	rdb    redis.UniversalClient
	prefix string
	beta   float64
	jitter float64
	group  singleflight.Group
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// Option configures a Cache.
type Option func(*Cache)

// WithBeta overrides the XFetch aggressiveness factor (default 1.0).
func WithBeta(beta float64) Option { return func(c *Cache) { c.beta = beta } }

// WithJitter overrides the TTL jitter fraction (default 0.10).
func WithJitter(j float64) Option { return func(c *Cache) { c.jitter = j } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(c *Cache) { c.clock = clock } }

// WithRandSource overrides the jitter/XFetch randomness for testing.
func WithRandSource(src rand.Source) Option {
	return func(c *Cache) { c.rand = rand.New(src) }
}

// New creates a cache with the given key prefix.
func New(rdb redis.UniversalClient, prefix string, opts ...Option) *Cache {
	c := &Cache{
		rdb:    rdb,
		prefix: prefix,
		beta:   defaultBeta,
		jitter: defaultJitter,
		logger: slog.Default().With("component", "cache"),
		clock:  time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) float64n() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rand.Float64()
}

// jitteredTTL returns base · (1 + U(−jitter, +jitter)), clamped to ≥ 1 ms.
func (c *Cache) jitteredTTL(base time.Duration) time.Duration {
	f := 1 + (c.float64n()*2-1)*c.jitter
	ttl := time.Duration(float64(base) * f)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

// dueForRefresh applies the XFetch inequality:
// age > ttl + delta·β·log(U(0,1]). log is negative, so refresh may trigger
// any time before expiry, with probability rising toward 1 at ttl.
func (c *Cache) dueForRefresh(age, ttl, delta time.Duration) bool {
	u := c.float64n()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	threshold := float64(ttl) + float64(delta)*c.beta*math.Log(u)
	return float64(age) > threshold
}

// GetWithXFetch returns the cached value for key, fetching on miss and
// scheduling a background refresh when the entry enters its refresh window.
// Stale values are served immediately while the refresh runs.
func GetWithXFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return refreshSync(ctx, c, key, ttl, fetch)
	}
	if err != nil {
		// Cache read errors degrade to a synchronous fetch; the KV is
		// advisory for reads.
		c.logger.Warn("cache read failed, fetching directly", "key", key, "error", err)
		return refreshSync(ctx, c, key, ttl, fetch)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("cache entry corrupt, refetching", "key", key, "error", err)
		return refreshSync(ctx, c, key, ttl, fetch)
	}

	var value T
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return refreshSync(ctx, c, key, ttl, fetch)
	}

	age := c.clock().Sub(time.UnixMilli(env.FetchTime))
	if c.dueForRefresh(age, time.Duration(env.TTL)*time.Millisecond, time.Duration(env.Delta)*time.Millisecond) {
		c.scheduleRefresh(key, ttl, func(ctx context.Context) (any, error) { return fetch(ctx) })
	}
	return value, nil
}

// scheduleRefresh starts a deduplicated background refresh. Callers that find
// a flight already in progress skip scheduling entirely.
func (c *Cache) scheduleRefresh(key string, ttl time.Duration, fetch func(context.Context) (any, error)) {
	go func() {
		_, err, _ := c.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return c.store(ctx, key, ttl, fetch)
		})
		if err != nil {
			c.logger.Warn("background refresh failed", "key", key, "error", err)
		}
	}()
}

func refreshSync[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.store(ctx, key, ttl, func(ctx context.Context) (any, error) { return fetch(ctx) })
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, apierror.Validation("cache type mismatch for key %q", key)
	}
	return typed, nil
}

// store runs the fetcher, measures its wall time as delta, and writes the
// envelope with a jittered TTL. Write failures are logged, not surfaced: the
// fetched value is still good.
func (c *Cache) store(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	start := c.clock()
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	delta := c.clock().Sub(start)

	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable", "key", key, "error", err)
		return value, nil
	}
	jttl := c.jitteredTTL(ttl)
	env := envelope{
		Value:     raw,
		FetchTime: c.clock().UnixMilli(),
		TTL:       jttl.Milliseconds(),
		Delta:     delta.Milliseconds(),
	}
	blob, _ := json.Marshal(env)
	if err := c.rdb.Set(ctx, c.key(key), blob, jttl*physicalTTLFactor).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return value, nil
}

// Invalidate deletes a single key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return apierror.ExternalService(err, "cache invalidate %q", key)
	}
	return nil
}

// InvalidatePrefix deletes all keys under a prefix using a cursor-based
// SCAN with batched deletes. Run it off the hot path; it never takes locks
// the read path needs.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	pattern := c.key(prefix) + "*"
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, apierror.ExternalService(err, "cache scan %q", prefix)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return deleted, apierror.ExternalService(err, "cache batch delete")
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
