package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrMiss signals that a key is absent from the cache backend.
var ErrMiss = errors.New("permissions: cache miss")

const (
	keyPrefix = "authz:perms:"

	// DefaultTTL is the base lifetime of a cached entry. Each write shifts
	// it by a uniform jitter into [base-40s, base+30s] so entries written
	// together do not expire together.
	DefaultTTL    = 5 * time.Minute
	jitterBackoff = 40 * time.Second
	jitterSpan    = 70 * time.Second

	deleteBatchSize = 512
)

// Backend is the storage contract of the permission cache. Implementations
// must treat absent keys as ErrMiss, not as an error condition.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
}

// RedisBackend implements Backend on a redis client.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (b *RedisBackend) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes keys in pipelined batches.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		pipe.Del(ctx, keys[start:end]...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// KeysMatching walks the keyspace with SCAN; it never issues KEYS.
func (b *RedisBackend) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// MetricsRecorder receives cache and resolution telemetry. A nil recorder is
// replaced by a no-op.
type MetricsRecorder interface {
	CacheHit()
	CacheMiss()
	ObserveResolveDuration(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) CacheHit()                              {}
func (nopMetrics) CacheMiss()                             {}
func (nopMetrics) ObserveResolveDuration(_ time.Duration) {}

// Cache fronts the Resolver with a Redis-backed read-through cache.
//
// The cache degrades, never blocks: a backend read failure counts as a miss
// and a write failure is logged and swallowed, so authorization stays
// available while Redis is not. Invalidation is precise on the role paths
// (per-user keys) and tenant-wide on the policy paths.
type Cache struct {
	backend  Backend
	resolver *Resolver
	logger   *slog.Logger
	metrics  MetricsRecorder
	baseTTL  time.Duration
	group    singleflight.Group
}

// NewCache builds the caching layer. A zero ttl falls back to DefaultTTL.
func NewCache(backend Backend, resolver *Resolver, logger *slog.Logger, metrics MetricsRecorder, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Cache{
		backend:  backend,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		baseTTL:  ttl,
	}
}

func cacheKey(tenantID, userID string) string {
	return keyPrefix + tenantID + ":" + userID
}

func (c *Cache) jitteredTTL() time.Duration {
	return c.baseTTL - jitterBackoff + time.Duration(rand.Int63n(int64(jitterSpan)))
}

// GetUserEffectivePermissions returns the cached set, resolving and storing
// it on a miss. Concurrent misses for the same user collapse into a single
// resolution via singleflight.
func (c *Cache) GetUserEffectivePermissions(ctx context.Context, tenantID, userID string) (EffectiveSet, error) {
	key := cacheKey(tenantID, userID)

	raw, err := c.backend.Get(ctx, key)
	if err == nil {
		var set EffectiveSet
		if unmarshalErr := json.Unmarshal([]byte(raw), &set); unmarshalErr == nil {
			c.metrics.CacheHit()
			return set, nil
		}
		c.logger.Warn("permissions cache entry corrupt", slog.String("key", key))
	} else if !errors.Is(err, ErrMiss) {
		c.logger.Warn("permissions cache read failed", slog.String("key", key), slog.Any("error", err))
	}
	c.metrics.CacheMiss()

	result, err, _ := c.group.Do(key, func() (any, error) {
		started := time.Now()
		set, resolveErr := c.resolver.GetUserEffectivePermissions(ctx, tenantID, userID)
		if resolveErr != nil {
			return EffectiveSet{}, resolveErr
		}
		c.metrics.ObserveResolveDuration(time.Since(started))

		payload, marshalErr := json.Marshal(set)
		if marshalErr != nil {
			return set, nil
		}
		if setErr := c.backend.SetWithTTL(ctx, key, string(payload), c.jitteredTTL()); setErr != nil {
			c.logger.Warn("permissions cache write failed", slog.String("key", key), slog.Any("error", setErr))
		}
		return set, nil
	})
	if err != nil {
		return EffectiveSet{}, err
	}
	return result.(EffectiveSet), nil
}

// InvalidateUsers drops the cached sets of the given users. Role mutations
// call this with exactly the affected membership, nothing wider.
func (c *Cache) InvalidateUsers(ctx context.Context, tenantID string, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = cacheKey(tenantID, userID)
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.logger.Warn("permissions cache invalidation failed",
			slog.String("tenant", tenantID), slog.Int("users", len(userIDs)), slog.Any("error", err))
	}
}

// InvalidateTenant sweeps every cached set of one tenant. Policy mutations
// use this because a policy can affect any user in the tenant.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) {
	pattern := fmt.Sprintf("%s%s:*", keyPrefix, tenantID)
	keys, err := c.backend.KeysMatching(ctx, pattern)
	if err != nil {
		c.logger.Warn("permissions cache sweep scan failed", slog.String("tenant", tenantID), slog.Any("error", err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.logger.Warn("permissions cache sweep delete failed", slog.String("tenant", tenantID), slog.Any("error", err))
	}
}
