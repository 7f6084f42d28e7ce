// Package cache keeps match results and registry snapshots in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
)

// MatchCache handles Redis-based caching of match results. Keys are derived
// from normalized text, so inputs that differ only in what normalization
// discards share an entry.
type MatchCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMatchCache creates a new Redis-based match cache
func NewMatchCache(config *Config, logger *zap.Logger) (*MatchCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	cache := &MatchCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.client.Ping(ctx).Err(); err != nil {
		cache.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Match cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// Get returns the cached matches for normalized text. Lookup failures are
// logged and reported as a miss.
func (mc *MatchCache) Get(ctx context.Context, backend detection.BackendType, normalized string) ([]detection.Match, bool) {
	key := matchKey(mc.config.KeyPrefix, backend, normalized)

	data, err := mc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		mc.misses.Add(1)
		mc.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	} else if err != nil {
		mc.misses.Add(1)
		mc.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, false
	}

	var cached CachedResult
	if err := json.Unmarshal(data, &cached); err != nil || cached.Backend != string(backend) {
		mc.misses.Add(1)
		mc.logger.Error("Discarding corrupted cache entry", zap.String("key", key), zap.Error(err))
		mc.client.Del(ctx, key)
		return nil, false
	}

	mc.hits.Add(1)
	mc.logger.Debug("Cache hit", zap.String("key", key), zap.Int("matches", len(cached.Matches)))
	return cached.Matches, true
}

// Put caches matches for normalized text
func (mc *MatchCache) Put(ctx context.Context, backend detection.BackendType, normalized string, matches []detection.Match) error {
	key := matchKey(mc.config.KeyPrefix, backend, normalized)

	data, err := json.Marshal(CachedResult{
		Backend:  string(backend),
		Matches:  matches,
		CachedAt: time.Now(),
		TTL:      int64(mc.config.DefaultTTL.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal matches for caching: %w", err)
	}

	if err := mc.client.Set(ctx, key, data, mc.config.DefaultTTL).Err(); err != nil {
		mc.logger.Error("Failed to cache matches", zap.Error(err))
		return fmt.Errorf("failed to cache matches: %w", err)
	}
	return nil
}

// Invalidate removes every cached result of backend
func (mc *MatchCache) Invalidate(ctx context.Context, backend detection.BackendType) error {
	deleted, err := mc.deletePattern(ctx, fmt.Sprintf("%s:match:%s:*", mc.config.KeyPrefix, backend))
	if err != nil {
		return err
	}
	mc.logger.Debug("Match cache invalidated", zap.String("backend", string(backend)), zap.Int("deleted_keys", deleted))
	return nil
}

// SaveRegistry stores a binary snapshot of the matcher's registry. Snapshots
// do not expire.
func (mc *MatchCache) SaveRegistry(ctx context.Context, matcher detection.Matcher) error {
	data, err := matcher.Encode(detection.FormatBinary)
	if err != nil {
		return err
	}
	if err := mc.client.Set(ctx, registryKey(mc.config.KeyPrefix, matcher.Backend()), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store registry snapshot: %w", err)
	}
	mc.logger.Debug("Registry snapshot stored",
		zap.String("backend", string(matcher.Backend())),
		zap.Int("entries", matcher.Len()),
		zap.Int("bytes", len(data)))
	return nil
}

// LoadRegistry merges the stored snapshot into matcher. A missing snapshot
// loads nothing.
func (mc *MatchCache) LoadRegistry(ctx context.Context, matcher detection.Matcher) (int, error) {
	data, err := mc.client.Get(ctx, registryKey(mc.config.KeyPrefix, matcher.Backend())).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch registry snapshot: %w", err)
	}
	return matcher.LoadFromMemory(data)
}

// GetStats returns cache performance statistics
func (mc *MatchCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   mc.hits.Load(),
		Misses: mc.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	keys, err := mc.client.DBSize(ctx).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis key count: %w", err)
	}
	stats.TotalKeys = keys
	return stats, nil
}

// Clear removes all keys under the configured prefix
func (mc *MatchCache) Clear(ctx context.Context) error {
	deleted, err := mc.deletePattern(ctx, mc.config.KeyPrefix+":*")
	if err != nil {
		return err
	}
	mc.logger.Info("Cache cleared", zap.Int("deleted_keys", deleted))
	return nil
}

func (mc *MatchCache) deletePattern(ctx context.Context, pattern string) (int, error) {
	iter := mc.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := mc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			mc.logger.Error("Failed to delete cache keys", zap.Error(err))
			return i, fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}
	return len(keys), nil
}

// Close closes the Redis connection
func (mc *MatchCache) Close() error {
	if mc.client != nil {
		return mc.client.Close()
	}
	return nil
}

// matchKey creates a cache key from normalized text
func matchKey(prefix string, backend detection.BackendType, normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s:match:%s:%s", prefix, backend, hex.EncodeToString(sum[:])[:16])
}

func registryKey(prefix string, backend detection.BackendType) string {
	return fmt.Sprintf("%s:registry:%s", prefix, backend)
}

// maskRedisURL masks the password of a Redis URL for logging
func maskRedisURL(url string) string {
	scheme := strings.Index(url, "://")
	at := strings.LastIndex(url, "@")
	if scheme < 0 || at < scheme {
		return url
	}
	creds := url[scheme+3 : at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return url
	}
	return url[:scheme+3] + creds[:colon+1] + "***" + url[at:]
}
