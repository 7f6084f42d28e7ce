package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
)

// ResultStore is the lookup surface CachedMatcher needs. *MatchCache
// satisfies it.
type ResultStore interface {
	Get(ctx context.Context, backend detection.BackendType, normalized string) ([]detection.Match, bool)
	Put(ctx context.Context, backend detection.BackendType, normalized string, matches []detection.Match) error
	Invalidate(ctx context.Context, backend detection.BackendType) error
}

// CachedMatcher answers plain-text queries from a ResultStore before falling
// back to the wrapped matcher.
//
// A lookup holds the read lock from computing a result until it is stored, and
// Mutate holds the write lock across the registry change and the invalidation,
// so a result computed against an older registry is never written back after
// the invalidation.
type CachedMatcher struct {
	detection.Matcher
	store  ResultStore
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCachedMatcher wraps matcher. A nil store disables caching.
func NewCachedMatcher(matcher detection.Matcher, store ResultStore, logger *zap.Logger) *CachedMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedMatcher{Matcher: matcher, store: store, logger: logger}
}

// Match returns the matches for text and whether they came from the cache.
func (c *CachedMatcher) Match(ctx context.Context, text string) ([]detection.Match, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.store == nil {
		matches, err := c.Matcher.MatchByPlainText(text)
		return matches, false, err
	}

	normalized := c.Matcher.Normalize(text)
	if matches, ok := c.store.Get(ctx, c.Matcher.Backend(), normalized); ok {
		return matches, true, nil
	}

	matches, err := c.Matcher.MatchByPlainText(text)
	if err != nil {
		return nil, false, err
	}
	if err := c.store.Put(ctx, c.Matcher.Backend(), normalized, matches); err != nil {
		c.logger.Warn("Failed to cache match result", zap.Error(err))
	}
	return matches, false, nil
}

// Mutate applies fn to the wrapped matcher and drops cached results before
// any further lookup can run. The cache is invalidated even when fn fails.
func (c *CachedMatcher) Mutate(ctx context.Context, fn func(detection.Matcher) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := fn(c.Matcher)
	c.invalidate(ctx)
	return err
}

// Invalidate drops cached results after the registry changed.
func (c *CachedMatcher) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidate(ctx)
}

func (c *CachedMatcher) invalidate(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Invalidate(ctx, c.Matcher.Backend()); err != nil {
		c.logger.Warn("Failed to invalidate match cache", zap.Error(err))
	}
}
