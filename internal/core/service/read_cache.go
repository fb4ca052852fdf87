package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/port"
)

// ReadCache is a cache-aside layer in front of replica reads. Cache failures
// degrade to a direct read; they never fail the request.
type ReadCache struct {
	store  port.CacheStore
	logger zerolog.Logger
}

func NewReadCache(store port.CacheStore, logger zerolog.Logger) *ReadCache {
	return &ReadCache{
		store:  store,
		logger: logger.With().Str("component", "read_cache").Logger(),
	}
}

// GetOrCompute returns the cached value for key, or calls compute and caches
// its result for ttl. Errors from compute are not cached.
func GetOrCompute[T any](ctx context.Context, c *ReadCache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	if c == nil || c.store == nil || ttl <= 0 {
		return compute(ctx)
	}

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
	}
	if ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	value, err := compute(ctx)
	if err != nil {
		return value, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return value, nil
	}
	if err := c.store.Set(ctx, key, encoded, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}

	return value, nil
}
