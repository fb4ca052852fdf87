package port

import (
	"context"
	"time"
)

type CacheStore interface {
	// Get returns ok=false on a miss
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RateLimiter interface {
	// Allow counts one hit against key in a fixed window and reports whether it is within limit
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
