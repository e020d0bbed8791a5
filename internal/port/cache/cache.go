// Package cache defines the port interface for key-value caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for byte-valued caching with TTLs.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
