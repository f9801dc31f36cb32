package cache

import (
	"context"
	"time"
)

// Cache is the C5 KV-with-TTL contract. A miss is never an error; a
// failed Set is logged and ignored by implementations — the cache is a
// hint, never a source of truth.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}
