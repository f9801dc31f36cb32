// Sharded cache variant for C5, a capability the base Cache interface
// does not provide. Grounded on original_source/app/core/sharded_cache.py's
// ShardedCache (tenant- or key-based shard selection via hash mod N,
// FlushTenant scanning every shard for "tenant:<id>:*"). Rendezvous
// hashing (github.com/dgryski/go-rendezvous, a direct requirement in
// go.mod) replaces the
// Python source's plain "md5(selector) mod N": adding or removing a shard
// remaps only the keys that must move, rather than reshuffling
// everything — a strict generalization of "hash(selector) mod N" from any
// single caller's point of view.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
)

// shardHash is the hash function fed to rendezvous.New. xxhash is also
// used by the ClickHouse driver; reused here instead of adding a new
// hashing library.
func shardHash(s string) uint64 { return xxhash.Sum64String(s) }

// ShardStrategy selects how a key maps to a shard: by the caller-supplied
// tenant id, or by the cache key itself.
type ShardStrategy string

const (
	ShardByTenant ShardStrategy = "tenant"
	ShardByKey    ShardStrategy = "key"
)

// ShardedCache fans a Cache out across N Redis-backed nodes. All
// operations except FlushTenant address exactly one shard.
type ShardedCache struct {
	nodes    []*ExactCache
	shardIDs []string
	rv       *rendezvous.Rendezvous
	strategy ShardStrategy
	log      *slog.Logger
}

// NewShardedCache builds a ShardedCache over the given Redis clients.
// Requires at least one node.
func NewShardedCache(clients []*redis.Client, strategy ShardStrategy, log *slog.Logger) (*ShardedCache, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("cache: at least one Redis node is required for a sharded cache")
	}
	if log == nil {
		log = slog.Default()
	}

	nodes := make([]*ExactCache, len(clients))
	ids := make([]string, len(clients))
	for i, c := range clients {
		nodes[i] = NewExactCacheFromClient(c)
		ids[i] = fmt.Sprintf("shard-%d", i)
	}

	return &ShardedCache{
		nodes:    nodes,
		shardIDs: ids,
		rv:       rendezvous.New(ids, shardHash),
		strategy: strategy,
		log:      log,
	}, nil
}

// shardFor computes which node serves key (optionally scoped by tenant),
// mirroring "shard index = hash(selector) mod N" using
// rendezvous hashing instead of modulo for stable remap-on-resize.
func (s *ShardedCache) shardFor(key, tenantID string) *ExactCache {
	selector := key
	if s.strategy == ShardByTenant && tenantID != "" {
		selector = tenantID
	}
	id := s.rv.Lookup(selector)
	for i, shardID := range s.shardIDs {
		if shardID == id {
			return s.nodes[i]
		}
	}
	return s.nodes[0]
}

// TenantKey namespaces key under tenant: keys written through the sharded
// cache must be namespaced with the tenant id.
func TenantKey(tenantID, key string) string {
	return "tenant:" + tenantID + ":" + key
}

// Get reads key from the shard selected by (key, tenantID).
func (s *ShardedCache) Get(ctx context.Context, tenantID, key string) ([]byte, bool) {
	return s.shardFor(key, tenantID).Get(ctx, key)
}

// Set writes key to the shard selected by (key, tenantID).
func (s *ShardedCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	return s.shardFor(key, tenantID).Set(ctx, key, value, ttl)
}

// Delete removes key from the shard selected by (key, tenantID).
func (s *ShardedCache) Delete(ctx context.Context, tenantID, key string) error {
	return s.shardFor(key, tenantID).Delete(ctx, key)
}

// FlushTenant iterates every shard, finds keys matching "tenant:<id>:*",
// and deletes them. This is the one operation that must address every
// shard rather than exactly one, since a tenant's keys may have been
// written under either shard strategy over time.
func (s *ShardedCache) FlushTenant(ctx context.Context, tenantID string) error {
	pattern := TenantKey(tenantID, "*")

	var firstErr error
	for _, node := range s.nodes {
		keys, err := node.client.Keys(ctx, pattern).Result()
		if err != nil {
			s.log.WarnContext(ctx, "sharded_cache_flush_tenant_scan_error", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := node.client.Del(ctx, keys...).Err(); err != nil {
			s.log.WarnContext(ctx, "sharded_cache_flush_tenant_delete_error", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Flush clears every shard.
func (s *ShardedCache) Flush(ctx context.Context) error {
	var firstErr error
	for _, node := range s.nodes {
		if err := node.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases every shard's Redis connection pool.
func (s *ShardedCache) Close() error {
	var firstErr error
	for _, node := range s.nodes {
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
