package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestShardedCache starts n miniredis servers and wires a ShardedCache
// across them with the given strategy.
func newTestShardedCache(t *testing.T, n int, strategy ShardStrategy) (*ShardedCache, []*miniredis.Miniredis) {
	t.Helper()

	servers := make([]*miniredis.Miniredis, n)
	clients := make([]*redis.Client, n)
	for i := 0; i < n; i++ {
		mr := miniredis.RunT(t)
		servers[i] = mr
		clients[i] = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	sc, err := NewShardedCache(clients, strategy, nil)
	if err != nil {
		t.Fatalf("NewShardedCache: %v", err)
	}
	t.Cleanup(func() { _ = sc.Close() })

	return sc, servers
}

func TestShardedCache_SetGetRoundTrip(t *testing.T) {
	sc, _ := newTestShardedCache(t, 3, ShardByTenant)
	ctx := context.Background()

	if err := sc.Set(ctx, "tenantA", "k1", []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := sc.Get(ctx, "tenantA", "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestShardedCache_TenantStrategyRoutesConsistently(t *testing.T) {
	sc, _ := newTestShardedCache(t, 3, ShardByTenant)

	shard1 := sc.shardFor("keyA", "tenantX")
	shard2 := sc.shardFor("keyB", "tenantX")
	shard3 := sc.shardFor("keyC", "tenantX")

	if shard1 != shard2 || shard2 != shard3 {
		t.Fatal("expected all keys under the same tenant to land on the same shard")
	}
}

func TestShardedCache_FlushTenantClearsAcrossAllShards(t *testing.T) {
	sc, _ := newTestShardedCache(t, 3, ShardByTenant)
	ctx := context.Background()

	tenants := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, tenant := range tenants {
		key := TenantKey(tenant, "prompt-hash")
		node := sc.shardFor("prompt-hash", tenant)
		if err := node.Set(ctx, key, []byte("cached"), time.Hour); err != nil {
			t.Fatalf("seed Set: %v", err)
		}
	}

	if err := sc.FlushTenant(ctx, "t3"); err != nil {
		t.Fatalf("FlushTenant: %v", err)
	}

	for _, tenant := range tenants {
		key := TenantKey(tenant, "prompt-hash")
		node := sc.shardFor("prompt-hash", tenant)
		_, ok := node.Get(ctx, key)
		if tenant == "t3" {
			if ok {
				t.Fatalf("expected tenant t3's key to be flushed")
			}
		} else if !ok {
			t.Fatalf("expected tenant %s's key to survive the flush of t3", tenant)
		}
	}
}

func TestShardedCache_DeleteRemovesKey(t *testing.T) {
	sc, _ := newTestShardedCache(t, 2, ShardByKey)
	ctx := context.Background()

	if err := sc.Set(ctx, "", "only-key", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := sc.Delete(ctx, "", "only-key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := sc.Get(ctx, "", "only-key"); ok {
		t.Fatal("expected miss after delete")
	}
}
