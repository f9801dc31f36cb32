package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, nil)
	ctx := context.Background()

	const limit = 10
	for i := 0; i < limit; i++ {
		res := limiter.CheckAndConsume(ctx, "u1", "generate", limit, time.Minute)
		if !res.Allowed {
			t.Fatalf("expected allowed=true at iteration %d, remaining=%d", i, res.Remaining)
		}
	}
}

// TestLimiter_TripsAt61stRequest checks that with a 60/min generate
// limit, request 61 must be denied with a positive retry window.
func TestLimiter_TripsAt61stRequest(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, nil)
	ctx := context.Background()
	const limit = 60

	for i := 1; i <= limit; i++ {
		res := limiter.CheckAndConsume(ctx, "u1", "generate", limit, time.Minute)
		if !res.Allowed {
			t.Fatalf("expected allowed=true at request %d", i)
		}
	}

	res := limiter.CheckAndConsume(ctx, "u1", "generate", limit, time.Minute)
	if res.Allowed {
		t.Fatal("expected the 61st request to be denied")
	}
	retryAfter := time.Until(res.ResetAt)
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retry_after in (0, 60s], got %v", retryAfter)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected remaining=0, got %d", res.Remaining)
	}
}

func TestLimiter_RemainingNonIncreasing(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, nil)
	ctx := context.Background()

	prev := 100
	for i := 0; i < 5; i++ {
		res := limiter.CheckAndConsume(ctx, "u2", "generate", 100, time.Minute)
		if res.Remaining > prev {
			t.Fatalf("remaining increased: prev=%d now=%d", prev, res.Remaining)
		}
		prev = res.Remaining
	}
}

func TestLimiter_ResetsAfterWindowExpires(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, nil)
	ctx := context.Background()
	const limit = 5

	for i := 0; i < limit; i++ {
		limiter.CheckAndConsume(ctx, "u3", "generate", limit, time.Second)
	}

	mr.FastForward(2 * time.Second)

	res := limiter.CheckAndConsume(ctx, "u3", "generate", limit, time.Second)
	if !res.Allowed {
		t.Fatal("expected allowed=true after window expiry")
	}
	if res.Remaining != limit-1 {
		t.Fatalf("expected remaining=%d after reset, got %d", limit-1, res.Remaining)
	}
}

func TestLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	cleanup() // Close Redis before making any calls.

	limiter := ratelimit.New(rdb, nil)
	ctx := context.Background()

	res := limiter.CheckAndConsume(ctx, "u4", "generate", 5, time.Minute)
	if !res.Allowed {
		t.Error("expected allowed=true when Redis is unavailable (fail open)")
	}
}

func TestLimiter_Reset(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, nil)
	ctx := context.Background()

	limiter.CheckAndConsume(ctx, "u5", "generate", 1, time.Minute)
	res := limiter.CheckAndConsume(ctx, "u5", "generate", 1, time.Minute)
	if res.Allowed {
		t.Fatal("expected denial before reset")
	}

	if err := limiter.Reset(ctx, "u5", "generate"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	res = limiter.CheckAndConsume(ctx, "u5", "generate", 1, time.Minute)
	if !res.Allowed {
		t.Fatal("expected allowed=true immediately after reset")
	}
}
