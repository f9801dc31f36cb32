// Package ratelimit implements C4: a fixed-window counter per (key,
// category) backed by Redis, with atomic increment-and-fetch semantics.
//
// Grounded on rpm.go's Redis-plus-Lua-script technique, but the
// algorithm itself is rewritten: the prior sliding window (sorted-set)
// limiter is replaced with a fixed window, fixing an
// overshoot bug present in the original Python source
// (original_source/app/core/rate_limiter.py increments the counter with
// HINCRBY before comparing it to the limit, so two concurrent callers can
// both observe "allowed" past the cap). Here the window check and the
// increment run atomically inside one Lua script that returns the new
// count, and each caller compares its own returned count with the limit,
// so two concurrent callers never receive the same count.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically increments the counter at KEYS[1] and
// resets it (and the window) if the stored reset timestamp has passed.
// KEYS[1] = Redis key ("rate_limit:<category>:<key>")
// ARGV[1] = now (unix seconds, float string)
// ARGV[2] = window (seconds)
// ARGV[3] = limit (passed but not read; the compare happens in Go)
// Returns {count, reset_at} — reset_at arrives as an integer number of
// unix seconds, since Redis truncates Lua numbers in script replies.
var fixedWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local reset_at = tonumber(redis.call('HGET', key, 'reset_at'))

	if not reset_at or reset_at < now then
		reset_at = now + window
		redis.call('HSET', key, 'count', 1, 'reset_at', reset_at)
		redis.call('EXPIRE', key, math.ceil(window))
		return {1, reset_at}
	end

	local count = redis.call('HINCRBY', key, 'count', 1)
	return {count, reset_at}
`)

// Result is the outcome of a CheckAndConsume call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter implements C4's CheckAndConsume/GetUsage/Reset, keyed by
// (key, category).
type Limiter struct {
	rdb *redis.Client
	log *slog.Logger
}

// New builds a Limiter over rdb. rdb may be nil, in which case every call
// fails open: an unreachable backing store should never block traffic.
func New(rdb *redis.Client, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: rdb, log: log}
}

func redisKey(category, key string) string {
	return "rate_limit:" + category + ":" + key
}

// CheckAndConsume atomically increments the counter at (key, category)
// and compares it to limit. If the stored window-reset timestamp is
// missing or in the past, the counter resets to 1 and allows; otherwise
// allowed iff count <= limit, remaining = max(0, limit-count).
func (l *Limiter) CheckAndConsume(ctx context.Context, key, category string, limit int, window time.Duration) Result {
	sentinelReset := time.Now().Add(window)
	if l.rdb == nil {
		return Result{Allowed: true, Remaining: limit, ResetAt: sentinelReset}
	}

	now := float64(time.Now().UnixNano()) / 1e9
	raw, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{redisKey(category, key)},
		now, window.Seconds(), limit,
	).Slice()
	if err != nil {
		l.log.WarnContext(ctx, "rate limiter backing store unreachable, failing open", "error", err, "key", key, "category", category)
		return Result{Allowed: true, Remaining: limit, ResetAt: sentinelReset}
	}

	count := toInt64(raw[0])
	resetAt := toFloat64(raw[1])

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Unix(int64(resetAt), 0),
	}
}

// GetUsage returns the current count and reset time for (key, category)
// without consuming a slot, for observability/testing.
func (l *Limiter) GetUsage(ctx context.Context, key, category string) (count int64, resetAt time.Time, err error) {
	if l.rdb == nil {
		return 0, time.Time{}, nil
	}

	res, err := l.rdb.HMGet(ctx, redisKey(category, key), "count", "reset_at").Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if res[0] == nil {
		return 0, time.Time{}, nil
	}

	count = toInt64(res[0])
	resetAt = time.Unix(int64(toFloat64(res[1])), 0)
	return count, resetAt, nil
}

// Reset deletes the counter at (key, category).
func (l *Limiter) Reset(ctx context.Context, key, category string) error {
	if l.rdb == nil {
		return nil
	}
	return l.rdb.Del(ctx, redisKey(category, key)).Err()
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		for _, c := range t {
			if c < '0' || c > '9' {
				return 0
			}
			n = n*10 + int64(c-'0')
		}
		return n
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
