package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// windowScript prunes, counts and optionally records in one round trip.
//
// KEYS[1]: sorted set of event timestamps, e.g. ratelimit:otp_send:{+911234}
// ARGV[1]: now (ms)   ARGV[2]: window (ms)   ARGV[3]: max requests
// ARGV[4]: member for the new event  ARGV[5]: 1 to record when allowed
// Returns {allowed, remaining, wait_ms}.
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])

if count < max then
    if ARGV[5] == '1' then
        redis.call('ZADD', KEYS[1], now, ARGV[4])
        redis.call('PEXPIRE', KEYS[1], window)
        return {1, max - count - 1, 0}
    end
    return {1, max - count, 0}
end

local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local wait = 0
if oldest[2] then
    wait = window - (now - tonumber(oldest[2]))
end
return {0, 0, wait}
`)

// RedisLimiter enforces sliding windows in Redis so every process sharing
// the Redis instance sees one window per key.
type RedisLimiter struct {
	client redis.UniversalClient
	rules  map[string]Rule
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient, rules map[string]Rule) *RedisLimiter {
	copied := make(map[string]Rule, len(rules))
	for action, rule := range rules {
		copied[action] = rule
	}
	return &RedisLimiter{client: client, rules: copied, now: time.Now}
}

func redisKey(action, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:{%s}", action, normalizeIdentifier(identifier))
}

func (r *RedisLimiter) run(ctx context.Context, action, identifier string, record bool) (Result, error) {
	rule, ok := r.rules[action]
	if !ok {
		return Result{Allowed: true, Remaining: Unlimited}, nil
	}

	flag := "0"
	if record {
		flag = "1"
	}

	vals, err := windowScript.Run(ctx, r.client,
		[]string{redisKey(action, identifier)},
		r.now().UnixMilli(), rule.Window.Milliseconds(), rule.MaxRequests, uuid.NewString(), flag,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit script result: %v", vals)
	}

	return Result{
		Allowed:   vals[0] == 1,
		Remaining: int(vals[1]),
		WaitTime:  time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Check implements Limiter.
func (r *RedisLimiter) Check(ctx context.Context, action, identifier string) (Result, error) {
	return r.run(ctx, action, identifier, false)
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, action, identifier string) (Result, error) {
	return r.run(ctx, action, identifier, true)
}

// Record implements Limiter.
func (r *RedisLimiter) Record(ctx context.Context, action, identifier string) error {
	rule, ok := r.rules[action]
	if !ok {
		return nil
	}

	k := redisKey(action, identifier)
	now := r.now().UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("%d", now-rule.Window.Milliseconds()))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now), Member: uuid.NewString()})
	pipe.PExpire(ctx, k, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit event: %w", err)
	}
	return nil
}

// Reset implements Limiter.
func (r *RedisLimiter) Reset(ctx context.Context, action, identifier string) error {
	return r.client.Del(ctx, redisKey(action, identifier)).Err()
}
