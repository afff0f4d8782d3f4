// Package ratelimit implements a Redis-backed distributed token bucket rate
// limiter shared across every gateway instance.
package ratelimit

import (
	"context"
	"fmt"
	"math"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/redis/go-redis/v9"
)

// bucketScript refills and consumes a token bucket atomically. It reads the
// current time from Redis itself (rather than trusting the caller's clock)
// so the limit stays correct across gateway instances with skewed clocks.
const bucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])

local time = redis.call('TIME')
local now = tonumber(time[1]) + (tonumber(time[2]) / 1000000)

local bucket = redis.call('HMGET', key, 'tokens', 'last_update')
local tokens = tonumber(bucket[1])
local last_update = tonumber(bucket[2])

if tokens == nil then
    tokens = capacity
    last_update = now
end

local delta = math.max(0, now - last_update)
tokens = math.min(capacity, tokens + delta * rate)

local allowed = 0
local retry_after = 0

if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    retry_after = math.ceil((requested - tokens) / rate)
end

redis.call('HSET', key, 'tokens', tokens, 'last_update', now)
redis.call('EXPIRE', key, 3600)

return {allowed, math.floor(tokens), retry_after}
`

// Limiter is a distributed token bucket rate limiter keyed per
// consumer/service pair. Safe for concurrent use; all state lives in Redis.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// New returns a Limiter backed by rdb.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, script: redis.NewScript(bucketScript)}
}

func bucketKey(consumerID, serviceID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", consumerID, serviceID)
}

// Check consumes one token from the consumer/service bucket sized by tier
// and reports whether the request is allowed.
func (l *Limiter) Check(ctx context.Context, consumerID, serviceID string, tier gateway.Tier) (gateway.RateLimitStatus, error) {
	key := bucketKey(consumerID, serviceID)
	capacity := tier.BurstCapacity()
	rate := tier.RateLimit()

	res, err := l.script.Run(ctx, l.rdb, []string{key}, capacity, rate, 1).Int64Slice()
	if err != nil {
		return gateway.RateLimitStatus{}, fmt.Errorf("%w: rate limit script: %w", gateway.ErrCache, err)
	}
	if len(res) != 3 {
		return gateway.RateLimitStatus{}, fmt.Errorf("%w: unexpected rate limit script result", gateway.ErrCache)
	}

	status := gateway.RateLimitStatus{
		Allowed:   res[0] == 1,
		Limit:     rate,
		Remaining: res[1],
	}
	if !status.Allowed {
		status.RetryAfterSeconds = float64(res[2])
	}
	return status, nil
}

// Status reports the current bucket state without consuming a token.
func (l *Limiter) Status(ctx context.Context, consumerID, serviceID string, tier gateway.Tier) (gateway.RateLimitStatus, error) {
	key := bucketKey(consumerID, serviceID)
	vals, err := l.rdb.HMGet(ctx, key, "tokens", "last_update").Result()
	if err != nil {
		return gateway.RateLimitStatus{}, fmt.Errorf("%w: rate limit status: %w", gateway.ErrCache, err)
	}

	remaining := float64(tier.BurstCapacity())
	if s, ok := vals[0].(string); ok {
		var parsed float64
		if _, err := fmt.Sscanf(s, "%f", &parsed); err == nil {
			remaining = parsed
		}
	}

	return gateway.RateLimitStatus{
		Allowed:   remaining >= 1,
		Limit:     tier.RateLimit(),
		Remaining: int64(math.Max(0, remaining)),
	}, nil
}

// Reset clears the bucket for a consumer/service pair (admin operation).
func (l *Limiter) Reset(ctx context.Context, consumerID, serviceID string) error {
	if err := l.rdb.Del(ctx, bucketKey(consumerID, serviceID)).Err(); err != nil {
		return fmt.Errorf("%w: rate limit reset: %w", gateway.ErrCache, err)
	}
	return nil
}
