// Package ratelimit throttles job submission per tenant with a Redis token bucket.
package ratelimit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and the whole tokens left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, errors.Wrapf(err, "token bucket %s", key)
	}
	if len(res) < 2 {
		return false, 0, errors.Newf("token bucket %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, float64(res[1]), nil
}

// Lua numbers come back truncated to integers, so the reported token count is floored.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
