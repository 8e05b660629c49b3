package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter answers whether one request for an identity may pass under a
// token bucket of (replenishRate tokens/sec, burstCapacity).
type Limiter interface {
	Allow(ctx context.Context, identity string, replenishRate, burstCapacity int) (bool, error)
}

// rateLimiterScript is the cluster-shared token bucket: tokens and the
// last refresh timestamp live in Redis so every gateway instance drains
// the same bucket. Keys expire after two full refills of idleness.
var rateLimiterScript = redis.NewScript(`
local tokens_key = KEYS[1]
local timestamp_key = KEYS[2]
local rrate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local fill_time = capacity / rrate
local ttl = math.floor(fill_time * 2)
if ttl < 1 then ttl = 1 end

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then last_tokens = capacity end
local last_refreshed = tonumber(redis.call("get", timestamp_key))
if last_refreshed == nil then last_refreshed = 0 end

local delta = math.max(0, now - last_refreshed)
local filled_tokens = math.min(capacity, last_tokens + (delta * rrate))
local allowed = filled_tokens >= requested
local new_tokens = filled_tokens
if allowed then
  new_tokens = filled_tokens - requested
end

redis.call("setex", tokens_key, ttl, new_tokens)
redis.call("setex", timestamp_key, ttl, now)
return allowed and 1 or 0
`)

// RedisLimiter shares buckets across gateway instances.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, identity string, replenishRate, burstCapacity int) (bool, error) {
	keys := []string{
		"rate:{" + identity + "}:tokens",
		"rate:{" + identity + "}:ts",
	}
	res, err := rateLimiterScript.Run(ctx, l.client, keys,
		replenishRate, burstCapacity, l.now().Unix(), 1).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter script: %w", err)
	}
	return res == 1, nil
}

// LocalLimiter keeps per-identity buckets in process memory. It backs
// single-instance deployments and serves as the fallback when no Redis
// address is configured. Idle buckets age out of the LRU.
type LocalLimiter struct {
	buckets *expirable.LRU[string, *rate.Limiter]
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](16384, nil, 10*time.Minute),
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, identity string, replenishRate, burstCapacity int) (bool, error) {
	// Params are part of the key so a config change starts a fresh bucket
	// instead of reusing one shaped by the old limits.
	key := fmt.Sprintf("%s|%d|%d", identity, replenishRate, burstCapacity)
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(replenishRate), burstCapacity)
		l.buckets.Add(key, bucket)
	}
	return bucket.Allow(), nil
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*LocalLimiter)(nil)
)
