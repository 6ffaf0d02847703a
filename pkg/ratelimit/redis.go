package ratelimit

import (
	"context"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rdcp/pkg/models"
)

// tokenBucketScript refills and takes one token atomically. Tokens are
// returned as a string because Redis truncates Lua numbers to integers.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
  ts = now
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisLimiter shares buckets between daemons. Any Redis failure falls back
// to the in-memory limiter, or allows when no fallback is set.
type RedisLimiter struct {
	Client   *redis.Client
	Config   Config
	Prefix   string
	Timeout  time.Duration
	Now      func() time.Time
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Config:   cfg,
		Prefix:   "rdcp:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(cfg),
	}
}

func (l *RedisLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *RedisLimiter) fallback(scope models.Scope, client string, class Class, now time.Time) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(scope, client, class)
	}
	return unlimited(now)
}

func (l *RedisLimiter) Allow(scope models.Scope, client string, class Class) Decision {
	now := l.now()
	rule := l.Config.Rule(scope, class)
	if rule.Disabled() {
		return unlimited(now)
	}
	if l.Client == nil {
		return l.fallback(scope, client, class, now)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ttlMs := int64(math.Ceil(float64(rule.Capacity)/rule.rate()*1000)) + 1000
	res, err := tokenBucketScript.Run(ctx, l.Client,
		[]string{l.Prefix + bucketKey(scope, client, class)},
		rule.Capacity, strconv.FormatFloat(rule.rate(), 'f', -1, 64), now.UnixMilli(), ttlMs,
	).Result()
	if err != nil {
		log.Printf("rdcp ratelimit: redis script: %v", err)
		return l.fallback(scope, client, class, now)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		log.Printf("rdcp ratelimit: unexpected script reply %T", res)
		return l.fallback(scope, client, class, now)
	}
	allowed, ok := vals[0].(int64)
	raw, ok2 := vals[1].(string)
	if !ok || !ok2 {
		return l.fallback(scope, client, class, now)
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return l.fallback(scope, client, class, now)
	}
	return decide(rule, tokens, allowed == 1, now)
}
