// Package ratelimit keeps aggressive status pollers from hammering the store.
// Budgets live in Redis so every API replica draws from the same bucket for a
// given caller.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults match the expected polling pattern: a burst when a generation run
// kicks off, then a steady 5s cadence per watcher.
const (
	DefaultPollCapacity = 30
	DefaultPollRefill   = 2 // tokens per second
	keyPrefix           = "poll_bucket:"
)

// PollLimiter is a per-caller token bucket for the episode status endpoint.
type PollLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

// NewPollLimiter constructs a limiter. Non-positive capacity or refill falls
// back to the poll defaults. now is injectable for tests; pass nil for wall
// clock.
func NewPollLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration, now func() time.Time) *PollLimiter {
	if capacity <= 0 {
		capacity = DefaultPollCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultPollRefill
	}
	if now == nil {
		now = time.Now
	}
	return &PollLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      now,
	}
}

// Allow consumes one token from the caller's bucket if available. caller is a
// client identity (forwarded-for address or remote host); the Redis key
// prefixing happens here so every call site shares one namespace. Returns the
// allowed flag and the remaining token count.
func (l *PollLimiter) Allow(ctx context.Context, caller string) (bool, float64, error) {
	now := l.now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{keyPrefix + caller},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

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

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
