package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window rate limiter over a
// Redis sorted set. The trim, count, and append happen in one script so
// concurrent requests against the same key serialize at the counter.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- Remove entries outside the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

-- Count current entries
local count = redis.call('ZCARD', key)

if count < limit then
    -- Admit and record the request; idle keys expire with the window
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    -- Rejected attempts are not recorded
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RedisLimiter enforces sliding-window limits against a shared Redis so
// every gateway instance handling the same key observes one counter.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisLimiter creates a limiter with the given trailing window.
func NewRedisLimiter(client *redis.Client, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "hg:rl:",
		window: window,
	}
}

// Allow checks and records one request for key against limit-per-window.
// Errors are returned to the caller; rate checks are fail-closed.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		nowMs,
		l.window.Milliseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:   result[0] == 1,
		Limit:     limit,
		Remaining: int(result[1]),
		Reset:     time.UnixMilli(result[2]),
	}, nil
}
