package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript checks and increments one counter atomically. The counter
// is only incremented when the whole request fits.
//
// KEYS[1] counter key
// ARGV[1] capacity, ARGV[2] window in ms, ARGV[3] units requested
// Returns {allowed (0|1), count, ttl ms}.
const fixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local n = tonumber(ARGV[3])

local current = tonumber(redis.call('GET', key) or '0')
if current + n > limit then
    local ttl = redis.call('PTTL', key)
    if ttl < 0 then
        ttl = window
    end
    return {0, current, ttl}
end

current = redis.call('INCRBY', key, n)
local ttl = redis.call('PTTL', key)
if ttl < 0 then
    redis.call('PEXPIRE', key, window)
    ttl = window
end
return {1, current, ttl}
`

// RedisWindow is a fixed window limiter shared by every gateway instance.
type RedisWindow struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

// NewRedisWindow creates a distributed fixed window limiter.
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	return &RedisWindow{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
	}
}

// TryAcquire takes n units from scope.
func (w *RedisWindow) TryAcquire(ctx context.Context, scope string, q Quota, n int, now time.Time) (Verdict, error) {
	// Braces keep every key of a scope on one cluster slot.
	key := fmt.Sprintf("%s{%s}", w.prefix, scope)
	args := []any{q.Capacity, q.Window.Milliseconds(), n}

	val, err := w.script.Run(ctx, w.client, []string{key}, args...).Result()
	if err != nil {
		return Verdict{}, err
	}

	parts, ok := val.([]any)
	if !ok || len(parts) != 3 {
		return Verdict{}, fmt.Errorf("unexpected result from redis script: %v", val)
	}

	allowed := toInt64(parts[0]) == 1
	current := toInt64(parts[1])
	ttl := time.Duration(toInt64(parts[2])) * time.Millisecond

	remaining := int64(q.Capacity) - current
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Allowed:   allowed,
		Scope:     scope,
		Limit:     q.Capacity,
		Remaining: int(remaining),
		ResetAt:   now.Add(ttl),
	}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		out, _ := strconv.ParseInt(n, 10, 64)
		return out
	case float64:
		return int64(n)
	default:
		out, _ := strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
		return out
	}
}
