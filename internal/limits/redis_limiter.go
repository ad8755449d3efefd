package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/breaker"
)

// fixedWindowScript mirrors RateLimiter semantics atomically.
//
// KEYS[1]: counter key
// ARGV[1]: max requests
// ARGV[2]: window in milliseconds
//
// Returns 1 when allowed, 0 when rejected. A rejection does not increment.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count >= max then
    return 0
end

count = redis.call('INCR', key)
if count == 1 then
    redis.call('PEXPIRE', key, window)
end
return 1
`)

// RedisLimiter shares fixed-window counters across processes.
//
// Opt-in (RATE_LIMIT_BACKEND=redis). Every check runs through the
// rate-limit breaker. When Redis fails, or the breaker is open, the call is
// delegated to the local limiter so quotas degrade to per-process instead of
// failing open entirely.
type RedisLimiter struct {
	client   redis.UniversalClient
	local    *RateLimiter
	breakers *breaker.Executor
	prefix   string
	timeout  time.Duration
	logger   zerolog.Logger
	failures atomic.Int64
}

func NewRedisLimiter(client redis.UniversalClient, local *RateLimiter, breakers *breaker.Executor, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		local:    local,
		breakers: breakers,
		prefix:   "realtime:ratelimit:",
		timeout:  50 * time.Millisecond,
		logger:   logger.With().Str("component", "redis_rate_limiter").Logger(),
	}
}

func (r *RedisLimiter) Allow(subjectID, eventType string) bool {
	rule, ok := r.local.Rule(eventType)
	if !ok {
		return true
	}

	key := r.prefix + eventType + ":" + subjectID
	local := false
	allowed, _ := breaker.Execute(context.Background(), r.breakers, breaker.RateLimit, func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		res, err := fixedWindowScript.Run(ctx, r.client, []string{key}, rule.Max, rule.Window.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		return res == 1, nil
	}, func(_ context.Context, err error) (bool, error) {
		local = true
		if n := r.failures.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn().
				Err(err).
				Int64("failures", n).
				Msg("Redis rate limit check unavailable, using local counters")
		}
		return r.local.Allow(subjectID, eventType), nil
	})
	if !local {
		r.local.record(eventType, allowed)
	}
	return allowed
}

// Failures returns how many checks fell back to the local limiter.
func (r *RedisLimiter) Failures() int64 {
	return r.failures.Load()
}
