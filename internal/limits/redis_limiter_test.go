package limits_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/limits"
)

var typingRule = limits.Rule{Event: "typing:start", Max: 3, Window: 10 * time.Second}

func newBreakers(mock clock.Clock) *breaker.Executor {
	return breaker.NewExecutor(breaker.Config{
		Overrides: map[string]breaker.Settings{
			breaker.RateLimit: {FailureThreshold: 2, OpenDuration: time.Minute, SuccessThreshold: 1},
		},
		Clock:  mock,
		Logger: zerolog.Nop(),
	})
}

func TestRedisLimiter_SharedFixedWindow(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	subject := uuid.NewString()
	key := "realtime:ratelimit:typing:start:" + subject
	t.Cleanup(func() { client.Del(ctx, key) })

	local, _ := newLimiter(t, typingRule)
	breakers := newBreakers(clock.New())
	rl := limits.NewRedisLimiter(client, local, breakers, zerolog.Nop())

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(subject, "typing:start"), "call %d", i)
	}
	assert.False(t, rl.Allow(subject, "typing:start"))
	assert.True(t, rl.Allow(subject, "voice:leave"), "events without a rule are not counted")

	count, err := client.Get(ctx, key).Int()
	require.NoError(t, err)
	assert.Equal(t, 3, count, "a rejected call does not increment")

	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, typingRule.Window)

	// A second process with its own local counters sees the same quota.
	otherLocal, _ := newLimiter(t, typingRule)
	other := limits.NewRedisLimiter(client, otherLocal, newBreakers(clock.New()), zerolog.Nop())
	assert.False(t, other.Allow(subject, "typing:start"))

	stats := local.Stats()
	assert.Equal(t, int64(3), stats.Allowed)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Zero(t, rl.Failures())
	assert.Equal(t, breaker.StateClosed, breakers.State(breaker.RateLimit))
}

func TestRedisLimiter_FallsBackToLocal(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	local, mock := newLimiter(t, typingRule)
	breakers := newBreakers(mock)
	rl := limits.NewRedisLimiter(client, local, breakers, zerolog.Nop())

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("u1", "typing:start"), "call %d", i)
		mock.Add(time.Second)
	}
	assert.False(t, rl.Allow("u1", "typing:start"))
	assert.Equal(t, breaker.StateOpen, breakers.State(breaker.RateLimit), "failed checks open the breaker")

	mock.Add(8 * time.Second)
	assert.True(t, rl.Allow("u1", "typing:start"), "local window rolls over while Redis is away")

	assert.Equal(t, int64(5), rl.Failures())
	stats := local.Stats()
	assert.Equal(t, int64(4), stats.Allowed, "fallback decisions are counted once")
	assert.Equal(t, int64(1), stats.Rejected)

	var skipped int64
	for _, s := range breakers.Stats() {
		if s.Name == breaker.RateLimit {
			skipped = s.Rejections
		}
	}
	assert.Equal(t, int64(3), skipped, "calls after opening skip Redis")
}
