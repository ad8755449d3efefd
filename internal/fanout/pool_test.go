package fanout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/session"
)

func TestWorkerPool_OrderPerKey(t *testing.T) {
	pool := fanout.NewWorkerPool(4, 100, zerolog.Nop())
	pool.Start(context.Background())

	var mu sync.Mutex
	seen := make(map[string][]int)
	for i := 0; i < 50; i++ {
		for _, key := range []string{"channel:1", "channel:2", "activity:post:9"} {
			require.True(t, pool.Submit(key, func() {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			}))
		}
	}
	pool.Stop()

	for key, got := range seen {
		require.Len(t, got, 50, key)
		for i := range got {
			assert.Equal(t, i, got[i], "tasks for %s ran out of order", key)
		}
	}
	assert.Zero(t, pool.Dropped())
}

func TestWorkerPool_DropsWhenFull(t *testing.T) {
	pool := fanout.NewWorkerPool(1, 1, zerolog.Nop())
	// Not started: the single slot fills and the next submit drops.
	assert.True(t, pool.Submit("k", func() {}))
	assert.False(t, pool.Submit("k", func() {}))
	assert.Equal(t, int64(1), pool.Dropped())
	assert.Equal(t, 1, pool.QueueDepth())

	pool.Stop()
	assert.False(t, pool.Submit("k", func() {}), "stopped pools reject work")
}

func TestWorkerPool_PanicDoesNotKillWorker(t *testing.T) {
	pool := fanout.NewWorkerPool(1, 10, zerolog.Nop())
	pool.Start(context.Background())

	done := make(chan struct{})
	pool.Submit("k", func() { panic("boom") })
	pool.Submit("k", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after a panicking task")
	}
	pool.Stop()
}

func TestHub_PooledRemoteDelivery(t *testing.T) {
	network := bus.NewLocalNetwork()
	a := newNode(t, "node-a", network)

	mock := clock.NewMock()
	reg := session.NewRegistry(session.Config{Clock: mock, Logger: zerolog.Nop()})
	pool := fanout.NewWorkerPool(2, 16, zerolog.Nop())
	pool.Start(context.Background())
	defer pool.Stop()
	hub := fanout.NewHub(fanout.Config{
		NodeID:   "node-b",
		Registry: reg,
		Bus:      network.Join(),
		Breakers: breaker.NewExecutor(breaker.Config{Clock: mock, Logger: zerolog.Nop()}),
		Pool:     pool,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, hub.Start())

	rec := &recorder{}
	info, err := reg.Register(context.Background(), rec, auth.Identity{UserID: "bob"})
	require.NoError(t, err)
	require.NoError(t, hub.Join(info.ID, "channel:1"))

	for i := 0; i < 5; i++ {
		a.hub.EmitToRoom(context.Background(), "channel:1", "message:new", map[string]int{"n": i})
	}

	assert.Eventually(t, func() bool { return len(rec.events()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(5), hub.Stats().Received)
}
