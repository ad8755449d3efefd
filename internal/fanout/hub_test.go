package fanout_test

import (
	"context"
	"encoding/json"
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

type recorder struct {
	mu     sync.Mutex
	frames []fanout.Frame
}

func (r *recorder) Deliver(frame []byte) bool {
	var f fanout.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) Close(string) {}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Event
	}
	return out
}

type node struct {
	registry *session.Registry
	hub      *fanout.Hub
	breakers *breaker.Executor
	bus      *bus.Local
}

func newNode(t *testing.T, id string, network *bus.LocalNetwork) *node {
	t.Helper()
	mock := clock.NewMock()
	reg := session.NewRegistry(session.Config{Clock: mock, Logger: zerolog.Nop()})
	b := network.Join()
	breakers := breaker.NewExecutor(breaker.Config{
		Defaults: breaker.Settings{FailureThreshold: 2, OpenDuration: time.Minute, SuccessThreshold: 1},
		Clock:    mock,
		Logger:   zerolog.Nop(),
	})
	hub := fanout.NewHub(fanout.Config{NodeID: id, Registry: reg, Bus: b, Breakers: breakers, Logger: zerolog.Nop()})
	require.NoError(t, hub.Start())
	return &node{registry: reg, hub: hub, breakers: breakers, bus: b}
}

func (n *node) connect(t *testing.T, userID string, rooms ...string) *recorder {
	t.Helper()
	rec := &recorder{}
	info, err := n.registry.Register(context.Background(), rec, auth.Identity{UserID: userID})
	require.NoError(t, err)
	for _, r := range rooms {
		require.NoError(t, n.hub.Join(info.ID, r))
	}
	return rec
}

func TestHub_CrossNodeFanout(t *testing.T) {
	network := bus.NewLocalNetwork()
	a, b := newNode(t, "node-a", network), newNode(t, "node-b", network)
	ctx := context.Background()

	onA := a.connect(t, "alice", "activity:post:1")
	onB := b.connect(t, "bob", "activity:post:1")
	elsewhere := b.connect(t, "carol", "activity:post:2")

	a.hub.EmitToRoom(ctx, "activity:post:1", "vote:update", map[string]any{"targetId": "1"})

	assert.Equal(t, []string{"vote:update"}, onA.events(), "exactly once on the origin node")
	assert.Equal(t, []string{"vote:update"}, onB.events(), "exactly once on the remote node")
	assert.Empty(t, elsewhere.events())

	assert.Equal(t, int64(1), a.hub.Stats().Published)
	assert.Equal(t, int64(1), a.hub.Stats().Echoes)
	assert.Equal(t, int64(1), b.hub.Stats().Received)
	assert.Equal(t, int64(0), b.hub.Stats().Published, "remote envelopes are never re-published")
}

func TestHub_EmitToUserAndLocal(t *testing.T) {
	network := bus.NewLocalNetwork()
	a, b := newNode(t, "node-a", network), newNode(t, "node-b", network)
	ctx := context.Background()

	bobA := a.connect(t, "bob", "moderation:system")
	bobB := b.connect(t, "bob", "moderation:system")

	a.hub.EmitToUser(ctx, "bob", "moderation:notice", map[string]string{"action": "warn"})
	assert.Equal(t, []string{"moderation:notice"}, bobA.events())
	assert.Equal(t, []string{"moderation:notice"}, bobB.events())

	a.hub.EmitLocal("moderation:system", "metrics:update", map[string]int{"x": 1})
	assert.Equal(t, []string{"moderation:notice", "metrics:update"}, bobA.events())
	assert.Equal(t, []string{"moderation:notice"}, bobB.events(), "node-local events stay local")
}

func TestHub_RemoteHooks(t *testing.T) {
	network := bus.NewLocalNetwork()
	a, b := newNode(t, "node-a", network), newNode(t, "node-b", network)

	var got []bus.Envelope
	b.hub.OnRemote("moderation:enforce", func(_ context.Context, env bus.Envelope) {
		got = append(got, env)
	})
	a.hub.OnRemote("moderation:enforce", func(context.Context, bus.Envelope) {
		t.Fatal("origin node must not run its own remote hook")
	})

	a.hub.Broadcast(context.Background(), "moderation:enforce", map[string]string{"targetUserId": "u1"})
	require.Len(t, got, 1)
	assert.Equal(t, "node-a", got[0].Origin)
	assert.JSONEq(t, `{"targetUserId":"u1"}`, string(got[0].Payload))
}

func TestHub_BusFailureKeepsLocalDelivery(t *testing.T) {
	network := bus.NewLocalNetwork()
	a := newNode(t, "node-a", network)
	ctx := context.Background()
	rec := a.connect(t, "alice", "channel:1")

	require.NoError(t, a.bus.Close())
	for i := 0; i < 3; i++ {
		a.hub.EmitToRoom(ctx, "channel:1", "message:new", map[string]int{"n": i})
	}

	assert.Len(t, rec.events(), 3)
	assert.Equal(t, int64(3), a.hub.Stats().PublishFailed)
	assert.Equal(t, breaker.StateOpen, a.breakers.State(breaker.Bus))
}

func TestHub_EmitToSession(t *testing.T) {
	network := bus.NewLocalNetwork()
	a := newNode(t, "node-a", network)
	rec := &recorder{}
	info, err := a.registry.Register(context.Background(), rec, auth.Identity{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, a.hub.EmitToSession(info.ID, "pong", map[string]int64{"ts": 1}))
	assert.False(t, a.hub.EmitToSession("missing", "pong", nil))
	assert.Equal(t, []string{"pong"}, rec.events())
}
