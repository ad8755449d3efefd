package voice_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/roomservice"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/voice"
)

type conn struct {
	mu     sync.Mutex
	frames []fanout.Frame
}

func (c *conn) Deliver(frame []byte) bool {
	var f fanout.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return true
}

func (c *conn) Close(string) {}

func (c *conn) saw(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.Event == event {
			return true
		}
	}
	return false
}

type fixture struct {
	clock    *clock.Mock
	registry *session.Registry
	rooms    *roomservice.Static
	authz    *auth.StaticAuthorizer
	manager  *voice.Manager
}

func newFixture(t *testing.T, maxParticipants int) *fixture {
	t.Helper()
	mock := clock.NewMock()
	reg := session.NewRegistry(session.Config{Clock: mock, Logger: zerolog.Nop()})
	breakers := breaker.NewExecutor(breaker.Config{Clock: mock, Logger: zerolog.Nop()})
	hub := fanout.NewHub(fanout.Config{NodeID: "n1", Registry: reg, Bus: bus.NewLocal(), Breakers: breakers, Logger: zerolog.Nop()})
	require.NoError(t, hub.Start())

	rooms := roomservice.NewStatic(roomservice.NewTokenMinter("key", "secret", time.Hour, mock))
	authz := auth.NewStaticAuthorizer([]string{"mod"})
	m := voice.NewManager(voice.Config{
		MaxParticipants: maxParticipants,
		Grace:           10 * time.Second,
		ShareGrace:      5 * time.Second,
		Authorizer:      authz,
		RoomService:     rooms,
		Breakers:        breakers,
		Fanout:          hub,
		Clock:           mock,
		Logger:          zerolog.Nop(),
	})
	reg.OnDeregister(m.RemoveSession)
	return &fixture{clock: mock, registry: reg, rooms: rooms, authz: authz, manager: m}
}

func (f *fixture) connect(t *testing.T, userID string) (session.Info, *conn) {
	t.Helper()
	c := &conn{}
	info, err := f.registry.Register(context.Background(), c, auth.Identity{UserID: userID, Username: userID, DisplayName: userID})
	require.NoError(t, err)
	return info, c
}

func TestJoin_TokenAndDuplicate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, aliceConn := f.connect(t, "alice")

	res, err := f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)
	require.NotNil(t, res.AccessToken)
	assert.Empty(t, res.TokenError)
	assert.Equal(t, "voice:c1", res.Room.ExternalRoom)
	assert.True(t, res.Participant.CanSpeak)
	assert.True(t, aliceConn.saw("voice:user_joined"))

	_, err = f.manager.Join(ctx, alice, "c1")
	assert.Equal(t, apperr.CodeAlreadyInChannel, apperr.CodeOf(err))

	room, ok := f.manager.Room("c1")
	require.True(t, ok)
	assert.Len(t, room.Participants, 1)
}

func TestJoin_Permission(t *testing.T) {
	f := newFixture(t, 0)
	f.authz.CloseChannel("closed")
	alice, _ := f.connect(t, "alice")
	mod, _ := f.connect(t, "mod")

	_, err := f.manager.Join(context.Background(), alice, "closed")
	assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))

	res, err := f.manager.Join(context.Background(), mod, "closed")
	require.NoError(t, err)
	assert.True(t, res.Participant.CanManage)
}

func TestJoin_Capacity(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	for _, u := range []string{"a", "b"} {
		info, _ := f.connect(t, u)
		_, err := f.manager.Join(ctx, info, "c1")
		require.NoError(t, err)
	}
	third, _ := f.connect(t, "c")
	_, err := f.manager.Join(ctx, third, "c1")
	assert.Equal(t, apperr.CodeChannelFull, apperr.CodeOf(err))
}

func TestJoin_FullRoomReportedBeforeDuplicate(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	alice, _ := f.connect(t, "alice")
	_, err := f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)

	_, err = f.manager.Join(ctx, alice, "c1")
	assert.Equal(t, apperr.CodeChannelFull, apperr.CodeOf(err))
}

func TestJoin_SessionGoneLeavesNoParticipant(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, _ := f.connect(t, "alice")
	require.True(t, f.registry.Deregister(alice.ID, session.ReasonHeartbeatTimeout))

	_, err := f.manager.Join(ctx, alice, "c1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	room, ok := f.manager.Room("c1")
	require.True(t, ok)
	assert.Empty(t, room.Participants)
	assert.False(t, room.IsActive)

	again, _ := f.connect(t, "alice")
	_, err = f.manager.Join(ctx, again, "c1")
	require.NoError(t, err, "a new session of the same user can join")

	require.NoError(t, f.manager.Leave(ctx, again, "c1"))
	f.clock.Add(11 * time.Second)
	rooms, _ := f.manager.Sweep()
	assert.Equal(t, 1, rooms)
}

func TestLeave_FromAnotherSessionOfSameUser(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	first, _ := f.connect(t, "alice")
	second, _ := f.connect(t, "alice")

	_, err := f.manager.Join(ctx, first, "c1")
	require.NoError(t, err)
	require.True(t, f.registry.IsMember(first.ID, voice.RoomID("c1")))

	require.NoError(t, f.manager.Leave(ctx, second, "c1"))
	assert.False(t, f.registry.IsMember(first.ID, voice.RoomID("c1")), "the joining session leaves the voice room")

	room, ok := f.manager.Room("c1")
	require.True(t, ok)
	assert.Empty(t, room.Participants)
}

func TestJoin_HandleCreatedOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		info, _ := f.connect(t, u)
		_, err := f.manager.Join(ctx, info, "c1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.rooms.CreateCalls())
}

func TestJoin_MediaFailureStillJoins(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, _ := f.connect(t, "alice")

	f.rooms.FailMint(errors.New("bad key"))
	res, err := f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)
	assert.Nil(t, res.AccessToken)
	assert.NotEmpty(t, res.TokenError)
	assert.Len(t, res.Room.Participants, 1)

	// The room already holds a handle, so a later create outage is invisible.
	f.rooms.FailMint(nil)
	f.rooms.FailCreate(errors.New("unavailable"))
	bob, _ := f.connect(t, "bob")
	res, err = f.manager.Join(ctx, bob, "c1")
	require.NoError(t, err)
	assert.NotNil(t, res.AccessToken)
	assert.Equal(t, 1, f.rooms.CreateCalls())

	carol, _ := f.connect(t, "carol")
	res, err = f.manager.Join(ctx, carol, "c2")
	require.NoError(t, err)
	assert.Nil(t, res.AccessToken)
	assert.Empty(t, res.Room.ExternalRoom)
}

func TestLeave_GraceReclaim(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, _ := f.connect(t, "alice")
	bob, _ := f.connect(t, "bob")

	err := f.manager.Leave(ctx, alice, "c1")
	assert.Equal(t, apperr.CodeNotInChannel, apperr.CodeOf(err))

	_, err = f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)
	require.NoError(t, f.manager.Leave(ctx, alice, "c1"))

	room, ok := f.manager.Room("c1")
	require.True(t, ok, "room survives the grace period")
	assert.False(t, room.IsActive)

	f.clock.Add(9 * time.Second)
	rooms, _ := f.manager.Sweep()
	assert.Zero(t, rooms)

	_, err = f.manager.Join(ctx, bob, "c1")
	require.NoError(t, err)
	f.clock.Add(5 * time.Second)
	rooms, _ = f.manager.Sweep()
	assert.Zero(t, rooms, "a join during the grace period cancels reclamation")

	require.NoError(t, f.manager.Leave(ctx, bob, "c1"))
	f.clock.Add(10 * time.Second)
	rooms, _ = f.manager.Sweep()
	assert.Equal(t, 1, rooms)
	_, ok = f.manager.Room("c1")
	assert.False(t, ok)
}

func TestUpdateState_And_RevokeSpeak(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, aliceConn := f.connect(t, "alice")
	_, err := f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)

	yes := true
	p, err := f.manager.UpdateState(ctx, alice, "c1", voice.StatePatch{IsSpeaking: &yes})
	require.NoError(t, err)
	assert.True(t, p.IsSpeaking)
	assert.True(t, aliceConn.saw("voice:state_updated"))

	assert.Equal(t, 1, f.manager.RevokeSpeak(ctx, "alice"))
	_, err = f.manager.UpdateState(ctx, alice, "c1", voice.StatePatch{IsSpeaking: &yes})
	assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))

	room, _ := f.manager.Room("c1")
	assert.True(t, room.Participants[0].IsMuted)
	assert.False(t, room.Participants[0].CanSpeak)
}

func TestScreenShare_Lifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, _ := f.connect(t, "alice")
	bob, bobConn := f.connect(t, "bob")

	_, err := f.manager.StartShare(ctx, alice, "c1", "720p")
	assert.Equal(t, apperr.CodeNotInChannel, apperr.CodeOf(err))

	_, err = f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)
	_, err = f.manager.Join(ctx, bob, "c1")
	require.NoError(t, err)

	res, err := f.manager.StartShare(ctx, alice, "c1", "720p")
	require.NoError(t, err)
	require.NotNil(t, res.PublishToken)
	assert.True(t, bobConn.saw("screenshare:started"))

	_, err = f.manager.StartShare(ctx, alice, "c1", "1080p")
	assert.Equal(t, apperr.CodeAlreadySharing, apperr.CodeOf(err))

	view, err := f.manager.View(ctx, bob, res.Share.ShareID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.ViewerCount)
	view, err = f.manager.Unview(ctx, bob, res.Share.ShareID)
	require.NoError(t, err)
	assert.Zero(t, view.ViewerCount)

	stopped, err := f.manager.StopShare(ctx, alice, "c1")
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)
	require.NotNil(t, stopped.StoppedAt)
	assert.True(t, bobConn.saw("screenshare:stopped"))

	_, err = f.manager.StopShare(ctx, alice, "c1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, ok := f.manager.Share(res.Share.ShareID)
	assert.True(t, ok, "stopped share retained for the grace period")
	f.clock.Add(5 * time.Second)
	_, shares := f.manager.Sweep()
	assert.Equal(t, 1, shares)

	// A new share is allowed once the previous one stopped.
	_, err = f.manager.StartShare(ctx, alice, "c1", "1080p")
	assert.NoError(t, err)
}

func TestDisconnect_Cascade(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	alice, _ := f.connect(t, "alice")
	bob, bobConn := f.connect(t, "bob")

	_, err := f.manager.Join(ctx, alice, "c1")
	require.NoError(t, err)
	_, err = f.manager.Join(ctx, bob, "c1")
	require.NoError(t, err)
	res, err := f.manager.StartShare(ctx, alice, "c1", "720p")
	require.NoError(t, err)

	require.True(t, f.registry.Disconnect(alice.ID, session.ReasonHeartbeatTimeout))

	room, ok := f.manager.Room("c1")
	require.True(t, ok)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "bob", room.Participants[0].UserID)

	share, ok := f.manager.Share(res.Share.ShareID)
	require.True(t, ok)
	assert.False(t, share.IsActive)
	assert.True(t, bobConn.saw("voice:user_left"))
	assert.True(t, bobConn.saw("screenshare:stopped"))

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.Participants)
	assert.Zero(t, stats.ActiveShares)
}
