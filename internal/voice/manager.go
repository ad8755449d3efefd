package voice

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/roomservice"
	"github.com/adred-codev/realtime/internal/session"
)

// Fanout is the slice of fanout.Hub the manager needs.
type Fanout interface {
	Join(sessionID, roomID string) error
	Leave(sessionID, roomID string) error
	EmitToRoom(ctx context.Context, roomID, event string, payload any)
}

type Config struct {
	MaxParticipants int
	Grace           time.Duration
	ShareGrace      time.Duration
	Authorizer      auth.Authorizer
	RoomService     roomservice.Service
	Breakers        *breaker.Executor
	Fanout          Fanout
	Clock           clock.Clock
	Logger          zerolog.Logger
}

type event struct {
	room    string
	name    string
	payload any
}

type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*roomState
	shares map[string]*shareState

	maxParticipants int
	grace           time.Duration
	shareGrace      time.Duration
	authorizer      auth.Authorizer
	service         roomservice.Service
	breakers        *breaker.Executor
	fanout          Fanout
	clock           clock.Clock
	logger          zerolog.Logger
}

func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Manager{
		rooms:           make(map[string]*roomState),
		shares:          make(map[string]*shareState),
		maxParticipants: config.MaxParticipants,
		grace:           config.Grace,
		shareGrace:      config.ShareGrace,
		authorizer:      config.Authorizer,
		service:         config.RoomService,
		breakers:        config.Breakers,
		fanout:          config.Fanout,
		clock:           config.Clock,
		logger:          config.Logger.With().Str("component", "voice").Logger(),
	}
}

func (m *Manager) emit(ctx context.Context, events []event) {
	for _, e := range events {
		m.fanout.EmitToRoom(ctx, e.room, e.name, e.payload)
	}
}

// Join adds caller to the voice channel. A failure to reach the room service
// does not fail the join: the access token is nil and TokenError says why.
func (m *Manager) Join(ctx context.Context, caller session.Info, channelID string) (JoinResult, error) {
	id := caller.Identity()
	if !m.authorizer.CanConnect(id, channelID) {
		return JoinResult{}, apperr.Permission("cannot connect to this voice channel")
	}
	roomID := RoomID(channelID)
	now := m.clock.Now()

	m.mu.Lock()
	room, exists := m.rooms[roomID]
	if exists {
		if room.maxParticipants > 0 && len(room.participants) >= room.maxParticipants {
			m.mu.Unlock()
			return JoinResult{}, apperr.Conflict(apperr.CodeChannelFull, "voice channel is full")
		}
		if room.indexOf(id.UserID) >= 0 {
			m.mu.Unlock()
			return JoinResult{}, apperr.Conflict(apperr.CodeAlreadyInChannel, "already in this voice channel")
		}
	} else {
		room = &roomState{roomID: roomID, channelID: channelID, maxParticipants: m.maxParticipants}
		m.rooms[roomID] = room
	}

	participant := Participant{
		UserID:      id.UserID,
		SessionID:   caller.ID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		JoinedAt:    now,
		CanSpeak:    m.authorizer.CanSpeak(id, channelID),
		CanManage:   m.authorizer.CanManage(id, channelID),
	}
	participant.IsMuted = !participant.CanSpeak
	room.participants = append(room.participants, participant)
	room.isActive = true
	room.emptiedAt = time.Time{}
	handle := room.handle
	m.mu.Unlock()

	// The participant is recorded before the fanout join. A session that
	// deregisters first fails the join here; one that deregisters after is
	// cleaned up by RemoveSession.
	if err := m.fanout.Join(caller.ID, roomID); err != nil {
		m.rollbackJoin(roomID, caller.ID)
		m.logger.Warn().Err(err).Str("room_id", roomID).Str("session_id", caller.ID).Msg("Voice join abandoned, session is gone")
		return JoinResult{}, err
	}
	m.fanout.EmitToRoom(ctx, roomID, "voice:user_joined", map[string]any{
		"channelId": channelID,
		"user":      participant,
	})

	if handle == nil {
		handle = m.ensureHandle(ctx, roomID)
	}

	result := JoinResult{Participant: participant}
	if handle == nil {
		result.TokenError = "media room unavailable, retry media negotiation"
	} else {
		token, err := m.mint(ctx, *handle, id.UserID, id.DisplayName, roomservice.ParticipantGrants(handle.Name, participant.CanSpeak))
		if err != nil {
			result.TokenError = "could not issue media credential, retry media negotiation"
		} else {
			result.AccessToken = &token
		}
	}

	m.mu.Lock()
	if r, ok := m.rooms[roomID]; ok {
		result.Room = r.view()
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("room_id", roomID).
		Str("user_id", id.UserID).
		Bool("token", result.AccessToken != nil).
		Msg("User joined voice channel")
	return result, nil
}

// rollbackJoin removes a participant entry that was never announced.
func (m *Manager) rollbackJoin(roomID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	for i := range room.participants {
		if room.participants[i].SessionID == sessionID {
			room.remove(i)
			break
		}
	}
	if len(room.participants) == 0 {
		room.isActive = false
		room.emptiedAt = m.clock.Now()
	}
}

// ensureHandle requests the external room once per room; concurrent callers
// may race, the first stored handle wins.
func (m *Manager) ensureHandle(ctx context.Context, roomID string) *roomservice.Handle {
	h, err := breaker.Execute(ctx, m.breakers, breaker.RoomService, func(ctx context.Context) (roomservice.Handle, error) {
		return m.service.CreateRoom(ctx, roomID)
	}, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("room_id", roomID).Msg("External room unavailable")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return &h
	}
	if room.handle == nil {
		room.handle = &h
	}
	return room.handle
}

func (m *Manager) mint(ctx context.Context, h roomservice.Handle, identity, name string, grants roomservice.Grants) (string, error) {
	token, err := breaker.Execute(ctx, m.breakers, breaker.RoomService, func(ctx context.Context) (string, error) {
		return m.service.MintToken(ctx, h, identity, name, grants)
	}, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("room", h.Name).Str("identity", identity).Msg("Media credential not issued")
	}
	return token, err
}

// Leave removes exactly one participant entry and stops shares the user
// owns in that room.
func (m *Manager) Leave(ctx context.Context, caller session.Info, channelID string) error {
	roomID := RoomID(channelID)

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	idx := -1
	if ok {
		idx = room.indexOf(caller.UserID)
	}
	if idx < 0 {
		m.mu.Unlock()
		return apperr.Conflict(apperr.CodeNotInChannel, "not in this voice channel")
	}
	p, events := m.removeLocked(room, idx)
	m.mu.Unlock()

	// The entry may belong to another session of the same user.
	if err := m.fanout.Leave(p.SessionID, roomID); err != nil {
		m.logger.Debug().Err(err).Str("room_id", roomID).Msg("Fanout leave after voice leave")
	}
	m.emit(ctx, events)
	return nil
}

// removeLocked drops participant idx, stops its shares and marks the room
// emptied when it was the last one.
func (m *Manager) removeLocked(room *roomState, idx int) (Participant, []event) {
	p := room.remove(idx)
	now := m.clock.Now()

	var events []event
	for _, s := range m.shares {
		if s.roomID == room.roomID && s.ownerUserID == p.UserID && s.isActive {
			events = append(events, m.stopShareLocked(s, now))
		}
		delete(s.viewers, p.UserID)
	}

	events = append(events, event{room.roomID, "voice:user_left", map[string]any{
		"channelId": room.channelID,
		"userId":    p.UserID,
	}})

	if len(room.participants) == 0 {
		room.isActive = false
		room.emptiedAt = now
	}
	return p, events
}

func (m *Manager) stopShareLocked(s *shareState, now time.Time) event {
	s.isActive = false
	s.stoppedAt = now
	return event{s.roomID, "screenshare:stopped", map[string]any{
		"shareId":   s.shareID,
		"userId":    s.ownerUserID,
		"channelId": s.channelID,
		"stoppedAt": now,
	}}
}

// RemoveSession is the disconnect cascade: every participation held by the
// session is removed and every share it owns is stopped.
func (m *Manager) RemoveSession(info session.Info, _ string) {
	var events []event

	m.mu.Lock()
	for _, room := range m.rooms {
		for i := len(room.participants) - 1; i >= 0; i-- {
			if room.participants[i].SessionID == info.ID {
				_, removed := m.removeLocked(room, i)
				events = append(events, removed...)
			}
		}
	}
	m.mu.Unlock()

	if len(events) > 0 {
		m.logger.Info().
			Str("session_id", info.ID).
			Str("user_id", info.UserID).
			Int("events", len(events)).
			Msg("Cleaned up voice state for disconnected session")
	}
	m.emit(context.Background(), events)
}

func (m *Manager) UpdateState(ctx context.Context, caller session.Info, channelID string, patch StatePatch) (Participant, error) {
	roomID := RoomID(channelID)

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	idx := -1
	if ok {
		idx = room.indexOf(caller.UserID)
	}
	if idx < 0 {
		m.mu.Unlock()
		return Participant{}, apperr.Conflict(apperr.CodeNotInChannel, "not in this voice channel")
	}
	p := &room.participants[idx]
	if !p.CanSpeak && ((patch.IsSpeaking != nil && *patch.IsSpeaking) || (patch.IsMuted != nil && !*patch.IsMuted)) {
		m.mu.Unlock()
		return Participant{}, apperr.Permission("speaking is not allowed in this channel")
	}
	if patch.IsMuted != nil {
		p.IsMuted = *patch.IsMuted
	}
	if patch.IsDeafened != nil {
		p.IsDeafened = *patch.IsDeafened
		if p.IsDeafened {
			p.IsMuted = true
		}
	}
	if patch.IsSpeaking != nil {
		p.IsSpeaking = *patch.IsSpeaking && !p.IsMuted
	}
	updated := *p
	m.mu.Unlock()

	m.fanout.EmitToRoom(ctx, roomID, "voice:state_updated", stateEvent(channelID, updated))
	return updated, nil
}

func stateEvent(channelID string, p Participant) map[string]any {
	return map[string]any{
		"channelId":  channelID,
		"userId":     p.UserID,
		"isMuted":    p.IsMuted,
		"isDeafened": p.IsDeafened,
		"isSpeaking": p.IsSpeaking,
		"canSpeak":   p.CanSpeak,
	}
}

// RevokeSpeak mutes userID everywhere and removes the speak capability.
func (m *Manager) RevokeSpeak(ctx context.Context, userID string) int {
	var events []event

	m.mu.Lock()
	for _, room := range m.rooms {
		idx := room.indexOf(userID)
		if idx < 0 {
			continue
		}
		p := &room.participants[idx]
		p.CanSpeak = false
		p.IsMuted = true
		p.IsSpeaking = false
		events = append(events, event{room.roomID, "voice:state_updated", stateEvent(room.channelID, *p)})
	}
	m.mu.Unlock()

	m.emit(ctx, events)
	return len(events)
}

func (m *Manager) StartShare(ctx context.Context, caller session.Info, channelID, quality string) (ShareResult, error) {
	roomID := RoomID(channelID)
	now := m.clock.Now()

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok || room.indexOf(caller.UserID) < 0 {
		m.mu.Unlock()
		return ShareResult{}, apperr.Conflict(apperr.CodeNotInChannel, "join the voice channel before sharing")
	}
	for _, s := range m.shares {
		if s.ownerUserID == caller.UserID && s.isActive {
			m.mu.Unlock()
			return ShareResult{}, apperr.Conflict(apperr.CodeAlreadySharing, "already sharing a screen")
		}
	}

	shareID := uuid.NewString()
	share := &shareState{
		shareID:        shareID,
		ownerUserID:    caller.UserID,
		ownerSessionID: caller.ID,
		roomID:         roomID,
		channelID:      channelID,
		streamHandle:   caller.UserID + ":screen:" + shareID[:8],
		quality:        quality,
		viewers:        make(map[string]struct{}),
		isActive:       true,
		startedAt:      now,
	}
	m.shares[shareID] = share
	handle := room.handle
	view := share.view()
	m.mu.Unlock()

	m.fanout.EmitToRoom(ctx, roomID, "screenshare:started", view)

	if handle == nil {
		handle = m.ensureHandle(ctx, roomID)
	}
	result := ShareResult{Share: view}
	if handle == nil {
		result.TokenError = "media room unavailable, retry media negotiation"
		return result, nil
	}
	token, err := m.mint(ctx, *handle, view.StreamHandle, caller.DisplayName, roomservice.ScreenShareGrants(handle.Name))
	if err != nil {
		result.TokenError = "could not issue media credential, retry media negotiation"
	} else {
		result.PublishToken = &token
	}
	return result, nil
}

// StopShare ends caller's active share in the channel. The record stays
// for the share grace period so late acknowledgements still resolve.
func (m *Manager) StopShare(ctx context.Context, caller session.Info, channelID string) (ShareView, error) {
	roomID := RoomID(channelID)

	m.mu.Lock()
	var share *shareState
	for _, s := range m.shares {
		if s.roomID == roomID && s.ownerUserID == caller.UserID && s.isActive {
			share = s
			break
		}
	}
	if share == nil {
		m.mu.Unlock()
		return ShareView{}, apperr.NotFound("no active screen share in this channel")
	}
	ev := m.stopShareLocked(share, m.clock.Now())
	view := share.view()
	m.mu.Unlock()

	m.emit(ctx, []event{ev})
	return view, nil
}

func (m *Manager) View(ctx context.Context, caller session.Info, shareID string) (ShareView, error) {
	return m.setViewer(ctx, caller, shareID, true)
}

func (m *Manager) Unview(ctx context.Context, caller session.Info, shareID string) (ShareView, error) {
	return m.setViewer(ctx, caller, shareID, false)
}

func (m *Manager) setViewer(ctx context.Context, caller session.Info, shareID string, viewing bool) (ShareView, error) {
	m.mu.Lock()
	share, ok := m.shares[shareID]
	if !ok || !share.isActive {
		m.mu.Unlock()
		return ShareView{}, apperr.NotFound("screen share %s not found", shareID)
	}
	room := m.rooms[share.roomID]
	if room == nil || room.indexOf(caller.UserID) < 0 {
		m.mu.Unlock()
		return ShareView{}, apperr.Conflict(apperr.CodeNotInChannel, "join the voice channel to view this share")
	}

	_, already := share.viewers[caller.UserID]
	name := "screenshare:viewer_left"
	if viewing {
		share.viewers[caller.UserID] = struct{}{}
		name = "screenshare:viewer_joined"
	} else {
		delete(share.viewers, caller.UserID)
	}
	view := share.view()
	m.mu.Unlock()

	if already != viewing {
		m.fanout.EmitToRoom(ctx, share.roomID, name, map[string]any{
			"shareId":     shareID,
			"userId":      caller.UserID,
			"viewerCount": view.ViewerCount,
		})
	}
	return view, nil
}

// Room returns a copy of the voice room for channelID.
func (m *Manager) Room(channelID string) (RoomView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[RoomID(channelID)]
	if !ok {
		return RoomView{}, false
	}
	return room.view(), true
}

func (m *Manager) Share(shareID string) (ShareView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[shareID]
	if !ok {
		return ShareView{}, false
	}
	return s.view(), true
}

// Sweep reclaims rooms empty past the grace period and stopped shares past
// the share grace. Counts are re-checked at deletion time, so a join during
// the grace period keeps the room.
func (m *Manager) Sweep() (rooms, shares int) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, room := range m.rooms {
		if len(room.participants) == 0 && !room.emptiedAt.IsZero() && now.Sub(room.emptiedAt) >= m.grace {
			delete(m.rooms, id)
			rooms++
		}
	}
	for id, s := range m.shares {
		if !s.isActive && now.Sub(s.stoppedAt) >= m.shareGrace {
			delete(m.shares, id)
			shares++
		}
	}
	if rooms > 0 || shares > 0 {
		m.logger.Debug().
			Int("rooms", rooms).
			Int("shares", shares).
			Msg("Reclaimed voice state")
	}
	return rooms, shares
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	defer monitoring.RecoverPanic(m.logger, "voiceSweeper", nil)

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, room := range m.rooms {
		if room.isActive {
			s.Rooms++
		}
		s.Participants += len(room.participants)
	}
	for _, share := range m.shares {
		s.Shares++
		if share.isActive {
			s.ActiveShares++
		}
	}
	return s
}
