// Package session tracks authenticated connections and their room
// memberships. Sessions and rooms live under one lock so the two sides of
// every membership change together.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/monitoring"
)

// Disconnect reasons.
const (
	ReasonClientClosed     = "client_closed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSlowClient       = "slow_client"
	ReasonKicked           = "kicked"
	ReasonBanned           = "banned"
	ReasonShutdown         = "shutdown"
	ReasonWriteError       = "write_error"
)

// UserRoom is the private room every session of a user belongs to.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Conn is the transport side of a session.
type Conn interface {
	// Deliver queues frame without blocking; false means it was dropped.
	Deliver(frame []byte) bool
	Close(reason string)
}

// SuspensionChecker reports whether a user is currently banned.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, userID string) (bool, error)
}

type session struct {
	id              string
	identity        auth.Identity
	authenticatedAt time.Time
	lastActivityAt  time.Time
	rooms           map[string]struct{}
	conn            Conn
}

func (s *session) info() Info {
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return Info{
		ID:              s.id,
		UserID:          s.identity.UserID,
		Username:        s.identity.Username,
		DisplayName:     s.identity.DisplayName,
		AuthenticatedAt: s.authenticatedAt,
		LastActivityAt:  s.lastActivityAt,
		Rooms:           rooms,
	}
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID              string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	DisplayName     string    `json:"displayName"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	Rooms           []string  `json:"rooms"`
}

func (i Info) Identity() auth.Identity {
	return auth.Identity{UserID: i.UserID, Username: i.Username, DisplayName: i.DisplayName}
}

type room struct {
	members   map[string]struct{}
	emptiedAt time.Time
}

// DeregisterHook runs after a session is removed, outside the registry lock.
type DeregisterHook func(info Info, reason string)

type Config struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	RoomGrace         time.Duration
	Suspension        SuspensionChecker
	Clock             clock.Clock
	Logger            zerolog.Logger
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]*room

	hooksMu sync.RWMutex
	hooks   []DeregisterHook

	interval   time.Duration
	missed     int
	roomGrace  time.Duration
	suspension SuspensionChecker
	clock      clock.Clock
	logger     zerolog.Logger

	forced    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewRegistry(config Config) *Registry {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.MissedHeartbeats <= 0 {
		config.MissedHeartbeats = 3
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Registry{
		sessions:   make(map[string]*session),
		rooms:      make(map[string]*room),
		interval:   config.HeartbeatInterval,
		missed:     config.MissedHeartbeats,
		roomGrace:  config.RoomGrace,
		suspension: config.Suspension,
		clock:      config.Clock,
		logger:     config.Logger.With().Str("component", "session_registry").Logger(),
	}
}

// OnDeregister adds a cascade hook (voice cleanup, presence, metrics).
func (r *Registry) OnDeregister(hook DeregisterHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register creates a session for an already-verified identity and joins it
// to its private user room.
func (r *Registry) Register(ctx context.Context, conn Conn, id auth.Identity) (Info, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return Info{}, apperr.Authentication("identity verification failed")
	}

	if r.suspension != nil {
		suspended, err := r.suspension.IsSuspended(ctx, id.UserID)
		if err != nil {
			// Fail open: an unreachable ban store must not lock everyone out.
			r.logger.Warn().
				Err(err).
				Str("user_id", id.UserID).
				Msg("Suspension check failed, admitting connection")
		} else if suspended {
			return Info{}, apperr.Suspended(id.UserID)
		}
	}

	now := r.clock.Now()
	s := &session{
		id:              uuid.NewString(),
		identity:        id,
		authenticatedAt: now,
		lastActivityAt:  now,
		rooms:           make(map[string]struct{}),
		conn:            conn,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.joinLocked(s, UserRoom(id.UserID))
	info := s.info()
	r.mu.Unlock()

	r.logger.Debug().
		Str("session_id", s.id).
		Str("user_id", id.UserID).
		Msg("Session registered")
	return info, nil
}

// Heartbeat records activity for a session.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return apperr.NotFound("session %s not found", sessionID)
	}
	s.lastActivityAt = r.clock.Now()
	return nil
}

// JoinRoom is idempotent.
func (r *Registry) JoinRoom(sessionID, roomID string) error {
	if roomID == "" {
		return apperr.Validation("room id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return apperr.NotFound("session %s not found", sessionID)
	}
	r.joinLocked(s, roomID)
	return nil
}

func (r *Registry) joinLocked(s *session, roomID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]struct{})}
		r.rooms[roomID] = rm
	}
	rm.members[s.id] = struct{}{}
	rm.emptiedAt = time.Time{}
	s.rooms[roomID] = struct{}{}
}

// LeaveRoom is idempotent. The private user room cannot be left.
func (r *Registry) LeaveRoom(sessionID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return apperr.NotFound("session %s not found", sessionID)
	}
	if roomID == UserRoom(s.identity.UserID) {
		return apperr.Validation("cannot leave the private user room")
	}
	r.leaveLocked(s, roomID)
	return nil
}

func (r *Registry) leaveLocked(s *session, roomID string) {
	delete(s.rooms, roomID)
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, s.id)
	if len(rm.members) == 0 && rm.emptiedAt.IsZero() {
		rm.emptiedAt = r.clock.Now()
	}
}

// Deregister removes a session from every room and runs the cascade hooks.
// It returns false when the session was already gone.
func (r *Registry) Deregister(sessionID, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	for roomID := range s.rooms {
		r.leaveLocked(s, roomID)
	}
	delete(r.sessions, sessionID)
	info := s.info()
	r.mu.Unlock()

	switch reason {
	case ReasonClientClosed, ReasonShutdown:
	default:
		r.forced.Add(1)
	}

	r.logger.Debug().
		Str("session_id", sessionID).
		Str("user_id", info.UserID).
		Str("reason", reason).
		Msg("Session deregistered")

	r.hooksMu.RLock()
	hooks := append([]DeregisterHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		monitoring.Guard(r.logger, "deregisterHook", func() { hook(info, reason) })
	}
	return true
}

// Disconnect deregisters a session and closes its connection.
func (r *Registry) Disconnect(sessionID, reason string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	var conn Conn
	if ok {
		conn = s.conn
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}

	removed := r.Deregister(sessionID, reason)
	if conn != nil {
		conn.Close(reason)
	}
	return removed
}

// DisconnectUser disconnects every local session of userID.
func (r *Registry) DisconnectUser(userID, reason string) int {
	n := 0
	for _, info := range r.SessionsForUser(userID) {
		if r.Disconnect(info.ID, reason) {
			n++
		}
	}
	return n
}

// Sweep disconnects sessions that missed too many heartbeats and deletes
// rooms that have been empty for longer than the grace period.
func (r *Registry) Sweep() (expiredSessions, reclaimedRooms int) {
	now := r.clock.Now()
	deadline := r.interval * time.Duration(r.missed)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if now.Sub(s.lastActivityAt) >= deadline {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		id := id
		monitoring.Guard(r.logger, "sessionSweep", func() {
			if r.Disconnect(id, ReasonHeartbeatTimeout) {
				expiredSessions++
			}
		})
	}

	r.mu.Lock()
	for id, rm := range r.rooms {
		if len(rm.members) == 0 && !rm.emptiedAt.IsZero() && now.Sub(rm.emptiedAt) >= r.roomGrace {
			delete(r.rooms, id)
			reclaimedRooms++
		}
	}
	r.mu.Unlock()

	if expiredSessions > 0 || reclaimedRooms > 0 {
		r.logger.Info().
			Int("expired_sessions", expiredSessions).
			Int("reclaimed_rooms", reclaimedRooms).
			Msg("Session sweep complete")
	}
	return expiredSessions, reclaimedRooms
}

// Run sweeps on every heartbeat interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(r.logger, "sessionSweeper", nil)

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// DeliverRoom pushes frame to every local member of roomID in one pass.
func (r *Registry) DeliverRoom(roomID string, frame []byte) (delivered, dropped int) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return 0, 0
	}
	conns := make([]Conn, 0, len(rm.members))
	for id := range rm.members {
		if s := r.sessions[id]; s != nil && s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if c.Deliver(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	r.delivered.Add(int64(delivered))
	r.dropped.Add(int64(dropped))
	return delivered, dropped
}

// DeliverSession pushes frame to one session.
func (r *Registry) DeliverSession(sessionID string, frame []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || s.conn == nil {
		return false
	}
	if s.conn.Deliver(frame) {
		r.delivered.Add(1)
		return true
	}
	r.dropped.Add(1)
	return false
}

func (r *Registry) Session(sessionID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

func (r *Registry) SessionsForUser(userID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[UserRoom(userID)]
	if !ok {
		return nil
	}
	out := make([]Info, 0, len(rm.members))
	for id := range rm.members {
		if s := r.sessions[id]; s != nil {
			out = append(out, s.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members returns the session ids in roomID, sorted.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomsOf returns the rooms of a session, sorted.
func (r *Registry) RoomsOf(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.info().Rooms
}

func (r *Registry) IsMember(sessionID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	_, in := s.rooms[roomID]
	return in
}

// RoomExists includes rooms still inside their grace period.
func (r *Registry) RoomExists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

type Stats struct {
	Active            int   `json:"active"`
	Rooms             int   `json:"rooms"`
	ForcedDisconnects int64 `json:"forcedDisconnects"`
	Delivered         int64 `json:"delivered"`
	Dropped           int64 `json:"dropped"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	active, rooms := len(r.sessions), len(r.rooms)
	r.mu.RUnlock()
	return Stats{
		Active:            active,
		Rooms:             rooms,
		ForcedDisconnects: r.forced.Load(),
		Delivered:         r.delivered.Load(),
		Dropped:           r.dropped.Load(),
	}
}

// Close disconnects every session with ReasonShutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id, ReasonShutdown)
	}
}
