// Package voice owns ephemeral voice rooms and screen shares.
//
// Both live in one arena: rooms keyed by room id and shares keyed by share
// id. A share points at its room by id only.
package voice

import (
	"time"

	"github.com/adred-codev/realtime/internal/roomservice"
)

// RoomID is the fanout room for a voice channel.
func RoomID(channelID string) string {
	return "voice:" + channelID
}

type Participant struct {
	UserID      string    `json:"userId"`
	SessionID   string    `json:"-"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	IsMuted     bool      `json:"isMuted"`
	IsDeafened  bool      `json:"isDeafened"`
	IsSpeaking  bool      `json:"isSpeaking"`
	JoinedAt    time.Time `json:"joinedAt"`
	CanSpeak    bool      `json:"canSpeak"`
	CanManage   bool      `json:"canManage"`
}

type roomState struct {
	roomID          string
	channelID       string
	maxParticipants int
	participants    []Participant
	handle          *roomservice.Handle
	isActive        bool
	emptiedAt       time.Time
}

func (r *roomState) indexOf(userID string) int {
	for i, p := range r.participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (r *roomState) remove(i int) Participant {
	p := r.participants[i]
	r.participants = append(r.participants[:i], r.participants[i+1:]...)
	return p
}

func (r *roomState) view() RoomView {
	v := RoomView{
		RoomID:          r.roomID,
		ChannelID:       r.channelID,
		MaxParticipants: r.maxParticipants,
		Participants:    append([]Participant(nil), r.participants...),
		IsActive:        r.isActive,
	}
	if r.handle != nil {
		v.ExternalRoom = r.handle.Name
	}
	return v
}

// RoomView is a copy of a voice room safe to hand to callers.
type RoomView struct {
	RoomID          string        `json:"roomId"`
	ChannelID       string        `json:"channelId"`
	MaxParticipants int           `json:"maxParticipants,omitempty"`
	Participants    []Participant `json:"participants"`
	ExternalRoom    string        `json:"externalRoom,omitempty"`
	IsActive        bool          `json:"isActive"`
}

type shareState struct {
	shareID        string
	ownerUserID    string
	ownerSessionID string
	roomID         string
	channelID      string
	streamHandle   string
	quality        string
	viewers        map[string]struct{}
	isActive       bool
	startedAt      time.Time
	stoppedAt      time.Time
}

func (s *shareState) view() ShareView {
	v := ShareView{
		ShareID:      s.shareID,
		OwnerUserID:  s.ownerUserID,
		RoomID:       s.roomID,
		ChannelID:    s.channelID,
		StreamHandle: s.streamHandle,
		Quality:      s.quality,
		ViewerCount:  len(s.viewers),
		IsActive:     s.isActive,
		StartedAt:    s.startedAt,
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		v.StoppedAt = &t
	}
	return v
}

type ShareView struct {
	ShareID      string     `json:"shareId"`
	OwnerUserID  string     `json:"userId"`
	RoomID       string     `json:"roomId"`
	ChannelID    string     `json:"channelId"`
	StreamHandle string     `json:"streamHandle"`
	Quality      string     `json:"quality"`
	ViewerCount  int        `json:"viewerCount"`
	IsActive     bool       `json:"isActive"`
	StartedAt    time.Time  `json:"startedAt"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
}

// StatePatch carries the optional fields of voice:update_state.
type StatePatch struct {
	IsMuted    *bool
	IsDeafened *bool
	IsSpeaking *bool
}

type JoinResult struct {
	Room        RoomView    `json:"room"`
	Participant Participant `json:"participant"`
	AccessToken *string     `json:"accessToken"`
	TokenError  string      `json:"tokenError,omitempty"`
}

type ShareResult struct {
	Share        ShareView `json:"share"`
	PublishToken *string   `json:"publishToken"`
	TokenError   string    `json:"tokenError,omitempty"`
}

type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
	ActiveShares int `json:"activeShares"`
	Shares       int `json:"shares"`
}
