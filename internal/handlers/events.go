package handlers

import (
	"strings"
	"unicode/utf8"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/store"
)

const (
	maxMessageLength = 4000
	maxCommentLength = 10000
	maxReasonLength  = 500
	maxEmojiLength   = 32
	maxQueryLength   = 100
	maxSuggestLimit  = 25
	defaultSuggest   = 10
)

// Event is an inbound payload. The set is closed: only types in this
// package embed sealed.
type Event interface {
	Validate() error
	sealedEvent()
}

type sealed struct{}

func (sealed) sealedEvent() {}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validation("%s is required", field)
	}
	return nil
}

func bounded(field, value string, max int) error {
	if err := required(field, value); err != nil {
		return err
	}
	if utf8.RuneCountInString(value) > max {
		return apperr.Validation("%s exceeds %d characters", field, max)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type Heartbeat struct {
	sealed
}

func (Heartbeat) Validate() error { return nil }

type ChannelRef struct {
	sealed
	ChannelID string `json:"channelId"`
}

func (e ChannelRef) Validate() error { return required("channelId", e.ChannelID) }

type ActivityScope struct {
	sealed
	Scope string `json:"scope"`
}

func (e ActivityScope) Validate() error { return required("scope", e.Scope) }

type MessageSend struct {
	sealed
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

func (e MessageSend) Validate() error {
	return firstErr(required("channelId", e.ChannelID), bounded("content", e.Content, maxMessageLength))
}

type MessageEdit struct {
	sealed
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

func (e MessageEdit) Validate() error {
	return firstErr(
		required("messageId", e.MessageID),
		required("channelId", e.ChannelID),
		bounded("content", e.Content, maxMessageLength),
	)
}

type MessageDelete struct {
	sealed
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

func (e MessageDelete) Validate() error {
	return firstErr(required("messageId", e.MessageID), required("channelId", e.ChannelID))
}

type ReactionChange struct {
	sealed
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	Emoji     string `json:"emoji"`
}

func (e ReactionChange) Validate() error {
	return firstErr(
		required("messageId", e.MessageID),
		required("channelId", e.ChannelID),
		bounded("emoji", e.Emoji, maxEmojiLength),
	)
}

type VoteCast struct {
	sealed
	TargetID   string `json:"targetId"`
	TargetType string `json:"targetType"`
	VoteType   string `json:"voteType"`
}

func (e VoteCast) Validate() error {
	if err := firstErr(required("targetId", e.TargetID), required("targetType", e.TargetType)); err != nil {
		return err
	}
	switch e.TargetType {
	case "post", "comment":
	default:
		return apperr.Validation("targetType must be post or comment")
	}
	switch e.VoteType {
	case store.VoteUp, store.VoteDown, store.VoteNone:
		return nil
	}
	return apperr.Validation("voteType must be up, down or none")
}

type CommentCreate struct {
	sealed
	PostID   string  `json:"postId"`
	ParentID *string `json:"parentId,omitempty"`
	Content  string  `json:"content"`
}

func (e CommentCreate) Validate() error {
	if e.ParentID != nil && strings.TrimSpace(*e.ParentID) == "" {
		return apperr.Validation("parentId must not be empty")
	}
	return firstErr(required("postId", e.PostID), bounded("content", e.Content, maxCommentLength))
}

type Typing struct {
	sealed
	ChannelID string `json:"channelId"`
}

func (e Typing) Validate() error { return required("channelId", e.ChannelID) }

type PresenceUpdate struct {
	sealed
	Status string `json:"status"`
}

func (e PresenceUpdate) Validate() error {
	switch e.Status {
	case "online", "away", "dnd", "offline":
		return nil
	}
	return apperr.Validation("status must be online, away, dnd or offline")
}

type VoiceStateUpdate struct {
	sealed
	ChannelID  string `json:"channelId"`
	IsMuted    *bool  `json:"isMuted,omitempty"`
	IsDeafened *bool  `json:"isDeafened,omitempty"`
	IsSpeaking *bool  `json:"isSpeaking,omitempty"`
}

func (e VoiceStateUpdate) Validate() error {
	if err := required("channelId", e.ChannelID); err != nil {
		return err
	}
	if e.IsMuted == nil && e.IsDeafened == nil && e.IsSpeaking == nil {
		return apperr.Validation("at least one of isMuted, isDeafened or isSpeaking is required")
	}
	return nil
}

type ScreenShareStart struct {
	sealed
	ChannelID string `json:"channelId"`
	Quality   string `json:"quality,omitempty"`
}

func (e ScreenShareStart) Validate() error {
	if err := required("channelId", e.ChannelID); err != nil {
		return err
	}
	switch e.Quality {
	case "", "480p", "720p", "1080p":
		return nil
	}
	return apperr.Validation("quality must be 480p, 720p or 1080p")
}

type ShareRef struct {
	sealed
	ShareID string `json:"shareId"`
}

func (e ShareRef) Validate() error { return required("shareId", e.ShareID) }

type SearchSuggest struct {
	sealed
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (e SearchSuggest) Validate() error {
	if e.Limit < 0 || e.Limit > maxSuggestLimit {
		return apperr.Validation("limit must be between 1 and %d", maxSuggestLimit)
	}
	return bounded("query", e.Query, maxQueryLength)
}

type ModerationReport struct {
	sealed
	TargetID    string `json:"targetId"`
	TargetType  string `json:"targetType"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

func (e ModerationReport) Validate() error {
	if err := firstErr(
		required("targetId", e.TargetID),
		required("targetType", e.TargetType),
		bounded("reason", e.Reason, maxReasonLength),
	); err != nil {
		return err
	}
	switch e.TargetType {
	case "message", "comment", "post", "user":
	default:
		return apperr.Validation("targetType must be message, comment, post or user")
	}
	if utf8.RuneCountInString(e.Description) > maxCommentLength {
		return apperr.Validation("description exceeds %d characters", maxCommentLength)
	}
	return nil
}

const (
	ActionWarn = "warn"
	ActionMute = "mute"
	ActionKick = "kick"
	ActionBan  = "ban"
)

type ModerationAction struct {
	sealed
	TargetUserID string `json:"targetUserId"`
	Action       string `json:"action"`
	Reason       string `json:"reason"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

func (e ModerationAction) Validate() error {
	if err := firstErr(required("targetUserId", e.TargetUserID), bounded("reason", e.Reason, maxReasonLength)); err != nil {
		return err
	}
	if e.DurationMs < 0 {
		return apperr.Validation("durationMs must not be negative")
	}
	switch e.Action {
	case ActionWarn, ActionMute, ActionKick, ActionBan:
		return nil
	}
	return apperr.Validation("action must be warn, mute, kick or ban")
}

type ModerationSubscribe struct {
	sealed
}

func (ModerationSubscribe) Validate() error { return nil }
