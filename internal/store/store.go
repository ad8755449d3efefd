// Package store is the persistence boundary for messages, reactions, votes,
// comments, reports and bans. Handlers reach it only through the storage
// circuit breaker.
package store

import (
	"context"
	"time"
)

const (
	VoteUp   = "up"
	VoteDown = "down"
	VoteNone = "none"
)

type Message struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channelId"`
	AuthorID  string     `json:"authorId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

type Reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type Vote struct {
	TargetID   string `json:"targetId"`
	TargetType string `json:"targetType"`
	UserID     string `json:"userId"`
	VoteType   string `json:"voteType"`
}

type VoteCounts struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Score int `json:"score"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	ParentID  *string   `json:"parentId,omitempty"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Report struct {
	ID          string    `json:"id"`
	ReporterID  string    `json:"reporterId"`
	TargetID    string    `json:"targetId"`
	TargetType  string    `json:"targetType"`
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Ban struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	ModeratorID string     `json:"moderatorId"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// ActiveAt reports whether the ban suspends its user at now. A ban with an
// expiry holds until it expires; one without holds for window after creation.
func (b Ban) ActiveAt(now time.Time, window time.Duration) bool {
	if b.ExpiresAt != nil {
		return now.Before(*b.ExpiresAt)
	}
	return now.Sub(b.CreatedAt) < window
}

type Suggestion struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Store is implemented by Memory and Postgres. Missing records surface as
// apperr NotFound and edits by non-authors as apperr Permission.
type Store interface {
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	UpdateMessage(ctx context.Context, id, authorID, content string, at time.Time) (Message, error)
	DeleteMessage(ctx context.Context, id, authorID string) (Message, error)

	// AddReaction and RemoveReaction return the per-emoji counts after the change.
	AddReaction(ctx context.Context, r Reaction) (map[string]int, error)
	RemoveReaction(ctx context.Context, r Reaction) (map[string]int, error)

	// CastVote upserts the user's vote; VoteNone clears it.
	CastVote(ctx context.Context, v Vote) (VoteCounts, error)

	CreateComment(ctx context.Context, c Comment) (Comment, error)
	CreateReport(ctx context.Context, r Report) (Report, error)

	CreateBan(ctx context.Context, b Ban) (Ban, error)
	// ActiveBan returns the most recent ban suspending userID, or nil.
	ActiveBan(ctx context.Context, userID string, now time.Time, window time.Duration) (*Ban, error)

	SearchSuggestions(ctx context.Context, query string, limit int) ([]Suggestion, error)

	Ping(ctx context.Context) error
	Close()
}
