package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/realtime/internal/apperr"
)

type voteKey struct {
	targetType, targetID, userID string
}

// Memory is a process-local Store used for single-node development and tests.
type Memory struct {
	mu        sync.RWMutex
	messages  map[string]*Message
	reactions map[string]map[Reaction]struct{} // messageID -> set
	votes     map[voteKey]string
	comments  map[string]*Comment
	reports   map[string]*Report
	bans      []Ban
}

func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]*Message),
		reactions: make(map[string]map[Reaction]struct{}),
		votes:     make(map[voteKey]string),
		comments:  make(map[string]*Comment),
		reports:   make(map[string]*Report),
	}
}

func (m *Memory) CreateMessage(_ context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return Message{}, apperr.Conflict(apperr.CodeValidation, "message already exists")
	}
	stored := msg
	m.messages[msg.ID] = &stored
	return stored, nil
}

func (m *Memory) UpdateMessage(_ context.Context, id, authorID, content string, at time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, apperr.NotFound("message %s not found", id)
	}
	if msg.AuthorID != authorID {
		return Message{}, apperr.Permission("only the author can edit this message")
	}
	msg.Content = content
	edited := at
	msg.EditedAt = &edited
	return *msg, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id, authorID string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, apperr.NotFound("message %s not found", id)
	}
	if msg.AuthorID != authorID {
		return Message{}, apperr.Permission("only the author can delete this message")
	}
	delete(m.messages, id)
	delete(m.reactions, id)
	return *msg, nil
}

func (m *Memory) AddReaction(_ context.Context, r Reaction) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[r.MessageID]; !ok {
		return nil, apperr.NotFound("message %s not found", r.MessageID)
	}
	set, ok := m.reactions[r.MessageID]
	if !ok {
		set = make(map[Reaction]struct{})
		m.reactions[r.MessageID] = set
	}
	set[r] = struct{}{}
	return m.reactionCounts(r.MessageID), nil
}

func (m *Memory) RemoveReaction(_ context.Context, r Reaction) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[r.MessageID]; !ok {
		return nil, apperr.NotFound("message %s not found", r.MessageID)
	}
	delete(m.reactions[r.MessageID], r)
	return m.reactionCounts(r.MessageID), nil
}

func (m *Memory) reactionCounts(messageID string) map[string]int {
	counts := make(map[string]int)
	for r := range m.reactions[messageID] {
		counts[r.Emoji]++
	}
	return counts
}

func (m *Memory) CastVote(_ context.Context, v Vote) (VoteCounts, error) {
	key := voteKey{v.TargetType, v.TargetID, v.UserID}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch v.VoteType {
	case VoteUp, VoteDown:
		m.votes[key] = v.VoteType
	case VoteNone:
		delete(m.votes, key)
	default:
		return VoteCounts{}, apperr.Validation("unknown vote type %q", v.VoteType)
	}

	var counts VoteCounts
	for k, value := range m.votes {
		if k.targetType != v.TargetType || k.targetID != v.TargetID {
			continue
		}
		if value == VoteUp {
			counts.Up++
		} else {
			counts.Down++
		}
	}
	counts.Score = counts.Up - counts.Down
	return counts, nil
}

func (m *Memory) CreateComment(_ context.Context, c Comment) (Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ParentID != nil {
		parent, ok := m.comments[*c.ParentID]
		if !ok || parent.PostID != c.PostID {
			return Comment{}, apperr.NotFound("parent comment %s not found", *c.ParentID)
		}
	}
	stored := c
	m.comments[c.ID] = &stored
	return stored, nil
}

func (m *Memory) CreateReport(_ context.Context, r Report) (Report, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "pending"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := r
	m.reports[r.ID] = &stored
	return stored, nil
}

func (m *Memory) CreateBan(_ context.Context, b Ban) (Ban, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans = append(m.bans, b)
	return b, nil
}

func (m *Memory) ActiveBan(_ context.Context, userID string, now time.Time, window time.Duration) (*Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.bans) - 1; i >= 0; i-- {
		b := m.bans[i]
		if b.UserID == userID && b.ActiveAt(now, window) {
			return &b, nil
		}
	}
	return nil, nil
}

func (m *Memory) SearchSuggestions(_ context.Context, query string, limit int) ([]Suggestion, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil, nil
	}

	type hit struct {
		s  Suggestion
		at time.Time
	}
	var hits []hit

	m.mu.RLock()
	for _, msg := range m.messages {
		if strings.Contains(strings.ToLower(msg.Content), q) {
			hits = append(hits, hit{Suggestion{Kind: "message", ID: msg.ID, Text: msg.Content}, msg.CreatedAt})
		}
	}
	for _, c := range m.comments {
		if strings.Contains(strings.ToLower(c.Content), q) {
			hits = append(hits, hit{Suggestion{Kind: "comment", ID: c.ID, Text: c.Content}, c.CreatedAt})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].at.Equal(hits[j].at) {
			return hits[i].s.ID < hits[j].s.ID
		}
		return hits[i].at.After(hits[j].at)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]Suggestion, len(hits))
	for i, h := range hits {
		out[i] = h.s
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() {}
