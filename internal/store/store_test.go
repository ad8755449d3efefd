package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/store"
)

// exerciseStore runs the behaviour every Store implementation must share.
// IDs are random so the suite can run against a shared database.
func exerciseStore(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channel := "c-" + uuid.NewString()

	t.Run("messages", func(t *testing.T) {
		msg, err := s.CreateMessage(ctx, store.Message{ChannelID: channel, AuthorID: "alice", Content: "hello world", CreatedAt: now})
		require.NoError(t, err)
		require.NotEmpty(t, msg.ID)

		_, err = s.UpdateMessage(ctx, msg.ID, "mallory", "pwned", now)
		assert.ErrorIs(t, err, apperr.ErrPermission)

		_, err = s.UpdateMessage(ctx, uuid.NewString(), "alice", "x", now)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		edited, err := s.UpdateMessage(ctx, msg.ID, "alice", "hello there", now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "hello there", edited.Content)
		require.NotNil(t, edited.EditedAt)

		deleted, err := s.DeleteMessage(ctx, msg.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, msg.ID, deleted.ID)

		_, err = s.DeleteMessage(ctx, msg.ID, "alice")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("reactions", func(t *testing.T) {
		msg, err := s.CreateMessage(ctx, store.Message{ChannelID: channel, AuthorID: "alice", Content: "react to me", CreatedAt: now})
		require.NoError(t, err)

		counts, err := s.AddReaction(ctx, store.Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "👍"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"👍": 1}, counts)

		counts, err = s.AddReaction(ctx, store.Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "👍"})
		require.NoError(t, err)
		assert.Equal(t, 1, counts["👍"], "same user and emoji counts once")

		counts, err = s.AddReaction(ctx, store.Reaction{MessageID: msg.ID, UserID: "carol", Emoji: "👍"})
		require.NoError(t, err)
		assert.Equal(t, 2, counts["👍"])

		counts, err = s.RemoveReaction(ctx, store.Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "👍"})
		require.NoError(t, err)
		assert.Equal(t, 1, counts["👍"])

		_, err = s.AddReaction(ctx, store.Reaction{MessageID: uuid.NewString(), UserID: "bob", Emoji: "👍"})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("votes", func(t *testing.T) {
		target := uuid.NewString()
		vote := func(user, kind string) store.VoteCounts {
			counts, err := s.CastVote(ctx, store.Vote{TargetID: target, TargetType: "post", UserID: user, VoteType: kind})
			require.NoError(t, err)
			return counts
		}

		assert.Equal(t, store.VoteCounts{Up: 1, Score: 1}, vote("alice", store.VoteUp))
		assert.Equal(t, store.VoteCounts{Up: 1, Down: 1}, vote("bob", store.VoteDown))
		assert.Equal(t, store.VoteCounts{Down: 2, Score: -2}, vote("alice", store.VoteDown))
		assert.Equal(t, store.VoteCounts{Down: 1, Score: -1}, vote("alice", store.VoteNone))

		_, err := s.CastVote(ctx, store.Vote{TargetID: target, TargetType: "post", UserID: "x", VoteType: "sideways"})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("comments", func(t *testing.T) {
		post := uuid.NewString()
		root, err := s.CreateComment(ctx, store.Comment{PostID: post, AuthorID: "alice", Content: "first", CreatedAt: now})
		require.NoError(t, err)

		reply, err := s.CreateComment(ctx, store.Comment{PostID: post, ParentID: &root.ID, AuthorID: "bob", Content: "second", CreatedAt: now})
		require.NoError(t, err)
		require.NotNil(t, reply.ParentID)
		assert.Equal(t, root.ID, *reply.ParentID)

		otherPost := uuid.NewString()
		_, err = s.CreateComment(ctx, store.Comment{PostID: otherPost, ParentID: &root.ID, AuthorID: "bob", Content: "x", CreatedAt: now})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("bans", func(t *testing.T) {
		user := "u-" + uuid.NewString()
		ban, err := s.ActiveBan(ctx, user, now, 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, ban)

		_, err = s.CreateBan(ctx, store.Ban{UserID: user, ModeratorID: "mod", Reason: "spam", CreatedAt: now})
		require.NoError(t, err)

		ban, err = s.ActiveBan(ctx, user, now.Add(time.Hour), 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, "spam", ban.Reason)

		ban, err = s.ActiveBan(ctx, user, now.Add(25*time.Hour), 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, ban, "ban outside the suspension window")

		expires := now.Add(72 * time.Hour)
		_, err = s.CreateBan(ctx, store.Ban{UserID: user, ModeratorID: "mod", Reason: "abuse", CreatedAt: now, ExpiresAt: &expires})
		require.NoError(t, err)

		ban, err = s.ActiveBan(ctx, user, now.Add(48*time.Hour), 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, "abuse", ban.Reason)
	})

	t.Run("reports", func(t *testing.T) {
		r, err := s.CreateReport(ctx, store.Report{ReporterID: "alice", TargetID: "m1", TargetType: "message", Reason: "spam", CreatedAt: now})
		require.NoError(t, err)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, "pending", r.Status)
	})

	t.Run("search", func(t *testing.T) {
		token := "zq" + uuid.NewString()[:8]
		_, err := s.CreateMessage(ctx, store.Message{ChannelID: channel, AuthorID: "alice", Content: "old " + token, CreatedAt: now})
		require.NoError(t, err)
		newer, err := s.CreateMessage(ctx, store.Message{ChannelID: channel, AuthorID: "alice", Content: "new " + token, CreatedAt: now.Add(time.Minute)})
		require.NoError(t, err)

		hits, err := s.SearchSuggestions(ctx, token, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, newer.ID, hits[0].ID, "newest first")
		assert.Equal(t, "message", hits[0].Kind)

		hits, err = s.SearchSuggestions(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestMemory(t *testing.T) {
	exerciseStore(t, store.NewMemory())
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, store.PostgresConfig{URL: url, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, pg.Migrate(ctx))
	require.NoError(t, pg.Migrate(ctx), "migration is idempotent")
	require.NoError(t, pg.Ping(ctx))

	exerciseStore(t, pg)
}

func TestBan_ActiveAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := created.Add(time.Hour)

	tests := []struct {
		name string
		ban  store.Ban
		at   time.Time
		want bool
	}{
		{"within window", store.Ban{CreatedAt: created}, created.Add(time.Hour), true},
		{"window elapsed", store.Ban{CreatedAt: created}, created.Add(24 * time.Hour), false},
		{"before expiry", store.Ban{CreatedAt: created, ExpiresAt: &expires}, created.Add(30 * time.Minute), true},
		{"at expiry", store.Ban{CreatedAt: created, ExpiresAt: &expires}, expires, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ban.ActiveAt(tt.at, 24*time.Hour))
		})
	}
}
