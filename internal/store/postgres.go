package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/apperr"
)

//go:embed schema.sql
var schema string

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

type PostgresConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	Logger   zerolog.Logger
}

// Postgres is the pgxpool-backed Store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgres(ctx context.Context, config PostgresConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		logger: config.Logger.With().Str("component", "postgres_store").Logger(),
	}
	p.logger.Info().
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Connected to PostgreSQL")
	return p, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	p.logger.Info().Msg("Database schema is up to date")
	return nil
}

const messageColumns = `id, channel_id, author_id, content, created_at, edited_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CreatedAt, &m.EditedAt)
	return m, err
}

func (p *Postgres) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+messageColumns,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, msg.CreatedAt, msg.EditedAt)
	created, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return created, nil
}

func (p *Postgres) UpdateMessage(ctx context.Context, id, authorID, content string, at time.Time) (Message, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE messages SET content = $3, edited_at = $4
		 WHERE id = $1 AND author_id = $2
		 RETURNING `+messageColumns,
		id, authorID, content, at)
	updated, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, p.missingOrForeign(ctx, id, "edit")
	}
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	return updated, nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, id, authorID string) (Message, error) {
	row := p.pool.QueryRow(ctx,
		`DELETE FROM messages WHERE id = $1 AND author_id = $2 RETURNING `+messageColumns,
		id, authorID)
	deleted, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, p.missingOrForeign(ctx, id, "delete")
	}
	if err != nil {
		return Message{}, fmt.Errorf("delete message: %w", err)
	}
	return deleted, nil
}

// missingOrForeign tells a missing message apart from one owned by someone else.
func (p *Postgres) missingOrForeign(ctx context.Context, id, verb string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if !exists {
		return apperr.NotFound("message %s not found", id)
	}
	return apperr.Permission("only the author can " + verb + " this message")
}

func (p *Postgres) AddReaction(ctx context.Context, r Reaction) (map[string]int, error) {
	return p.changeReaction(ctx, r,
		`INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`)
}

func (p *Postgres) RemoveReaction(ctx context.Context, r Reaction) (map[string]int, error) {
	return p.changeReaction(ctx, r,
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`)
}

func (p *Postgres) changeReaction(ctx context.Context, r Reaction, stmt string) (map[string]int, error) {
	counts := make(map[string]int)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, r.MessageID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup message: %w", err)
		}
		if !exists {
			return apperr.NotFound("message %s not found", r.MessageID)
		}
		if _, err := tx.Exec(ctx, stmt, r.MessageID, r.UserID, r.Emoji); err != nil {
			return fmt.Errorf("write reaction: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT emoji, COUNT(*) FROM reactions WHERE message_id = $1 GROUP BY emoji`, r.MessageID)
		if err != nil {
			return fmt.Errorf("count reactions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var emoji string
			var n int
			if err := rows.Scan(&emoji, &n); err != nil {
				return err
			}
			counts[emoji] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (p *Postgres) CastVote(ctx context.Context, v Vote) (VoteCounts, error) {
	var counts VoteCounts
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		switch v.VoteType {
		case VoteUp, VoteDown:
			_, err = tx.Exec(ctx,
				`INSERT INTO votes (target_type, target_id, user_id, vote_type) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (target_type, target_id, user_id) DO UPDATE SET vote_type = EXCLUDED.vote_type`,
				v.TargetType, v.TargetID, v.UserID, v.VoteType)
		case VoteNone:
			_, err = tx.Exec(ctx,
				`DELETE FROM votes WHERE target_type = $1 AND target_id = $2 AND user_id = $3`,
				v.TargetType, v.TargetID, v.UserID)
		default:
			return apperr.Validation("unknown vote type %q", v.VoteType)
		}
		if err != nil {
			return fmt.Errorf("write vote: %w", err)
		}

		return tx.QueryRow(ctx,
			`SELECT COUNT(*) FILTER (WHERE vote_type = 'up'), COUNT(*) FILTER (WHERE vote_type = 'down')
			 FROM votes WHERE target_type = $1 AND target_id = $2`,
			v.TargetType, v.TargetID).Scan(&counts.Up, &counts.Down)
	})
	if err != nil {
		return VoteCounts{}, err
	}
	counts.Score = counts.Up - counts.Down
	return counts, nil
}

func (p *Postgres) CreateComment(ctx context.Context, c Comment) (Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if c.ParentID != nil {
			var postID string
			err := tx.QueryRow(ctx, `SELECT post_id FROM comments WHERE id = $1`, *c.ParentID).Scan(&postID)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && postID != c.PostID) {
				return apperr.NotFound("parent comment %s not found", *c.ParentID)
			}
			if err != nil {
				return fmt.Errorf("lookup parent comment: %w", err)
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO comments (id, post_id, parent_id, author_id, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.PostID, c.ParentID, c.AuthorID, c.Content, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (p *Postgres) CreateReport(ctx context.Context, r Report) (Report, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "pending"
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO reports (id, reporter_id, target_id, target_type, reason, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ReporterID, r.TargetID, r.TargetType, r.Reason, r.Description, r.Status, r.CreatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

func (p *Postgres) CreateBan(ctx context.Context, b Ban) (Ban, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bans (id, user_id, moderator_id, reason, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.UserID, b.ModeratorID, b.Reason, b.CreatedAt, b.ExpiresAt)
	if err != nil {
		return Ban{}, fmt.Errorf("insert ban: %w", err)
	}
	return b, nil
}

func (p *Postgres) ActiveBan(ctx context.Context, userID string, now time.Time, window time.Duration) (*Ban, error) {
	var b Ban
	err := p.pool.QueryRow(ctx,
		`SELECT id, user_id, moderator_id, reason, created_at, expires_at FROM bans
		 WHERE user_id = $1
		   AND ((expires_at IS NOT NULL AND expires_at > $2)
		     OR (expires_at IS NULL AND created_at > $3))
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, now, now.Add(-window)).
		Scan(&b.ID, &b.UserID, &b.ModeratorID, &b.Reason, &b.CreatedAt, &b.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ban: %w", err)
	}
	return &b, nil
}

func (p *Postgres) SearchSuggestions(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	if query == "" || limit <= 0 {
		return nil, nil
	}
	pattern := "%" + likeEscaper.Replace(query) + "%"
	rows, err := p.pool.Query(ctx,
		`SELECT kind, id, text FROM (
		   SELECT 'message' AS kind, id, content AS text, created_at FROM messages WHERE content ILIKE $1
		   UNION ALL
		   SELECT 'comment' AS kind, id, content AS text, created_at FROM comments WHERE content ILIKE $1
		 ) hits
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search suggestions: %w", err)
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var s Suggestion
		if err := rows.Scan(&s.Kind, &s.ID, &s.Text); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
	p.logger.Info().Msg("PostgreSQL pool closed")
}
