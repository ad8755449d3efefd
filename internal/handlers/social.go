package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/store"
)

func (d *Dispatcher) voteCast(ctx context.Context, caller session.Info, e VoteCast) (any, error) {
	counts, err := storage(ctx, d, func(ctx context.Context) (store.VoteCounts, error) {
		return d.store.CastVote(ctx, store.Vote{
			TargetID:   e.TargetID,
			TargetType: e.TargetType,
			UserID:     caller.UserID,
			VoteType:   e.VoteType,
		})
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"targetId":   e.TargetID,
		"targetType": e.TargetType,
		"voteType":   e.VoteType,
		"userId":     caller.UserID,
		"newCounts":  counts,
	}
	d.hub.EmitToRoom(ctx, targetRoom(e.TargetType, e.TargetID), "vote:update", out)
	return out, nil
}

type commentEvent struct {
	store.Comment
	Author author `json:"author"`
}

func (d *Dispatcher) commentCreate(ctx context.Context, caller session.Info, e CommentCreate) (any, error) {
	c, err := storage(ctx, d, func(ctx context.Context) (store.Comment, error) {
		return d.store.CreateComment(ctx, store.Comment{
			PostID:    e.PostID,
			ParentID:  e.ParentID,
			AuthorID:  caller.UserID,
			Content:   e.Content,
			CreatedAt: d.clock.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	out := commentEvent{Comment: c, Author: authorOf(caller)}
	d.hub.EmitToRoom(ctx, targetRoom("post", e.PostID), "comment:new", out)
	return out, nil
}

type suggestions struct {
	Query       string             `json:"query"`
	Suggestions []store.Suggestion `json:"suggestions"`
	Stale       bool               `json:"stale,omitempty"`
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// searchSuggest serves the last good result for the same normalized query
// when storage is failing or its breaker is open.
func (d *Dispatcher) searchSuggest(ctx context.Context, _ session.Info, e SearchSuggest) (any, error) {
	limit := e.Limit
	if limit == 0 {
		limit = defaultSuggest
	}
	query := normalizeQuery(e.Query)
	key := strconv.Itoa(limit) + "|" + query

	stale := false
	results, err := breaker.Execute(ctx, d.breakers, breaker.Storage,
		func(ctx context.Context) ([]store.Suggestion, error) {
			return d.store.SearchSuggestions(ctx, query, limit)
		},
		func(_ context.Context, cause error) ([]store.Suggestion, error) {
			if cached, ok := d.suggest.Get(key); ok {
				stale = true
				return cached, nil
			}
			return nil, cause
		})
	if err != nil {
		return nil, storageErr(err)
	}
	if !stale {
		d.suggest.Add(key, results)
	}
	if results == nil {
		results = []store.Suggestion{}
	}
	return suggestions{Query: query, Suggestions: results, Stale: stale}, nil
}
