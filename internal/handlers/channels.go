package handlers

import (
	"context"
	"time"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/store"
)

func channelRoom(channelID string) string { return "channel:" + channelID }

func activityRoom(scope string) string { return "activity:" + scope }

// targetRoom is where vote and comment updates for one target are fanned out.
func targetRoom(targetType, targetID string) string {
	return activityRoom(targetType + ":" + targetID)
}

const presenceRoom = "activity:presence"

func (d *Dispatcher) heartbeat(_ context.Context, caller session.Info, _ Heartbeat) (any, error) {
	if err := d.registry.Heartbeat(caller.ID); err != nil {
		return nil, err
	}
	pong := map[string]any{"timestamp": d.clock.Now().UnixMilli()}
	d.hub.EmitToSession(caller.ID, "pong", pong)
	return pong, nil
}

func (d *Dispatcher) channelJoin(_ context.Context, caller session.Info, e ChannelRef) (any, error) {
	if !d.authorizer.CanConnect(caller.Identity(), e.ChannelID) {
		return nil, apperr.Permission("cannot join this channel")
	}
	room := channelRoom(e.ChannelID)
	if err := d.hub.Join(caller.ID, room); err != nil {
		return nil, err
	}
	return map[string]any{"channelId": e.ChannelID, "roomId": room}, nil
}

func (d *Dispatcher) channelLeave(_ context.Context, caller session.Info, e ChannelRef) (any, error) {
	room := channelRoom(e.ChannelID)
	if err := d.member(caller, room); err != nil {
		return nil, apperr.NotFound("not in channel %s", e.ChannelID)
	}
	return map[string]any{"channelId": e.ChannelID}, d.hub.Leave(caller.ID, room)
}

func (d *Dispatcher) activitySubscribe(_ context.Context, caller session.Info, e ActivityScope) (any, error) {
	room := activityRoom(e.Scope)
	if err := d.hub.Join(caller.ID, room); err != nil {
		return nil, err
	}
	return map[string]any{"scope": e.Scope, "roomId": room}, nil
}

func (d *Dispatcher) activityUnsubscribe(_ context.Context, caller session.Info, e ActivityScope) (any, error) {
	room := activityRoom(e.Scope)
	if !d.registry.IsMember(caller.ID, room) {
		return map[string]any{"scope": e.Scope}, nil
	}
	return map[string]any{"scope": e.Scope}, d.hub.Leave(caller.ID, room)
}

type author struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

func authorOf(caller session.Info) author {
	return author{UserID: caller.UserID, Username: caller.Username, DisplayName: caller.DisplayName}
}

type messageEvent struct {
	store.Message
	Author author `json:"author"`
}

func (d *Dispatcher) messageSend(ctx context.Context, caller session.Info, e MessageSend) (any, error) {
	room := channelRoom(e.ChannelID)
	if err := d.member(caller, room); err != nil {
		return nil, err
	}
	msg, err := storage(ctx, d, func(ctx context.Context) (store.Message, error) {
		return d.store.CreateMessage(ctx, store.Message{
			ChannelID: e.ChannelID,
			AuthorID:  caller.UserID,
			Content:   e.Content,
			CreatedAt: d.clock.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	out := messageEvent{Message: msg, Author: authorOf(caller)}
	d.hub.EmitToRoom(ctx, room, "message:new", out)
	return out, nil
}

func (d *Dispatcher) messageEdit(ctx context.Context, caller session.Info, e MessageEdit) (any, error) {
	room := channelRoom(e.ChannelID)
	if err := d.member(caller, room); err != nil {
		return nil, err
	}
	msg, err := storage(ctx, d, func(ctx context.Context) (store.Message, error) {
		return d.store.UpdateMessage(ctx, e.MessageID, caller.UserID, e.Content, d.clock.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	out := messageEvent{Message: msg, Author: authorOf(caller)}
	d.hub.EmitToRoom(ctx, room, "message:updated", out)
	return out, nil
}

func (d *Dispatcher) messageDelete(ctx context.Context, caller session.Info, e MessageDelete) (any, error) {
	room := channelRoom(e.ChannelID)
	if err := d.member(caller, room); err != nil {
		return nil, err
	}
	if _, err := storage(ctx, d, func(ctx context.Context) (store.Message, error) {
		return d.store.DeleteMessage(ctx, e.MessageID, caller.UserID)
	}); err != nil {
		return nil, err
	}
	out := map[string]any{"messageId": e.MessageID, "channelId": e.ChannelID}
	d.hub.EmitToRoom(ctx, room, "message:deleted", out)
	return out, nil
}

func (d *Dispatcher) reactionAdd(ctx context.Context, caller session.Info, e ReactionChange) (any, error) {
	return d.reaction(ctx, caller, e, "add")
}

func (d *Dispatcher) reactionRemove(ctx context.Context, caller session.Info, e ReactionChange) (any, error) {
	return d.reaction(ctx, caller, e, "remove")
}

func (d *Dispatcher) reaction(ctx context.Context, caller session.Info, e ReactionChange, action string) (any, error) {
	room := channelRoom(e.ChannelID)
	if err := d.member(caller, room); err != nil {
		return nil, err
	}
	r := store.Reaction{MessageID: e.MessageID, UserID: caller.UserID, Emoji: e.Emoji}
	counts, err := storage(ctx, d, func(ctx context.Context) (map[string]int, error) {
		if action == "add" {
			return d.store.AddReaction(ctx, r)
		}
		return d.store.RemoveReaction(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"messageId": e.MessageID,
		"channelId": e.ChannelID,
		"userId":    caller.UserID,
		"emoji":     e.Emoji,
		"action":    action,
		"reactions": counts,
	}
	d.hub.EmitToRoom(ctx, room, "reaction:update", out)
	return out, nil
}

func (d *Dispatcher) typingStart(ctx context.Context, caller session.Info, e Typing) (any, error) {
	return d.typing(ctx, caller, e.ChannelID, true)
}

func (d *Dispatcher) typingStop(ctx context.Context, caller session.Info, e Typing) (any, error) {
	return d.typing(ctx, caller, e.ChannelID, false)
}

func (d *Dispatcher) typing(ctx context.Context, caller session.Info, channelID string, typing bool) (any, error) {
	room := channelRoom(channelID)
	if err := d.member(caller, room); err != nil {
		return nil, err
	}
	d.hub.EmitToRoom(ctx, room, "typing:update", map[string]any{
		"channelId":   channelID,
		"userId":      caller.UserID,
		"username":    caller.Username,
		"displayName": caller.DisplayName,
		"isTyping":    typing,
	})
	return nil, nil
}

func (d *Dispatcher) presenceUpdate(ctx context.Context, caller session.Info, e PresenceUpdate) (any, error) {
	out := map[string]any{
		"userId":    caller.UserID,
		"status":    e.Status,
		"updatedAt": d.clock.Now().UTC().Format(time.RFC3339),
	}
	d.hub.EmitToRoom(ctx, presenceRoom, "presence:update", out)
	return out, nil
}
