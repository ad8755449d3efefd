package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/store"
)

const (
	reportsRoom = "moderation:reports"
	// SystemRoom receives node-local metrics, alerts and breaker events.
	SystemRoom = "moderation:system"

	enforceEvent = "moderation:enforce"
)

// enforcement travels on the moderation topic so every node applies it to
// the sessions it hosts.
type enforcement struct {
	TargetUserID string `json:"targetUserId"`
	Action       string `json:"action"`
	Reason       string `json:"reason"`
	ModeratorID  string `json:"moderatorId"`
}

func (d *Dispatcher) moderationReport(ctx context.Context, caller session.Info, e ModerationReport) (any, error) {
	report, err := storage(ctx, d, func(ctx context.Context) (store.Report, error) {
		return d.store.CreateReport(ctx, store.Report{
			ReporterID:  caller.UserID,
			TargetID:    e.TargetID,
			TargetType:  e.TargetType,
			Reason:      e.Reason,
			Description: e.Description,
			Status:      "pending",
			CreatedAt:   d.clock.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	d.hub.EmitToRoom(ctx, reportsRoom, "moderation:new_report", map[string]any{
		"reportId":    report.ID,
		"reporterId":  report.ReporterID,
		"targetId":    report.TargetID,
		"targetType":  report.TargetType,
		"reason":      report.Reason,
		"description": report.Description,
		"createdAt":   report.CreatedAt,
	})
	if d.audit != nil {
		d.audit.ForSession(caller.ID).Info("moderation_report", "Content reported", map[string]any{
			"report_id":   report.ID,
			"target_id":   report.TargetID,
			"target_type": report.TargetType,
		})
	}
	return map[string]any{"reportId": report.ID, "status": report.Status}, nil
}

func (d *Dispatcher) moderationAction(ctx context.Context, caller session.Info, e ModerationAction) (any, error) {
	if !d.authorizer.CanModerate(caller.Identity()) {
		return nil, apperr.Permission("moderator role required")
	}
	if e.TargetUserID == caller.UserID {
		return nil, apperr.Validation("moderators cannot act on themselves")
	}

	now := d.clock.Now().UTC()
	out := map[string]any{"action": e.Action, "targetUserId": e.TargetUserID}
	notice := map[string]any{"action": e.Action, "reason": e.Reason}

	if e.Action == ActionBan {
		ban := store.Ban{UserID: e.TargetUserID, ModeratorID: caller.UserID, Reason: e.Reason, CreatedAt: now}
		if e.DurationMs > 0 {
			expires := now.Add(time.Duration(e.DurationMs) * time.Millisecond)
			ban.ExpiresAt = &expires
			notice["expiresAt"] = expires
		}
		saved, err := storage(ctx, d, func(ctx context.Context) (store.Ban, error) {
			return d.store.CreateBan(ctx, ban)
		})
		if err != nil {
			return nil, err
		}
		out["banId"] = saved.ID
	}

	// The notice goes first so the target sees it before being disconnected.
	d.hub.EmitToUser(ctx, e.TargetUserID, "moderation:notice", notice)

	enf := enforcement{TargetUserID: e.TargetUserID, Action: e.Action, Reason: e.Reason, ModeratorID: caller.UserID}
	out["affected"] = d.enforce(ctx, enf)
	if e.Action != ActionWarn {
		d.hub.Broadcast(ctx, enforceEvent, enf)
	}

	d.hub.EmitToRoom(ctx, reportsRoom, "moderation:action_taken", map[string]any{
		"action":       e.Action,
		"targetUserId": e.TargetUserID,
		"moderatorId":  caller.UserID,
		"reason":       e.Reason,
		"timestamp":    now,
	})
	if d.audit != nil {
		d.audit.ForSession(caller.ID).Warning("moderation_action", "Moderation action applied", map[string]any{
			"action":         e.Action,
			"target_user_id": e.TargetUserID,
			"moderator_id":   caller.UserID,
			"reason":         e.Reason,
		})
	}
	return out, nil
}

// enforce applies an action to the sessions hosted by this node and returns
// how many sessions or voice participations it touched.
func (d *Dispatcher) enforce(ctx context.Context, enf enforcement) int {
	switch enf.Action {
	case ActionKick:
		return d.registry.DisconnectUser(enf.TargetUserID, session.ReasonKicked)
	case ActionBan:
		return d.registry.DisconnectUser(enf.TargetUserID, session.ReasonBanned)
	case ActionMute:
		if d.voice == nil {
			return 0
		}
		return d.voice.RevokeSpeak(ctx, enf.TargetUserID)
	}
	return 0
}

func (d *Dispatcher) handleRemoteEnforcement(ctx context.Context, env bus.Envelope) {
	var enf enforcement
	if err := json.Unmarshal(env.Payload, &enf); err != nil {
		d.logger.Warn().Err(err).Str("origin", env.Origin).Msg("Dropping malformed enforcement")
		return
	}
	n := d.enforce(ctx, enf)
	d.logger.Info().
		Str("origin", env.Origin).
		Str("action", enf.Action).
		Str("target_user_id", enf.TargetUserID).
		Int("affected", n).
		Msg("Applied remote moderation action")
}

func (d *Dispatcher) moderationSubscribe(_ context.Context, caller session.Info, _ ModerationSubscribe) (any, error) {
	if !d.authorizer.CanModerate(caller.Identity()) {
		return nil, apperr.Permission("moderator role required")
	}
	for _, room := range []string{reportsRoom, SystemRoom} {
		if err := d.hub.Join(caller.ID, room); err != nil {
			return nil, err
		}
	}
	return map[string]any{"rooms": []string{reportsRoom, SystemRoom}}, nil
}
