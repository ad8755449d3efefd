// Package handlers implements the inbound event surface. Every event name maps
// to one typed handler in a table built once by NewDispatcher; payloads are
// decoded and validated before the handler runs, and every outcome becomes an
// ack frame.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/limits"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/store"
	"github.com/adred-codev/realtime/internal/voice"
)

// Inbound is a client frame.
type Inbound struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack is the reply to every inbound frame that carries an ackId.
type Ack struct {
	Event   string    `json:"event"`
	AckID   string    `json:"ackId,omitempty"`
	Success bool      `json:"success"`
	Error   *AckError `json:"error,omitempty"`
	Data    any       `json:"data,omitempty"`
}

type handlerFunc func(ctx context.Context, caller session.Info, raw json.RawMessage) (any, error)

type Config struct {
	Registry     *session.Registry
	Hub          *fanout.Hub
	Voice        *voice.Manager
	Store        store.Store
	Breakers     *breaker.Executor
	Limiter      limits.Limiter
	Authorizer   auth.Authorizer
	Exporter     *monitoring.Exporter
	Audit        *monitoring.AuditLogger
	SuggestCache int // entries, default 1024
	Clock        clock.Clock
	Logger       zerolog.Logger
}

type Dispatcher struct {
	handlers map[string]handlerFunc

	registry   *session.Registry
	hub        *fanout.Hub
	voice      *voice.Manager
	store      store.Store
	breakers   *breaker.Executor
	limiter    limits.Limiter
	authorizer auth.Authorizer
	exporter   *monitoring.Exporter
	audit      *monitoring.AuditLogger
	suggest    *lru.Cache[string, []store.Suggestion]
	clock      clock.Clock
	logger     zerolog.Logger
}

// on registers fn under name. The payload is decoded into E and validated
// before fn runs.
func on[E Event](d *Dispatcher, name string, fn func(context.Context, session.Info, E) (any, error)) {
	d.handlers[name] = func(ctx context.Context, caller session.Info, raw json.RawMessage) (any, error) {
		var e E
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, apperr.Validation("invalid %s payload", name)
			}
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		return fn(ctx, caller, e)
	}
}

func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.SuggestCache <= 0 {
		config.SuggestCache = 1024
	}
	cache, err := lru.New[string, []store.Suggestion](config.SuggestCache)
	if err != nil {
		return nil, fmt.Errorf("create suggestion cache: %w", err)
	}

	d := &Dispatcher{
		handlers:   make(map[string]handlerFunc),
		registry:   config.Registry,
		hub:        config.Hub,
		voice:      config.Voice,
		store:      config.Store,
		breakers:   config.Breakers,
		limiter:    config.Limiter,
		authorizer: config.Authorizer,
		exporter:   config.Exporter,
		audit:      config.Audit,
		suggest:    cache,
		clock:      config.Clock,
		logger:     config.Logger.With().Str("component", "dispatcher").Logger(),
	}

	on(d, "heartbeat", d.heartbeat)

	on(d, "channel:join", d.channelJoin)
	on(d, "channel:leave", d.channelLeave)
	on(d, "activity:subscribe", d.activitySubscribe)
	on(d, "activity:unsubscribe", d.activityUnsubscribe)

	on(d, "message:send", d.messageSend)
	on(d, "message:edit", d.messageEdit)
	on(d, "message:delete", d.messageDelete)
	on(d, "reaction:add", d.reactionAdd)
	on(d, "reaction:remove", d.reactionRemove)
	on(d, "typing:start", d.typingStart)
	on(d, "typing:stop", d.typingStop)
	on(d, "presence:update", d.presenceUpdate)

	on(d, "vote:cast", d.voteCast)
	on(d, "comment:create", d.commentCreate)
	on(d, "search:suggest", d.searchSuggest)

	on(d, "voice:join", d.voiceJoin)
	on(d, "voice:leave", d.voiceLeave)
	on(d, "voice:update_state", d.voiceUpdateState)
	on(d, "screenshare:start", d.screenShareStart)
	on(d, "screenshare:stop", d.screenShareStop)
	on(d, "screenshare:view", d.screenShareView)
	on(d, "screenshare:unview", d.screenShareUnview)

	on(d, "moderation:report", d.moderationReport)
	on(d, "moderation:action", d.moderationAction)
	on(d, "moderation:subscribe", d.moderationSubscribe)

	if d.hub != nil {
		d.hub.OnRemote(enforceEvent, d.handleRemoteEnforcement)
	}
	return d, nil
}

// Events lists the registered event names, sorted.
func (d *Dispatcher) Events() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for in and returns its ack. Handler errors and
// panics never escape; they become failed acks.
func (d *Dispatcher) Dispatch(ctx context.Context, caller session.Info, in Inbound) (ack Ack) {
	ack = Ack{Event: "ack", AckID: in.AckID}

	h, ok := d.handlers[in.Event]
	if !ok {
		d.count("unknown", apperr.CodeUnknownEvent)
		return d.fail(ack, caller, in.Event, apperr.New(apperr.KindValidation, apperr.CodeUnknownEvent, "unknown event "+in.Event))
	}

	if d.limiter != nil && !d.limiter.Allow(caller.UserID, in.Event) {
		if d.exporter != nil {
			d.exporter.IncRateLimited(in.Event)
		}
		if d.audit != nil {
			d.audit.ForSession(caller.ID).Warning("rate_limited", "Event rejected by rate limiter", map[string]any{
				"user_id": caller.UserID,
				"event":   in.Event,
			})
		}
		d.count(in.Event, apperr.CodeRateLimitExceeded)
		return d.fail(ack, caller, in.Event, apperr.RateLimited(in.Event))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", in.Event).
				Str("session_id", caller.ID).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Handler panic recovered")
			d.count(in.Event, apperr.CodeInternal)
			ack = d.fail(Ack{Event: "ack", AckID: in.AckID}, caller, in.Event, fmt.Errorf("panic in %s", in.Event))
		}
	}()

	data, err := h(ctx, caller, in.Data)
	if err != nil {
		d.count(in.Event, apperr.CodeOf(err))
		return d.fail(ack, caller, in.Event, err)
	}
	d.count(in.Event, "ok")
	ack.Success = true
	ack.Data = data
	return ack
}

func (d *Dispatcher) count(event, result string) {
	if d.exporter != nil {
		d.exporter.IncEvent(event, result)
	}
}

func (d *Dispatcher) fail(ack Ack, caller session.Info, event string, err error) Ack {
	switch apperr.KindOf(err) {
	case apperr.KindInternal, apperr.KindDependency:
		monitoring.LogError(d.logger, err, "Event handler failed", map[string]any{
			"event":      event,
			"session_id": caller.ID,
			"user_id":    caller.UserID,
		})
	case apperr.KindCircuitOpen:
		d.logger.Warn().Str("event", event).Str("user_id", caller.UserID).Msg("Event rejected, dependency circuit open")
	default:
		d.logger.Debug().Err(err).Str("event", event).Str("user_id", caller.UserID).Msg("Event rejected")
	}
	ack.Success = false
	ack.Error = &AckError{Code: apperr.CodeOf(err), Message: apperr.MessageOf(err)}
	return ack
}

// storage runs op through the storage breaker. A non-domain failure surfaces
// as DEPENDENCY_FAILURE.
func storage[T any](ctx context.Context, d *Dispatcher, op func(context.Context) (T, error)) (T, error) {
	v, err := breaker.Execute(ctx, d.breakers, breaker.Storage, op, nil)
	return v, storageErr(err)
}

func storageErr(err error) error {
	if err != nil && apperr.KindOf(err) == apperr.KindInternal {
		return apperr.Dependency(err, breaker.Storage)
	}
	return err
}

// member requires the caller's session to have joined roomID.
func (d *Dispatcher) member(caller session.Info, roomID string) error {
	if !d.registry.IsMember(caller.ID, roomID) {
		return apperr.Permission("join " + roomID + " first")
	}
	return nil
}
