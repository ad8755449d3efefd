// Package fanout delivers room events to local members and mirrors them to
// other processes over the bus.
//
// Two enqueue paths exist and never mix: EmitToRoom delivers locally and
// publishes; envelopes arriving from the bus are delivered locally only.
// Envelopes carrying this node's own origin are dropped on receipt.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/session"
)

// Frame is the outbound wire shape.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func EncodeFrame(event string, payload any) ([]byte, json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, nil, err
	}
	return frame, data, nil
}

// RemoteHook observes envelopes received from other nodes before local delivery.
type RemoteHook func(ctx context.Context, env bus.Envelope)

type Config struct {
	NodeID   string
	Registry *session.Registry
	Bus      bus.Bus
	Breakers *breaker.Executor
	Exporter *monitoring.Exporter
	// Pool, when set, runs remote deliveries off the bus goroutine. Nil
	// delivers inline.
	Pool   *WorkerPool
	Logger zerolog.Logger
}

type Hub struct {
	nodeID   string
	registry *session.Registry
	bus      bus.Bus
	breakers *breaker.Executor
	exporter *monitoring.Exporter
	pool     *WorkerPool
	logger   zerolog.Logger

	hooksMu sync.RWMutex
	hooks   map[string][]RemoteHook

	published     atomic.Int64
	publishFailed atomic.Int64
	received      atomic.Int64
	echoes        atomic.Int64
}

func NewHub(config Config) *Hub {
	return &Hub{
		nodeID:   config.NodeID,
		registry: config.Registry,
		bus:      config.Bus,
		breakers: config.Breakers,
		exporter: config.Exporter,
		pool:     config.Pool,
		logger:   config.Logger.With().Str("component", "fanout").Logger(),
		hooks:    make(map[string][]RemoteHook),
	}
}

// Start subscribes to every bus topic.
func (h *Hub) Start() error {
	if h.bus == nil {
		return nil
	}
	for _, topic := range bus.Topics {
		if err := h.bus.Subscribe(topic, h.handleRemote); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	h.logger.Info().
		Str("node_id", h.nodeID).
		Str("driver", h.bus.Driver()).
		Int("topics", len(bus.Topics)).
		Msg("Fanout subscribed to bus")
	return nil
}

// OnRemote registers a hook for a remotely originated event.
func (h *Hub) OnRemote(event string, hook RemoteHook) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.hooks[event] = append(h.hooks[event], hook)
}

func (h *Hub) Join(sessionID, roomID string) error {
	return h.registry.JoinRoom(sessionID, roomID)
}

func (h *Hub) Leave(sessionID, roomID string) error {
	return h.registry.LeaveRoom(sessionID, roomID)
}

// EmitToRoom delivers to local members of roomID and publishes to the bus
// when the event belongs to a bus topic. Bus failures are recorded by the
// bus breaker and logged; local delivery has already happened.
func (h *Hub) EmitToRoom(ctx context.Context, roomID, event string, payload any) {
	frame, data, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Dropping unencodable event")
		return
	}

	h.deliverLocal(roomID, frame)

	if topic, ok := bus.TopicFor(event); ok {
		h.publish(ctx, topic, bus.Envelope{Origin: h.nodeID, RoomID: roomID, Event: event, Payload: data})
	}
}

func (h *Hub) EmitToUser(ctx context.Context, userID, event string, payload any) {
	h.EmitToRoom(ctx, session.UserRoom(userID), event, payload)
}

// EmitLocal delivers to local members only. Used for node-local
// observations such as metrics and alerts.
func (h *Hub) EmitLocal(roomID, event string, payload any) {
	frame, _, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Dropping unencodable event")
		return
	}
	h.deliverLocal(roomID, frame)
}

// EmitToSession sends directly to one connection (acks, pong, errors).
func (h *Hub) EmitToSession(sessionID, event string, payload any) bool {
	frame, _, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Dropping unencodable event")
		return false
	}
	ok := h.registry.DeliverSession(sessionID, frame)
	if !ok && h.exporter != nil {
		h.exporter.IncDeliveryDropped()
	}
	return ok
}

// Broadcast publishes an envelope without local delivery. Other nodes run
// their RemoteHooks for it.
func (h *Hub) Broadcast(ctx context.Context, event string, payload any) {
	topic, ok := bus.TopicFor(event)
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Dropping unencodable broadcast")
		return
	}
	h.publish(ctx, topic, bus.Envelope{Origin: h.nodeID, Event: event, Payload: data})
}

func (h *Hub) deliverLocal(roomID string, frame []byte) {
	_, dropped := h.registry.DeliverRoom(roomID, frame)
	if dropped > 0 && h.exporter != nil {
		for i := 0; i < dropped; i++ {
			h.exporter.IncDeliveryDropped()
		}
	}
}

func (h *Hub) publish(ctx context.Context, topic bus.Topic, env bus.Envelope) {
	if h.bus == nil {
		return
	}
	failed := false
	_ = h.breakers.Do(ctx, breaker.Bus, func(ctx context.Context) error {
		return h.bus.Publish(ctx, topic, env)
	}, func(_ context.Context, err error) error {
		failed = true
		h.publishFailed.Add(1)
		h.logger.Warn().
			Err(err).
			Str("topic", string(topic)).
			Str("event", env.Event).
			Msg("Bus publish skipped")
		return nil
	})
	if failed {
		return
	}
	h.published.Add(1)
	if h.exporter != nil {
		h.exporter.IncBusMessage("out")
	}
}

func (h *Hub) handleRemote(ctx context.Context, env bus.Envelope) {
	if env.Origin == h.nodeID {
		h.echoes.Add(1)
		return
	}
	h.received.Add(1)
	if h.exporter != nil {
		h.exporter.IncBusMessage("in")
	}

	if h.pool == nil {
		h.applyRemote(ctx, env)
		return
	}
	key := env.RoomID
	if key == "" {
		key = env.Event
	}
	if !h.pool.Submit(key, func() { h.applyRemote(ctx, env) }) {
		if h.exporter != nil {
			h.exporter.IncDeliveryDropped()
		}
		h.logger.Warn().Str("event", env.Event).Str("room_id", env.RoomID).Msg("Delivery pool full, dropping remote envelope")
	}
}

func (h *Hub) applyRemote(ctx context.Context, env bus.Envelope) {
	h.hooksMu.RLock()
	hooks := append([]RemoteHook(nil), h.hooks[env.Event]...)
	h.hooksMu.RUnlock()
	for _, hook := range hooks {
		monitoring.Guard(h.logger, "remoteHook", func() { hook(ctx, env) })
	}

	if env.RoomID == "" {
		return
	}
	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Payload})
	if err != nil {
		h.logger.Warn().Err(err).Str("event", env.Event).Msg("Dropping remote envelope")
		return
	}
	h.deliverLocal(env.RoomID, frame)
}

type Stats struct {
	Published     int64 `json:"published"`
	PublishFailed int64 `json:"publishFailed"`
	Received      int64 `json:"received"`
	Echoes        int64 `json:"echoes"`
	PoolDropped   int64 `json:"poolDropped"`
	PoolQueued    int   `json:"poolQueued"`
}

func (h *Hub) Stats() Stats {
	st := Stats{
		Published:     h.published.Load(),
		PublishFailed: h.publishFailed.Load(),
		Received:      h.received.Load(),
		Echoes:        h.echoes.Load(),
	}
	if h.pool != nil {
		st.PoolDropped = h.pool.Dropped()
		st.PoolQueued = h.pool.QueueDepth()
	}
	return st
}
