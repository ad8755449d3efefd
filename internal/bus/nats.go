package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
	Logger          zerolog.Logger
}

// NATS publishes envelopes as JSON on realtime.<topic> subjects.
type NATS struct {
	conn      *nats.Conn
	subs      map[Topic]*nats.Subscription
	subsMutex sync.Mutex
	logger    zerolog.Logger
	counters
}

func NewNATS(config NATSConfig) (*NATS, error) {
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.ReconnectJitter == 0 {
		config.ReconnectJitter = 500 * time.Millisecond
	}
	if config.MaxPingsOut == 0 {
		config.MaxPingsOut = 3
	}
	if config.PingInterval == 0 {
		config.PingInterval = 20 * time.Second
	}

	b := &NATS{
		subs:   make(map[Topic]*nats.Subscription),
		logger: config.Logger.With().Str("component", "nats_bus").Logger(),
	}

	conn, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectJitter(config.ReconnectJitter, config.ReconnectJitter),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.PingInterval(config.PingInterval),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	b.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Msg("Connected to NATS")
	return b, nil
}

func (b *NATS) disconnectHandler(_ *nats.Conn, err error) {
	b.errors.Add(1)
	b.logger.Warn().Err(err).Msg("Disconnected from NATS")
}

func (b *NATS) reconnectHandler(conn *nats.Conn) {
	b.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Msg("Reconnected to NATS")
}

func (b *NATS) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	b.errors.Add(1)
	event := b.logger.Error().Err(err)
	if sub != nil {
		event = event.Str("subject", sub.Subject)
	}
	event.Msg("NATS error")
}

func (b *NATS) Publish(ctx context.Context, topic Topic, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.conn.Publish(topic.Subject(), data); err != nil {
		b.errors.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", topic.Subject(), err)
	}
	b.published.Add(1)
	return nil
}

func (b *NATS) Subscribe(topic Topic, handler Handler) error {
	b.subsMutex.Lock()
	defer b.subsMutex.Unlock()

	if _, exists := b.subs[topic]; exists {
		return fmt.Errorf("already subscribed to %s", topic.Subject())
	}

	sub, err := b.conn.Subscribe(topic.Subject(), func(msg *nats.Msg) {
		defer monitoring.RecoverPanic(b.logger, "natsHandler", map[string]any{"subject": msg.Subject})

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.errors.Add(1)
			b.logger.Warn().
				Err(err).
				Str("subject", msg.Subject).
				Msg("Dropping malformed envelope")
			return
		}
		b.received.Add(1)
		handler(context.Background(), env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic.Subject(), err)
	}

	b.subs[topic] = sub
	b.logger.Debug().
		Str("subject", topic.Subject()).
		Msg("Subscribed to NATS subject")
	return nil
}

func (b *NATS) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *NATS) Stats() Stats {
	return b.stats()
}

func (b *NATS) Driver() string {
	return "nats"
}

// Close drains subscriptions then closes the connection.
func (b *NATS) Close() error {
	b.subsMutex.Lock()
	defer b.subsMutex.Unlock()

	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().
				Err(err).
				Str("subject", topic.Subject()).
				Msg("Error unsubscribing")
		}
	}
	b.subs = make(map[Topic]*nats.Subscription)

	if b.conn != nil {
		b.conn.Close()
		b.logger.Info().Msg("NATS connection closed")
	}
	return nil
}
