package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers []string
	// ConsumerGroup is suffixed with the node id so every process sees every
	// envelope (fanout, not work sharing).
	ConsumerGroup string
	NodeID        string
	Logger        zerolog.Logger
}

// Kafka carries envelopes on realtime.<topic> Kafka topics, keyed by room id
// so a room's events stay ordered within a partition.
type Kafka struct {
	client    *kgo.Client
	handlers  map[string]Handler
	mu        sync.RWMutex
	connected atomic.Bool
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	counters
}

func NewKafka(config KafkaConfig) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	logger := config.Logger.With().Str("component", "kafka_bus").Logger()

	subjects := make([]string, 0, len(Topics))
	for _, t := range Topics {
		subjects = append(subjects, t.Subject())
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.ConsumerGroup+"-"+config.NodeID),
		kgo.ConsumeTopics(subjects...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().
				Interface("partitions", assigned).
				Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().
				Interface("partitions", revoked).
				Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach kafka brokers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kafka{
		client:   client,
		handlers: make(map[string]Handler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	k.connected.Store(true)

	k.wg.Add(1)
	go k.consumeLoop()

	logger.Info().
		Strs("brokers", config.Brokers).
		Strs("topics", subjects).
		Msg("Kafka bus started")
	return k, nil
}

func (k *Kafka) consumeLoop() {
	defer k.wg.Done()
	defer monitoring.RecoverPanic(k.logger, "kafkaConsumeLoop", nil)

	for {
		fetches := k.client.PollFetches(k.ctx)
		if fetches.IsClientClosed() || k.ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			k.connected.Store(false)
			for _, err := range errs {
				k.errors.Add(1)
				k.logger.Error().
					Err(err.Err).
					Str("topic", err.Topic).
					Int32("partition", err.Partition).
					Msg("Fetch error")
			}
			continue
		}
		k.connected.Store(true)

		fetches.EachRecord(k.processRecord)
	}
}

func (k *Kafka) processRecord(record *kgo.Record) {
	k.mu.RLock()
	handler, ok := k.handlers[record.Topic]
	k.mu.RUnlock()
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(record.Value, &env); err != nil {
		k.errors.Add(1)
		k.logger.Warn().
			Err(err).
			Str("topic", record.Topic).
			Msg("Dropping malformed envelope")
		return
	}

	k.received.Add(1)
	monitoring.Guard(k.logger, "kafkaHandler", func() { handler(k.ctx, env) })
}

func (k *Kafka) Publish(ctx context.Context, topic Topic, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	record := &kgo.Record{
		Topic: topic.Subject(),
		Key:   []byte(env.RoomID),
		Value: data,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		k.errors.Add(1)
		return fmt.Errorf("failed to produce to %s: %w", topic.Subject(), err)
	}
	k.published.Add(1)
	return nil
}

func (k *Kafka) Subscribe(topic Topic, handler Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.handlers[topic.Subject()]; exists {
		return fmt.Errorf("already subscribed to %s", topic.Subject())
	}
	k.handlers[topic.Subject()] = handler
	return nil
}

func (k *Kafka) Connected() bool {
	return k.connected.Load()
}

func (k *Kafka) Stats() Stats {
	return k.stats()
}

func (k *Kafka) Driver() string {
	return "kafka"
}

func (k *Kafka) Close() error {
	k.cancel()
	k.client.Close()
	k.wg.Wait()
	k.connected.Store(false)

	stats := k.stats()
	k.logger.Info().
		Int64("published", stats.Published).
		Int64("received", stats.Received).
		Msg("Kafka bus stopped")
	return nil
}
