// Package bus carries room events between platform processes.
//
// Every envelope is tagged with the node that published it. Subscribers
// receive their own publications back (NATS and Kafka both do this), so
// consumers must drop envelopes whose Origin is their own node id.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
)

// Topic is one feature family on the bus.
type Topic string

const (
	TopicVote        Topic = "vote"
	TopicComment     Topic = "comment"
	TopicActivity    Topic = "activity"
	TopicVoice       Topic = "voice"
	TopicScreenShare Topic = "screenshare"
	TopicReaction    Topic = "reaction"
	TopicModeration  Topic = "moderation"
)

// Topics is the fixed set every process subscribes to.
var Topics = []Topic{
	TopicVote,
	TopicComment,
	TopicActivity,
	TopicVoice,
	TopicScreenShare,
	TopicReaction,
	TopicModeration,
}

// Subject returns the transport-level name for a topic.
func (t Topic) Subject() string {
	return "realtime." + string(t)
}

// TopicFor maps an outbound event name to its bus topic. Events that are
// node-local observations (metrics, alerts, pong) return false.
func TopicFor(event string) (Topic, bool) {
	family, _, _ := strings.Cut(event, ":")
	switch family {
	case "vote":
		return TopicVote, true
	case "comment":
		return TopicComment, true
	case "voice":
		return TopicVoice, true
	case "screenshare":
		return TopicScreenShare, true
	case "reaction":
		return TopicReaction, true
	case "moderation":
		return TopicModeration, true
	case "activity", "message", "typing", "presence":
		return TopicActivity, true
	}
	return "", false
}

// Envelope is the process-to-process message.
type Envelope struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"roomId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes one received envelope.
type Handler func(ctx context.Context, env Envelope)

// Bus is implemented by Local, NATS and Kafka.
type Bus interface {
	Publish(ctx context.Context, topic Topic, env Envelope) error
	Subscribe(topic Topic, handler Handler) error
	Connected() bool
	Stats() Stats
	Driver() string
	Close() error
}

type Stats struct {
	Published int64 `json:"published"`
	Received  int64 `json:"received"`
	Errors    int64 `json:"errors"`
}

type counters struct {
	published atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		Published: c.published.Load(),
		Received:  c.received.Load(),
		Errors:    c.errors.Load(),
	}
}
