package events

import (
	"log/slog"
	"time"

	"github.com/cskr/pubsub"
)

// Topics published by the scheduler.
const (
	TopicNodeJoined      = "node.joined"
	TopicNodeQuarantined = "node.quarantined"
	TopicTaskDispatched  = "task.dispatched"
	TopicTaskCompleted   = "task.completed"
	TopicTaskFailed      = "task.failed"
	TopicShardAssigned   = "shard.assigned"
)

// AllTopics lists every topic the bus carries, for bridges that mirror
// the full stream.
func AllTopics() []string {
	return []string{
		TopicNodeJoined,
		TopicNodeQuarantined,
		TopicTaskDispatched,
		TopicTaskCompleted,
		TopicTaskFailed,
		TopicShardAssigned,
	}
}

// Event is one scheduler occurrence.
type Event struct {
	Topic   string      `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Bus is the in-process event fanout. Subscribers receive Event values.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

// NewBus creates a bus whose subscriber channels buffer up to capacity
// events.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ps:     pubsub.New(capacity),
		logger: logger.With("component", "events"),
	}
}

// Publish fans an event out to the topic's subscribers. Non-blocking
// for the caller; a full subscriber buffer drops at the subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	evt := Event{
		Topic:   topic,
		At:      time.Now(),
		Payload: payload,
	}
	b.ps.TryPub(evt, topic)
	b.logger.Debug("event published", "topic", topic)
}

// Subscribe returns a channel receiving events for the given topics.
func (b *Bus) Subscribe(topics ...string) chan interface{} {
	return b.ps.Sub(topics...)
}

// Unsubscribe detaches a subscriber channel from topics.
func (b *Bus) Unsubscribe(ch chan interface{}, topics ...string) {
	b.ps.Unsub(ch, topics...)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.ps.Shutdown()
}
