package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RedisPubSubClient is the minimal Redis Pub/Sub surface the mirror needs.
// The concrete adapter lives in internal/infra.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisMirror forwards fabric events over Redis Pub/Sub so a multi-pod
// deployment sees the same status stream. It can also replay inbound events
// from other pods onto the local bus.
type RedisMirror struct {
	pubsub RedisPubSubClient
	prefix string
	logger *slog.Logger
}

func NewRedisMirror(client RedisPubSubClient, channelPrefix string) *RedisMirror {
	if channelPrefix == "" {
		channelPrefix = "fabric:events:"
	}
	return &RedisMirror{
		pubsub: client,
		prefix: channelPrefix,
		logger: slog.Default().With("component", "redis_mirror"),
	}
}

// Forward publishes the event on the topic's Redis channel.
func (m *RedisMirror) Forward(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return m.pubsub.Publish(ctx, m.prefix+e.Topic, payload)
}

// Relay subscribes to a topic's Redis channel and republishes inbound events
// on the local bus. Events this pod published come back around; the bus
// deduplicates nothing, so only call Relay on pods that do not publish the
// topic themselves. Returns an unsubscribe function.
func (m *RedisMirror) Relay(ctx context.Context, bus *Bus, topic string) (func(), error) {
	return m.pubsub.Subscribe(ctx, m.prefix+topic, func(payload []byte) {
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			m.logger.Warn("dropping malformed mirrored event", "topic", topic, "error", err)
			return
		}
		bus.Publish(topic, &e)
	})
}

var _ Mirror = (*RedisMirror)(nil)
