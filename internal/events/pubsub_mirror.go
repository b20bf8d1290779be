package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubMirror forwards every published fabric event to a Google Cloud
// Pub/Sub topic for durable, cross-process delivery. The in-memory Bus stays
// authoritative for local subscribers; the mirror is fire-and-forget.
type PubSubMirror struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubMirror connects to Pub/Sub and ensures the topic exists.
func NewPubSubMirror(projectID, topicID string) (*PubSubMirror, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	return &PubSubMirror{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}, nil
}

// Forward publishes the event as a Pub/Sub message. The publish result is
// checked off the hot path.
func (m *PubSubMirror) Forward(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event-id":    e.ID,
			"event-topic": e.Topic,
			"event-time":  e.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: e.Topic, // per-topic ordering
	}

	result := m.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			m.logger.Printf("publish failed: %s -> %v", e.ID, err)
		}
	}()
	return nil
}

// Close stops the topic publisher and closes the client.
func (m *PubSubMirror) Close() error {
	m.topic.Stop()
	return m.client.Close()
}

var _ Mirror = (*PubSubMirror)(nil)
