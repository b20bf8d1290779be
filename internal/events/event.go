// Package events provides the fabric's observer bus and bounded hand-off
// queues. Everything that changes state in the fabric announces itself here;
// the streaming services fan those announcements out to subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Well-known topics.
const (
	TopicBridgeStatus    = "bridge.status"
	TopicBridgePending   = "bridge.pending"
	TopicConsensusStatus = "consensus.status"
	TopicTxStatus        = "tx.status"
	TopicValidator       = "validator.update"
	TopicModelInstalled  = "ordering.model.installed"
)

// Event is an immutable fabric event.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event with a fresh ID and timestamp.
func New(topic string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Filter decides whether a subscriber wants an event. A nil filter matches all.
type Filter func(*Event) bool

// Sink receives events for one subscriber. A sink returning an error closes
// the subscription; it is never retried.
type Sink func(*Event) error
