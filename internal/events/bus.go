package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chainmesh/fabric/internal/metrics"
)

// SubscriptionState tracks the lifecycle of one subscription.
type SubscriptionState int32

const (
	SubscriptionActive SubscriptionState = iota
	SubscriptionClosing
	SubscriptionClosed
)

// Subscription is the handle returned by Bus.Subscribe.
type Subscription struct {
	ID    string
	Topic string

	filter Filter
	sink   Sink
	state  atomic.Int32
}

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

func (s *Subscription) markClosed() bool {
	return s.state.CompareAndSwap(int32(SubscriptionActive), int32(SubscriptionClosed)) ||
		s.state.CompareAndSwap(int32(SubscriptionClosing), int32(SubscriptionClosed))
}

// Mirror forwards published events to another process (Redis Pub/Sub, GCP
// Pub/Sub). Forward errors are logged, never surfaced to publishers.
type Mirror interface {
	Forward(ctx context.Context, e *Event) error
}

// Bus delivers each published event to every active subscriber of its topic.
//
// The subscriber set per topic is a copy-on-write snapshot: Publish iterates
// the snapshot it loaded, so concurrent subscribe/unsubscribe never
// invalidate iteration and no lock is held while sinks run. Delivery is
// synchronous in the publisher's goroutine, which preserves per-publisher
// order for every subscriber. A failing sink closes its subscription and is
// excluded from the next snapshot; other sinks are unaffected.
type Bus struct {
	mu     sync.Mutex // guards snapshot replacement, not delivery
	topics map[string]*atomic.Pointer[[]*Subscription]

	reg     *metrics.Registry
	mirrors []Mirror
	logger  *slog.Logger
}

func NewBus(reg *metrics.Registry) *Bus {
	return &Bus{
		topics: make(map[string]*atomic.Pointer[[]*Subscription]),
		reg:    reg,
		logger: slog.Default().With("component", "event_bus"),
	}
}

// AddMirror attaches a cross-process mirror. Call before publishing begins.
func (b *Bus) AddMirror(m Mirror) {
	b.mirrors = append(b.mirrors, m)
}

func (b *Bus) topicPtr(topic string) *atomic.Pointer[[]*Subscription] {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.topics[topic]
	if !ok {
		p = &atomic.Pointer[[]*Subscription]{}
		empty := []*Subscription{}
		p.Store(&empty)
		b.topics[topic] = p
	}
	return p
}

// Subscribe registers a sink for a topic. A nil filter matches every event.
func (b *Bus) Subscribe(topic string, filter Filter, sink Sink) *Subscription {
	sub := &Subscription{
		ID:     uuid.New().String(),
		Topic:  topic,
		filter: filter,
		sink:   sink,
	}

	p := b.topicPtr(topic)
	b.mu.Lock()
	old := *p.Load()
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, sub)
	p.Store(&next)
	b.mu.Unlock()

	b.reg.Counter("events.subscriptions").Inc()
	return sub
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.markClosed() {
		return
	}
	b.remove(sub)
}

func (b *Bus) remove(sub *Subscription) {
	p := b.topicPtr(sub.Topic)
	b.mu.Lock()
	old := *p.Load()
	next := make([]*Subscription, 0, len(old))
	for _, s := range old {
		if s.ID != sub.ID {
			next = append(next, s)
		}
	}
	p.Store(&next)
	b.mu.Unlock()
}

// Publish delivers e to every active subscriber whose filter accepts it.
// Errors during delivery never propagate to the publisher.
func (b *Bus) Publish(topic string, e *Event) {
	b.reg.Counter("events.published").Inc()

	snapshot := *b.topicPtr(topic).Load()
	for _, sub := range snapshot {
		if sub.State() != SubscriptionActive {
			continue
		}
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		if err := sub.sink(e); err != nil {
			// Failure isolation: evict this subscriber, keep going.
			if sub.markClosed() {
				b.remove(sub)
				b.reg.Counter("events.sink_failures").Inc()
				b.logger.Warn("subscriber evicted after sink failure",
					"topic", topic, "subscription_id", sub.ID, "error", err)
			}
		}
	}

	for _, m := range b.mirrors {
		if err := m.Forward(context.Background(), e); err != nil {
			b.logger.Warn("event mirror forward failed", "topic", topic, "error", err)
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(topic string, payload any) *Event {
	e := New(topic, payload)
	b.Publish(topic, e)
	return e
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	snapshot := *b.topicPtr(topic).Load()
	n := 0
	for _, s := range snapshot {
		if s.State() == SubscriptionActive {
			n++
		}
	}
	return n
}
