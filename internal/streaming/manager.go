// Package streaming manages live-push subscriptions: each subscriber gets a
// bounded queue fed from the observer bus, an optional periodic snapshot
// ticker, and an idle-eviction deadline. Overflow drops the newest event and
// counts it; a subscriber is never torn down just for being slow.
package streaming

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/pb"
)

// FilterSpec selects which events a subscriber sees. Empty fields match all.
type FilterSpec struct {
	EventTypes []string
	EntityIDs  []string
	Chains     []pb.Chain
}

// compile turns the spec into a bus filter. Entity and chain matching use the
// payload types the fabric publishes; unknown payloads pass entity filters
// only when no entity filter is set.
func (f FilterSpec) compile() events.Filter {
	if len(f.EventTypes) == 0 && len(f.EntityIDs) == 0 && len(f.Chains) == 0 {
		return nil
	}
	types := toSet(f.EventTypes)
	entities := toSet(f.EntityIDs)
	chains := make(map[pb.Chain]struct{}, len(f.Chains))
	for _, c := range f.Chains {
		chains[c] = struct{}{}
	}
	return func(e *events.Event) bool {
		if len(types) > 0 {
			if _, ok := types[e.Topic]; !ok {
				return false
			}
		}
		if len(entities) > 0 {
			if _, ok := entities[entityID(e.Payload)]; !ok {
				return false
			}
		}
		if len(chains) > 0 && !matchesChain(e.Payload, chains) {
			return false
		}
		return true
	}
}

func toSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

func entityID(payload any) string {
	switch p := payload.(type) {
	case *pb.BridgeTransferStatus:
		return p.BridgeId
	case *pb.TransactionStatusInfo:
		return p.TxId
	case *pb.ValidatorStatusUpdate:
		return p.ValidatorId
	case *pb.NodeStatus:
		return p.NodeId
	default:
		return ""
	}
}

func matchesChain(payload any, chains map[pb.Chain]struct{}) bool {
	st, ok := payload.(*pb.BridgeTransferStatus)
	if !ok {
		return false
	}
	if _, ok := chains[st.SourceChain]; ok {
		return true
	}
	_, ok = chains[st.DestChain]
	return ok
}

// Subscriber is one attached stream consumer.
type Subscriber struct {
	ID string

	queue    *events.Queue[*events.Event]
	busSubs  []*events.Subscription
	lastRead int64 // unix nanos, guarded by mu
	mu       sync.Mutex
	closed   bool
	ticker   *time.Ticker
	tickDone chan struct{}
}

// Next blocks up to timeout for the next event and refreshes the idle clock.
func (s *Subscriber) Next(timeout time.Duration) (*events.Event, bool) {
	s.touch()
	return s.queue.Poll(timeout)
}

// Dropped reports how many events overflowed this subscriber's queue.
func (s *Subscriber) Dropped() int64 {
	return s.queue.Dropped()
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastRead = time.Now().UnixNano()
	s.mu.Unlock()
}

func (s *Subscriber) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(time.Unix(0, s.lastRead))
}

// Manager owns the subscriber table and the idle reaper.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber

	cfg    config.StreamingConfig
	bus    *events.Bus
	reg    *metrics.Registry
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewManager(cfg config.StreamingConfig, bus *events.Bus, reg *metrics.Registry) *Manager {
	if cfg.SubscriptionQueueCapacity <= 0 {
		cfg.SubscriptionQueueCapacity = 10000
	}
	m := &Manager{
		subscribers: make(map[string]*Subscriber),
		cfg:         cfg,
		bus:         bus,
		reg:         reg,
		logger:      slog.Default().With("component", "streaming"),
		stopCh:      make(chan struct{}),
	}
	if cfg.IdleTimeoutSeconds > 0 {
		go m.reapIdle(time.Duration(cfg.IdleTimeoutSeconds) * time.Second)
	}
	return m
}

// Attach subscribes the caller to the given topics through the filter. The
// returned subscriber owns a bounded queue; the caller drains it with Next.
func (m *Manager) Attach(topics []string, spec FilterSpec) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New().String(),
		queue:    events.NewQueue[*events.Event](m.cfg.SubscriptionQueueCapacity),
		lastRead: time.Now().UnixNano(),
	}
	filter := spec.compile()
	for _, topic := range topics {
		bs := m.bus.Subscribe(topic, filter, func(e *events.Event) error {
			if !sub.queue.Offer(e) {
				m.reg.Counter("streaming_events_dropped").Inc()
			}
			return nil
		})
		sub.busSubs = append(sub.busSubs, bs)
	}

	m.mu.Lock()
	m.subscribers[sub.ID] = sub
	m.mu.Unlock()
	m.reg.Counter("streaming_subscribers_attached").Inc()
	m.logger.Debug("subscriber attached", "subscriber_id", sub.ID, "topics", topics)
	return sub
}

// AttachPeriodic pushes a fresh snapshot into the subscriber's queue on every
// interval tick in addition to any bus topics.
func (m *Manager) AttachPeriodic(topics []string, spec FilterSpec, interval time.Duration, snapshot func() any) *Subscriber {
	sub := m.Attach(topics, spec)
	if interval <= 0 || snapshot == nil {
		return sub
	}
	sub.ticker = time.NewTicker(interval)
	sub.tickDone = make(chan struct{})
	go func() {
		for {
			select {
			case <-sub.ticker.C:
				e := events.New("snapshot", snapshot())
				if !sub.queue.Offer(e) {
					m.reg.Counter("streaming_events_dropped").Inc()
				}
			case <-sub.tickDone:
				return
			case <-m.stopCh:
				return
			}
		}
	}()
	return sub
}

// Detach evicts the subscriber and releases its bus subscriptions.
func (m *Manager) Detach(sub *Subscriber) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	for _, bs := range sub.busSubs {
		m.bus.Unsubscribe(bs)
	}
	if sub.ticker != nil {
		sub.ticker.Stop()
		close(sub.tickDone)
	}
	m.mu.Lock()
	delete(m.subscribers, sub.ID)
	m.mu.Unlock()
	m.reg.Counter("streaming_subscribers_detached").Inc()
}

// Count reports the number of attached subscribers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// Stop shuts the reaper and all periodic tickers down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// reapInterval is the idle-check period: a quarter of the timeout, at least
// one second.
func reapInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (m *Manager) reapIdle(idle time.Duration) {
	ticker := time.NewTicker(reapInterval(idle))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			var stale []*Subscriber
			for _, sub := range m.subscribers {
				if sub.idleSince(now) > idle {
					stale = append(stale, sub)
				}
			}
			m.mu.Unlock()
			for _, sub := range stale {
				m.logger.Info("evicting idle subscriber", "subscriber_id", sub.ID)
				m.Detach(sub)
				m.reg.Counter("streaming_subscribers_idle_evicted").Inc()
			}
		case <-m.stopCh:
			return
		}
	}
}
