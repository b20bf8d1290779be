package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmesh/fabric/internal/metrics"
)

func newTestBus() (*Bus, *metrics.Registry) {
	reg := metrics.NewRegistry()
	return NewBus(reg), reg
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus, _ := newTestBus()

	var got []string
	bus.Subscribe(TopicBridgeStatus, nil, func(e *Event) error {
		got = append(got, e.Payload.(string))
		return nil
	})

	bus.Emit(TopicBridgeStatus, "a")
	bus.Emit(TopicBridgeStatus, "b")
	bus.Emit(TopicBridgeStatus, "c")

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestFilterSkipsNonMatching(t *testing.T) {
	bus, _ := newTestBus()

	var got []string
	bus.Subscribe(TopicTxStatus, func(e *Event) bool {
		return e.Payload.(string) != "skip"
	}, func(e *Event) error {
		got = append(got, e.Payload.(string))
		return nil
	})

	bus.Emit(TopicTxStatus, "keep")
	bus.Emit(TopicTxStatus, "skip")
	bus.Emit(TopicTxStatus, "keep2")

	assert.Equal(t, []string{"keep", "keep2"}, got)
}

func TestFailingSinkEvicted(t *testing.T) {
	bus, reg := newTestBus()

	var healthy []string
	bus.Subscribe(TopicBridgeStatus, nil, func(e *Event) error {
		return errors.New("sink broken")
	})
	bus.Subscribe(TopicBridgeStatus, nil, func(e *Event) error {
		healthy = append(healthy, e.Payload.(string))
		return nil
	})

	bus.Emit(TopicBridgeStatus, "first")
	bus.Emit(TopicBridgeStatus, "second")

	assert.Equal(t, []string{"first", "second"}, healthy)
	assert.Equal(t, 1, bus.SubscriberCount(TopicBridgeStatus))
	assert.Equal(t, int64(1), reg.Snapshot().Counters["events.sink_failures"])
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus, _ := newTestBus()

	calls := 0
	sub := bus.Subscribe(TopicValidator, nil, func(e *Event) error {
		calls++
		return nil
	})

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(nil)

	bus.Emit(TopicValidator, "after")
	assert.Zero(t, calls)
	assert.Equal(t, SubscriptionClosed, sub.State())
}

func TestConcurrentSubscribePublish(t *testing.T) {
	bus, _ := newTestBus()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(TopicConsensusStatus, nil, func(e *Event) error {
				mu.Lock()
				total++
				mu.Unlock()
				return nil
			})
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(TopicConsensusStatus, "tick")
		}()
	}
	wg.Wait()

	require.Equal(t, 8, bus.SubscriberCount(TopicConsensusStatus))

	// Every subscriber registered by now sees a fresh publish.
	before := total
	bus.Emit(TopicConsensusStatus, "settle")
	assert.Equal(t, before+8, total)
}

type recordingMirror struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (m *recordingMirror) Forward(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestMirrorReceivesEveryPublish(t *testing.T) {
	bus, _ := newTestBus()
	mirror := &recordingMirror{}
	bus.AddMirror(mirror)

	bus.Emit(TopicBridgeStatus, "x")
	bus.Emit(TopicTxStatus, "y")

	require.Len(t, mirror.events, 2)
	assert.Equal(t, TopicBridgeStatus, mirror.events[0].Topic)
	assert.Equal(t, TopicTxStatus, mirror.events[1].Topic)
}

func TestMirrorErrorDoesNotBreakDelivery(t *testing.T) {
	bus, _ := newTestBus()
	bus.AddMirror(&recordingMirror{err: errors.New("redis down")})

	delivered := 0
	bus.Subscribe(TopicBridgeStatus, nil, func(e *Event) error {
		delivered++
		return nil
	})

	bus.Emit(TopicBridgeStatus, "x")
	assert.Equal(t, 1, delivered)
}

func TestQueueOfferPollFIFO(t *testing.T) {
	q := NewQueue[int](4)

	for i := 1; i <= 4; i++ {
		assert.True(t, q.Offer(i))
	}
	for i := 1; i <= 4; i++ {
		v, ok := q.Poll(0)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Poll(0)
	assert.False(t, ok)
}

func TestQueueDropNewestWhenFull(t *testing.T) {
	q := NewQueue[string](2)

	assert.True(t, q.Offer("a"))
	assert.True(t, q.Offer("b"))
	assert.False(t, q.Offer("c"))
	assert.Equal(t, int64(1), q.Dropped())

	v, ok := q.Poll(0)
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestQueuePollTimeout(t *testing.T) {
	q := NewQueue[int](1)

	start := time.Now()
	_, ok := q.Poll(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Offer(42)
	}()
	v, ok := q.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
