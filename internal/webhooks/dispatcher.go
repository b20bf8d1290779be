package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chainmesh/fabric/internal/circuitbreaker"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
)

// maxAttempts bounds redelivery of one event to one endpoint.
const maxAttempts = 3

type deliveryJob struct {
	sub     *Subscription
	event   *events.Event
	attempt int
}

// Dispatcher fans fabric events out to webhook endpoints. Deliveries run on
// a fixed worker pool behind a bounded queue; overflow drops the delivery
// and counts it, never blocking the publisher.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	breakers *circuitbreaker.Manager
	queue    chan *deliveryJob
	stopCh   chan struct{}
	reg      *metrics.Registry
	logger   *slog.Logger

	wg       sync.WaitGroup
	busSubs  []*events.Subscription
	stopOnce sync.Once
}

func NewDispatcher(registry *Registry, workers, queueCapacity int, reg *metrics.Registry) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueCapacity <= 0 {
		queueCapacity = 1000
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		breakers: circuitbreaker.NewManager(nil),
		queue:    make(chan *deliveryJob, queueCapacity),
		stopCh:   make(chan struct{}),
		reg:      reg,
		logger:   slog.Default().With("component", "webhook-dispatch"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// AttachBus subscribes the dispatcher to the given topics so every matching
// event is offered for delivery.
func (d *Dispatcher) AttachBus(bus *events.Bus, topics ...string) {
	for _, topic := range topics {
		sub := bus.Subscribe(topic, nil, func(e *events.Event) error {
			d.Emit(e)
			return nil
		})
		d.busSubs = append(d.busSubs, sub)
	}
}

// Emit queues the event for every active subscriber of its topic.
func (d *Dispatcher) Emit(e *events.Event) {
	for _, sub := range d.registry.Subscribers(e.Topic) {
		if !d.enqueue(&deliveryJob{sub: sub, event: e, attempt: 1}) {
			d.reg.Counter("webhooks_deliveries_dropped").Inc()
			d.logger.Warn("delivery dropped",
				"event_id", e.ID, "subscription_id", sub.ID)
		}
	}
}

// enqueue offers the job without blocking. It reports false when the queue
// is full or the dispatcher is stopping. The queue channel is never closed,
// so a retry racing Shutdown drops instead of panicking.
func (d *Dispatcher) enqueue(job *deliveryJob) bool {
	select {
	case <-d.stopCh:
		return false
	default:
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

// Shutdown stops the workers and waits for in-flight deliveries. Queued
// deliveries that have not started are abandoned.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case job := <-d.queue:
			d.deliver(job)
		}
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Error("event marshal failed", "event_id", job.event.ID, "error", err)
		return
	}

	breaker := d.breakers.Get(job.sub.URL)
	err = breaker.Execute(func() error {
		return d.post(job, payload)
	})
	if err == nil {
		d.registry.MarkDelivered(job.sub.ID)
		d.reg.Counter("webhooks_delivered").Inc()
		return
	}

	d.reg.Counter("webhooks_delivery_failures").Inc()
	d.registry.MarkFailed(job.sub.ID)
	d.logger.Warn("webhook delivery failed",
		"subscription_id", job.sub.ID, "url", job.sub.URL,
		"attempt", job.attempt, "error", err)

	if job.attempt < maxAttempts {
		job.attempt++
		if !d.enqueue(job) {
			d.reg.Counter("webhooks_deliveries_dropped").Inc()
		}
	}
}

func (d *Dispatcher) post(job *deliveryJob, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fabric-Topic", job.event.Topic)
	req.Header.Set("X-Fabric-Event-Id", job.event.ID)
	req.Header.Set("X-Fabric-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Fabric-Signature", "sha256="+SignPayload(payload, job.sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
