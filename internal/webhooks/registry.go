// Package webhooks delivers fabric events to registered HTTP endpoints.
// Subscriptions select bus topics; delivery is asynchronous on a bounded
// worker pool with per-endpoint circuit breaking and HMAC-signed payloads.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Topics    []string  `json:"topics"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

// maxFailures disables a subscription; the breaker handles transient faults,
// this handles endpoints that are simply gone.
const maxFailures = 10

// Registry stores webhook subscriptions indexed by topic.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*Subscription
	byTopic map[string][]*Subscription
	logger  *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*Subscription),
		byTopic: make(map[string][]*Subscription),
		logger:  slog.Default().With("component", "webhooks"),
	}
}

// Register adds a subscription and returns its id.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return fmt.Errorf("webhooks: url is required")
	}
	if len(sub.Topics) == 0 {
		return fmt.Errorf("webhooks: at least one topic is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, topic := range sub.Topics {
		r.byTopic[topic] = append(r.byTopic[topic], sub)
	}
	r.logger.Info("webhook registered", "id", sub.ID, "url", sub.URL, "topics", sub.Topics)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhooks: subscription %s not found", id)
	}
	delete(r.hooks, id)
	for _, topic := range sub.Topics {
		kept := r.byTopic[topic][:0]
		for _, s := range r.byTopic[topic] {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		r.byTopic[topic] = kept
	}
	r.logger.Info("webhook unregistered", "id", id)
	return nil
}

// Subscribers returns the active subscriptions for a topic.
func (r *Registry) Subscribers(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*Subscription
	for _, sub := range r.byTopic[topic] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// List returns every registered subscription.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		out = append(out, sub)
	}
	return out
}

// MarkFailed counts a delivery failure and disables the subscription once it
// crosses maxFailures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= maxFailures && sub.Active {
		sub.Active = false
		r.logger.Warn("webhook disabled after repeated failures", "id", id, "failures", sub.FailCount)
	}
}

// MarkDelivered resets the failure streak.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload produces the HMAC-SHA256 hex signature receivers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
