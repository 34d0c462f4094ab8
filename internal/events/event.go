// Package events publishes domain events produced by reconciliation.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	TopicOrderStatusChanged  = "order.status_changed"
	TopicWebhookDeadLettered = "webhook.dead_lettered"
)

// Event is one domain event. Key orders events of the same aggregate on a
// single partition.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type OrderStatusChanged struct {
	OrderID    string `json:"order_id"`
	PaymentID  string `json:"payment_id,omitempty"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Source     string `json:"source"`
	Actor      string `json:"actor,omitempty"`
}

type WebhookDeadLettered struct {
	FailureID  string `json:"failure_id"`
	PaymentID  string `json:"payment_id"`
	RequestID  string `json:"request_id"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

type noopPublisher struct{}

// NewNoopPublisher discards every event.
func NewNoopPublisher() EventPublisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events whose Type equals eventType.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, event := range r.Events() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
