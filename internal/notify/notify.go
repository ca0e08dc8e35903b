// Package notify broadcasts conversation events to live observers such as the
// salon dashboard.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	TypeNewMessage         = "conversation.new_message.v1"
	TypeConversationUpdate = "conversation.updated.v1"
	producer               = "salon-conversation-engine"
)

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewMessage is published for every inbound message, muted or not.
type NewMessage struct {
	ContactID string `json:"contact_id"`
	Channel   string `json:"channel"`
	Body      string `json:"body"`
	Status    string `json:"status,omitempty"`
}

// ConversationUpdate is published after a turn was committed.
type ConversationUpdate struct {
	ContactID string `json:"contact_id"`
	Channel   string `json:"channel"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Reply     string `json:"reply,omitempty"`
}

type Notifier interface {
	// Publish routes by event type; contactID doubles as correlation id.
	Publish(ctx context.Context, eventType, contactID string, data any) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, string, string, any) error { return nil }
func (Noop) Close() error                                       { return nil }

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, eventType, contactID string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, newEnvelope(eventType, contactID, data))
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Meta.Type)
	}
	return out
}
