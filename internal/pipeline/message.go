// Package pipeline runs one inbound message through the conversation state
// machine: gate, decide, reconcile, dispatch, persist and reply.
package pipeline

import (
	"errors"
	"strings"
)

var (
	ErrMissingContact = errors.New("contact_id is required")
	ErrEmptyBody      = errors.New("body is required")
)

// Message is an inbound message normalized by the channel adapter.
type Message struct {
	Channel   string  `json:"channel"`
	ContactID string  `json:"contact_id"`
	Pushname  *string `json:"pushname"`
	Body      string  `json:"body"`
	MessageID string  `json:"message_id,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ContactID) == "" {
		return ErrMissingContact
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrEmptyBody
	}
	return nil
}
