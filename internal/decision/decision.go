// Package decision is the boundary to the model that chooses the next action
// for a conversation turn.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/store"
)

var ErrNoDecision = errors.New("decision function returned no action")

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one chat history entry.
type Turn struct {
	Role  string
	Parts []string
}

// Request is everything the decision function sees for one turn.
type Request struct {
	ConversationState map[string]any
	History           []Turn // oldest first, ending with the inbound message
	RelevantTags      []string
	BusinessContext   string
	BookingSummary    string
	IsNewCustomer     bool
	Now               time.Time
}

// Decision names an action and carries its raw arguments.
type Decision struct {
	Name string
	Args json.RawMessage
}

type Decider interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req Request) (*Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, req Request) (*Decision, error) {
	return f(ctx, req)
}

// BuildHistory expands logged turns, given newest first, into user and model
// parts in chronological order and appends the inbound message.
func BuildHistory(recent []store.ConversationTurn, current string) []Turn {
	history := make([]Turn, 0, 2*len(recent)+1)
	for i := len(recent) - 1; i >= 0; i-- {
		t := recent[i]
		history = append(history, Turn{Role: RoleUser, Parts: []string{t.IncomingText}})
		if t.OutgoingText != nil && *t.OutgoingText != "" {
			history = append(history, Turn{Role: RoleModel, Parts: []string{*t.OutgoingText}})
		}
	}
	return append(history, Turn{Role: RoleUser, Parts: []string{current}})
}
