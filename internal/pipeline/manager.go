package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/salon-conversation-engine/internal/conversation"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

// ManagerFlow handles messages from salon staff. They never reach the
// decision function.
type ManagerFlow interface {
	// HandleManagerMessage returns the reply to send, or "" for none.
	HandleManagerMessage(ctx context.Context, tx store.Tx, contact *store.Contact, msg Message) (string, error)
}

// LogManagerFlow records the message and stays silent.
type LogManagerFlow struct{}

func (LogManagerFlow) HandleManagerMessage(ctx context.Context, tx store.Tx, contact *store.Contact, msg Message) (string, error) {
	_, err := tx.InsertTurn(ctx, store.ConversationTurn{
		Channel:      msg.Channel,
		ContactDBID:  contact.ID,
		IncomingText: msg.Body,
		Status:       store.TurnManager,
		Outcome:      string(conversation.OutcomePending),
	})
	return "", err
}

// Snapshot is a contact with its latest turn, for the dashboard.
type Snapshot struct {
	Contact  *store.Contact
	LastTurn *store.ConversationTurn
}

func (c *Controller) Snapshot(ctx context.Context, contactID string) (*Snapshot, error) {
	var snap Snapshot
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		contact, err := tx.GetContactByContactID(ctx, contactID)
		if err != nil {
			return err
		}
		snap.Contact = contact

		last, err := tx.LastTurn(ctx, contact.ID)
		if err != nil && !errors.Is(err, store.ErrTurnNotFound) {
			return fmt.Errorf("last turn: %w", err)
		}
		snap.LastTurn = last
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ResumeAI lifts a handoff pause. It takes the contact lock so it cannot race
// a turn in flight.
func (c *Controller) ResumeAI(ctx context.Context, contactID string) error {
	return c.locker.WithContactLock(ctx, contactID, func(ctx context.Context) error {
		return c.repo.WithTx(ctx, func(tx store.Tx) error {
			contact, err := tx.GetContactByContactID(ctx, contactID)
			if err != nil {
				return err
			}
			return tx.SetAIPause(ctx, contact.ID, nil)
		})
	})
}
