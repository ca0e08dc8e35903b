// Package events runs a decided action through its ordered pipeline of
// listeners. Listeners share one Event and one transaction; they never commit.
package events

import (
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/schedule"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

// Event is scoped to a single Dispatch call.
type Event struct {
	Contact  *store.Contact
	Tx       store.Tx
	Action   Action
	Args     Args
	Now      time.Time
	Location *time.Location
	Hours    []schedule.Hours

	// Results shared between listeners of the same pipeline.
	Booking  *store.Booking // created, or the booking being modified
	Original *store.Booking // snapshot before an update
	Changes  []string
	Context  map[string]any

	finalReply *string
	stopped    bool
	stopReason string
	stoppedBy  string
	err        error
}

func NewEvent(contact *store.Contact, tx store.Tx, action Action, args Args, now time.Time) *Event {
	if args == nil {
		args = &InquiryArgs{}
	}
	return &Event{
		Contact:  contact,
		Tx:       tx,
		Action:   action,
		Args:     args,
		Now:      now,
		Location: now.Location(),
		Context:  map[string]any{},
	}
}

// Stop halts the pipeline before the next listener. reason is diagnostic only.
func (e *Event) Stop(reason string) {
	if e.stopped {
		return
	}
	e.stopped = true
	e.stopReason = reason
}

// StopWithReply halts the pipeline and offers a customer-facing reply.
func (e *Event) StopWithReply(reason, reply string) {
	e.SetReply(reply)
	e.Stop(reason)
}

// Fail halts the pipeline and records an infrastructure error. The caller
// must roll back the turn.
func (e *Event) Fail(reason string, err error) {
	if e.err == nil {
		e.err = err
	}
	e.Stop(reason)
}

// SetReply sets the final reply unless one is already set. It reports
// whether text was taken.
func (e *Event) SetReply(text string) bool {
	if e.finalReply != nil || text == "" {
		return false
	}
	e.finalReply = &text
	return true
}

func (e *Event) FinalReply() (string, bool) {
	if e.finalReply == nil {
		return "", false
	}
	return *e.finalReply, true
}

func (e *Event) Stopped() bool      { return e.stopped }
func (e *Event) StopReason() string { return e.stopReason }

// StoppedBy names the listener that stopped the pipeline.
func (e *Event) StoppedBy() string { return e.stoppedBy }

func (e *Event) Err() error { return e.err }

// contactName is the greeting name used in scheduled messages.
func (e *Event) contactName() string {
	return e.Contact.DisplayName("there")
}
