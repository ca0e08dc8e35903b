// Package conversation holds the per-contact conversation state machine: the
// outcome vocabulary, its severity order, and the reconciliation rules applied
// at the end of every turn.
package conversation

import (
	"strings"
	"time"
)

type Outcome string

const (
	OutcomePending             Outcome = "pending"
	OutcomeUnclear             Outcome = "unclear"
	OutcomeGreeting            Outcome = "greeting"
	OutcomeNameCaptured        Outcome = "name_captured"
	OutcomeInquiry             Outcome = "inquiry"
	OutcomeFollowUpScheduled   Outcome = "follow_up_scheduled"
	OutcomeRequestConfirmation Outcome = "request_confirmation"
	OutcomeBookingAbandoned    Outcome = "booking_abandoned"
	OutcomeHandoff             Outcome = "handoff_to_human"
	OutcomeBookingUpdated      Outcome = "booking_updated"
	OutcomeBookingConfirmed    Outcome = "booking_confirmed"
)

// DefaultStaleAfter is the age past which a previous turn no longer acts as a
// floor for the next outcome.
const DefaultStaleAfter = 48 * time.Hour

// Hierarchy is the total order over stored outcomes.
var Hierarchy = map[Outcome]int{
	OutcomePending:             0,
	OutcomeUnclear:             1,
	OutcomeGreeting:            2,
	OutcomeNameCaptured:        2,
	OutcomeInquiry:             3,
	OutcomeFollowUpScheduled:   3,
	OutcomeRequestConfirmation: 4,
	OutcomeBookingAbandoned:    4,
	OutcomeHandoff:             5,
	OutcomeBookingUpdated:      6,
	OutcomeBookingConfirmed:    6,
}

// aliases maps every name the decision function (current or legacy prompt
// revisions) can emit onto the stored vocabulary.
var aliases = map[string]Outcome{
	"create_booking":               OutcomeBookingConfirmed,
	"booking_confirmed":            OutcomeBookingConfirmed,
	"update_booking":               OutcomeBookingUpdated,
	"booking_updated":              OutcomeBookingUpdated,
	"request_booking_confirmation": OutcomeRequestConfirmation,
	"request_confirmation":         OutcomeRequestConfirmation,
	"booking_abandoned":            OutcomeBookingAbandoned,
	"schedule_lead_follow_up":      OutcomeFollowUpScheduled,
	"follow_up_scheduled":          OutcomeFollowUpScheduled,
	"handoff_to_human":             OutcomeHandoff,
	"human_handoff":                OutcomeHandoff,
	"capture_customer_name":        OutcomeNameCaptured,
	"name_provided":                OutcomeNameCaptured,
	"name_captured":                OutcomeNameCaptured,
	"greeting":                     OutcomeGreeting,
	"greet_user":                   OutcomeGreeting,
	"inquiry":                      OutcomeInquiry,
	"answer_inquiry":               OutcomeInquiry,
	"continue_conversation":        OutcomeInquiry,
	"booking_incomplete":           OutcomeInquiry,
	"unclear":                      OutcomeUnclear,
	"pending":                      OutcomePending,
}

// Canonicalize maps a raw action or intent name onto the stored vocabulary.
// Unknown names become OutcomePending.
func Canonicalize(raw string) Outcome {
	key := strings.ToLower(strings.TrimSpace(raw))
	if o, ok := aliases[key]; ok {
		return o
	}
	return OutcomePending
}

// Known reports whether name is a key of the hierarchy.
func Known(name string) bool {
	_, ok := Hierarchy[Outcome(name)]
	return ok
}

// Severity returns the rank of o; unknown outcomes rank 0.
func Severity(o Outcome) int {
	return Hierarchy[o]
}

// IsTerminal reports whether o finishes the conversational goal.
func IsTerminal(o Outcome) bool {
	return o == OutcomeBookingConfirmed || o == OutcomeHandoff
}

type Reconciler struct {
	StaleAfter time.Duration
}

func NewReconciler(staleAfter time.Duration) Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return Reconciler{StaleAfter: staleAfter}
}

// IsStale reports whether a previous turn of the given age is too old to
// carry its outcome or goal forward.
func (r Reconciler) IsStale(previousAge time.Duration) bool {
	return previousAge > r.StaleAfter
}

// Reconcile computes the outcome recorded for this turn.
//
// A stale previous outcome counts as pending. A fresh booking_confirmed is
// locked unless the turn is a modification request. Modification requests
// take the new outcome as is; anything else only moves up the hierarchy.
func (r Reconciler) Reconcile(previous Outcome, previousAge time.Duration, rawNew string, isModification bool) Outcome {
	next := Canonicalize(rawNew)
	prev := Canonicalize(string(previous))

	stale := r.IsStale(previousAge)
	if stale {
		prev = OutcomePending
	}

	if !stale && prev == OutcomeBookingConfirmed && !isModification {
		return OutcomeBookingConfirmed
	}

	if isModification {
		return next
	}

	if Severity(next) > Severity(prev) {
		return next
	}
	return prev
}

// Reconcile uses DefaultStaleAfter.
func Reconcile(previous Outcome, previousAge time.Duration, rawNew string, isModification bool) Outcome {
	return NewReconciler(DefaultStaleAfter).Reconcile(previous, previousAge, rawNew, isModification)
}
