package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Action string

const (
	ActionCreateBooking        Action = "create_booking"
	ActionUpdateBooking        Action = "update_booking"
	ActionRequestConfirmation  Action = "request_booking_confirmation"
	ActionScheduleFollowUp     Action = "schedule_lead_follow_up"
	ActionHandoff              Action = "handoff_to_human"
	ActionCaptureName          Action = "capture_customer_name"
	ActionContinueConversation Action = "continue_conversation"
)

// ParseAction maps a decision name onto a routed action. Anything not listed
// is treated as continue_conversation.
func ParseAction(name string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(name))); a {
	case ActionCreateBooking, ActionUpdateBooking, ActionRequestConfirmation,
		ActionScheduleFollowUp, ActionHandoff, ActionCaptureName:
		return a
	case "human_handoff":
		return ActionHandoff
	default:
		return ActionContinueConversation
	}
}

// Args is the decoded argument payload of an action.
type Args interface {
	Common() *CommonArgs
}

// CommonArgs carries the fields every action may set. UpdatedState is the
// opaque conversation state written back by the decision function.
type CommonArgs struct {
	ReplySuggestion string         `json:"reply_suggestion,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	UpdatedState    map[string]any `json:"updated_state,omitempty"`
}

func (c *CommonArgs) Common() *CommonArgs { return c }

type CreateBookingArgs struct {
	CommonArgs
	Service string `json:"service"`
	Date    string `json:"date"` // YYYY-MM-DD
	Time    string `json:"time"` // HH:MM
}

type RequestConfirmationArgs struct {
	CommonArgs
	Service string `json:"service"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

// UpdateBookingArgs names the booking by its current service. Empty New*
// fields keep the booking's current value.
type UpdateBookingArgs struct {
	CommonArgs
	OriginalServiceName string `json:"original_service_name"`
	NewServiceName      string `json:"new_service_name,omitempty"`
	NewDate             string `json:"new_date,omitempty"`
	NewTime             string `json:"new_time,omitempty"`
}

type FollowUpArgs struct {
	CommonArgs
	Service string `json:"service"`
}

type HandoffArgs struct {
	CommonArgs
	Reason string `json:"reason"`
}

type CaptureNameArgs struct {
	CommonArgs
	CustomerName string `json:"customer_name"`
}

type InquiryArgs struct {
	CommonArgs
}

// DecodeArgs decodes raw into the argument type of action. An empty payload
// decodes to zero-valued args.
func DecodeArgs(action Action, raw json.RawMessage) (Args, error) {
	var args Args
	switch action {
	case ActionCreateBooking:
		args = &CreateBookingArgs{}
	case ActionUpdateBooking:
		args = &UpdateBookingArgs{}
	case ActionRequestConfirmation:
		args = &RequestConfirmationArgs{}
	case ActionScheduleFollowUp:
		args = &FollowUpArgs{}
	case ActionHandoff:
		args = &HandoffArgs{}
	case ActionCaptureName:
		args = &CaptureNameArgs{}
	default:
		args = &InquiryArgs{}
	}

	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return args, fmt.Errorf("decode %s args: %w", action, err)
	}
	return args, nil
}

// ServiceOf returns the service an action refers to, if any.
func ServiceOf(args Args) string {
	switch a := args.(type) {
	case *CreateBookingArgs:
		return a.Service
	case *RequestConfirmationArgs:
		return a.Service
	case *FollowUpArgs:
		return a.Service
	case *UpdateBookingArgs:
		if a.NewServiceName != "" {
			return a.NewServiceName
		}
		return a.OriginalServiceName
	}
	return ""
}
