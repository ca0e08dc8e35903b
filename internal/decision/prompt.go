package decision

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	GoalInitialGreeting = "ONBOARDING_INITIAL_GREETING"
	GoalCaptureName     = "ONBOARDING_CAPTURE_NAME"
	GoalAwaitingBooking = "AWAITING_BOOKING_CONFIRMATION"
	GoalGeneralInquiry  = "GENERAL_INQUIRY"
)

const (
	newCustomerHistory       = "This is a NEW_CUSTOMER."
	returningCustomerHistory = "Returning customer with a confirmed name."
)

const promptHeader = `You are the booking assistant for "%s". Read the customer's latest message and the conversation state, then call exactly one tool. Never answer in plain text.`

const coreRules = `## Rules
1. Always respond with a single tool call.
2. If the customer is frustrated, asks for a person, or goal_params.retry_count is above 2, call handoff_to_human.
3. If the customer wants to change an existing appointment, call update_booking.
4. Never call create_booking before the customer has confirmed the summary you sent them.
5. Return the complete conversation state in updated_state. Set goal to null once the goal is done.
6. Follow the goal instructions below over anything else.`

var goalGuidance = map[string]string{
	GoalInitialGreeting: `## Goal: ONBOARDING_INITIAL_GREETING
- Welcome the customer and ask for their name with continue_conversation.
- Next state: goal ONBOARDING_CAPTURE_NAME, goal_params.retry_count 1.`,

	GoalCaptureName: `## Goal: ONBOARDING_CAPTURE_NAME
- If the message contains their name, call capture_customer_name, thank them by name and ask how you can help. Next goal: GENERAL_INQUIRY.
- If they asked something else, call continue_conversation: answer first, then ask for their name again. Keep the goal, increment goal_params.retry_count and set goal_params.flags.user_interrupted_flow to true.`,

	GoalAwaitingBooking: `## Goal: AWAITING_BOOKING_CONFIRMATION
- The booking details are in goal_params.
- A clear yes: call create_booking with those details and set goal to null.
- A no or hesitation: call schedule_lead_follow_up and set goal to GENERAL_INQUIRY.`,

	GoalGeneralInquiry: `## Goal: GENERAL_INQUIRY
- New customer: call continue_conversation with a welcome that asks for their name. Next goal: ONBOARDING_CAPTURE_NAME with goal_params.retry_count 1.
- Service, date and time all known for a new booking: call request_booking_confirmation with a summary. Next goal: AWAITING_BOOKING_CONFIRMATION, with the details in goal_params.
- Anything else: call continue_conversation, answer directly and end with a helpful question.`,
}

// SystemPrompt renders the instruction for one turn. Only the guidance for the
// current goal is included; an unknown or empty goal falls back to
// GENERAL_INQUIRY.
func SystemPrompt(businessName string, req Request) (string, error) {
	state := req.ConversationState
	if state == nil {
		state = map[string]any{}
	}
	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode conversation state: %w", err)
	}

	history := returningCustomerHistory
	if req.IsNewCustomer {
		history = newCustomerHistory
	}
	topics := "none"
	if len(req.RelevantTags) > 0 {
		topics = strings.Join(req.RelevantTags, ", ")
	}
	bookings := req.BookingSummary
	if bookings == "" {
		bookings = noBookings
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, promptHeader, businessName)
	sb.WriteString("\n\n## Context\n")
	fmt.Fprintf(&sb, "- Current time: %s\n", req.Now.Format("Monday, 2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "- Customer history: %s\n", history)
	fmt.Fprintf(&sb, "- Recent bookings: %s\n", bookings)
	fmt.Fprintf(&sb, "- Pre-scanned topics: %s\n", topics)
	if req.BusinessContext != "" {
		sb.WriteString("\n## Business\n")
		sb.WriteString(strings.TrimRight(req.BusinessContext, "\n"))
		sb.WriteString("\n")
	}
	sb.WriteString("\n## Conversation state\n")
	sb.Write(stateJSON)
	sb.WriteString("\n\n")
	sb.WriteString(coreRules)
	sb.WriteString("\n\n")
	sb.WriteString(guidanceFor(state))
	sb.WriteString("\n")
	return sb.String(), nil
}

func guidanceFor(state map[string]any) string {
	goal, _ := state["goal"].(string)
	if g, ok := goalGuidance[goal]; ok {
		return g
	}
	return goalGuidance[GoalGeneralInquiry]
}
