package api

import (
	"encoding/json"
	"net/http"
	"time"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type AcceptedResponse struct {
	Status    string `json:"status"`
	ContactID string `json:"contact_id"`
}

type TurnResponse struct {
	IncomingText string    `json:"incoming_text"`
	OutgoingText *string   `json:"outgoing_text,omitempty"`
	Status       string    `json:"status"`
	Outcome      string    `json:"outcome"`
	CreatedAt    time.Time `json:"created_at"`
}

type ContactStateResponse struct {
	ContactID         string         `json:"contact_id"`
	Name              *string        `json:"name,omitempty"`
	IsNameConfirmed   bool           `json:"is_name_confirmed"`
	Role              *string        `json:"role,omitempty"`
	AIPausedUntil     *time.Time     `json:"ai_paused_until,omitempty"`
	ConversationState map[string]any `json:"conversation_state"`
	Tags              []string       `json:"tags"`
	LastTurn          *TurnResponse  `json:"last_turn,omitempty"`
}

type ResumeResponse struct {
	Status    string `json:"status"`
	ContactID string `json:"contact_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
