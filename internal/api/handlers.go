package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/salon-conversation-engine/internal/pipeline"
	redisclient "github.com/hackgods/salon-conversation-engine/internal/redis"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

// maxWebhookBody bounds one inbound message payload.
const maxWebhookBody = 64 << 10

// Conversations is the slice of the pipeline controller the HTTP layer needs.
type Conversations interface {
	Submit(ctx context.Context, msg pipeline.Message)
	Snapshot(ctx context.Context, contactID string) (*pipeline.Snapshot, error)
	ResumeAI(ctx context.Context, contactID string) error
}

// webhookHandler acknowledges the message right away and lets the controller
// process it in the background.
func webhookHandler(conv Conversations, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg pipeline.Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if msg.Channel == "" {
			msg.Channel = "whatsapp"
		}

		if err := msg.Validate(); err != nil {
			switch {
			case errors.Is(err, pipeline.ErrMissingContact):
				writeError(w, http.StatusBadRequest, "missing_contact_id", err.Error())
			case errors.Is(err, pipeline.ErrEmptyBody):
				writeError(w, http.StatusBadRequest, "empty_body", err.Error())
			default:
				writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
			}
			return
		}

		logger.Debug("message accepted",
			slog.String("contact_id", msg.ContactID),
			slog.String("channel", msg.Channel),
			slog.String("request_id", GetRequestID(r.Context())),
		)
		conv.Submit(r.Context(), msg)

		writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", ContactID: msg.ContactID})
	}
}

func contactStateHandler(conv Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contactID := chi.URLParam(r, "contactID")

		snap, err := conv.Snapshot(r.Context(), contactID)
		if err != nil {
			handleContactError(w, err)
			return
		}

		c := snap.Contact
		resp := ContactStateResponse{
			ContactID:         c.ContactID,
			Name:              c.Name,
			IsNameConfirmed:   c.IsNameConfirmed,
			Role:              c.Role,
			AIPausedUntil:     c.AIPausedUntil,
			ConversationState: c.ConversationState,
			Tags:              c.Tags,
		}
		if resp.ConversationState == nil {
			resp.ConversationState = map[string]any{}
		}
		if resp.Tags == nil {
			resp.Tags = []string{}
		}
		if t := snap.LastTurn; t != nil {
			resp.LastTurn = &TurnResponse{
				IncomingText: t.IncomingText,
				OutgoingText: t.OutgoingText,
				Status:       string(t.Status),
				Outcome:      t.Outcome,
				CreatedAt:    t.CreatedAt,
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func resumeHandler(conv Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contactID := chi.URLParam(r, "contactID")

		if err := conv.ResumeAI(r.Context(), contactID); err != nil {
			handleContactError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ResumeResponse{Status: "resumed", ContactID: contactID})
	}
}

func handleContactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrContactNotFound):
		writeError(w, http.StatusNotFound, "contact_not_found", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusConflict, "contact_busy", "a message for this contact is being processed, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
