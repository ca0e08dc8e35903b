package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultGraphURL = "https://graph.facebook.com"

// WhatsAppSender sends text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	baseURL string
	version string
	phoneID string
	token   string
	client  *http.Client

	mu          sync.Mutex
	lastInbound map[string]string // contact_id -> last inbound message id
}

func NewWhatsAppSender(token, phoneNumberID, apiVersion string) (*WhatsAppSender, error) {
	if token == "" || phoneNumberID == "" {
		return nil, errors.New("WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID are required")
	}
	return &WhatsAppSender{
		baseURL:     defaultGraphURL,
		version:     apiVersion,
		phoneID:     phoneNumberID,
		token:       token,
		client:      &http.Client{Timeout: 30 * time.Second},
		lastInbound: make(map[string]string),
	}, nil
}

// WithBaseURL points the sender at another host. Tests use it.
func (s *WhatsAppSender) WithBaseURL(u string) *WhatsAppSender {
	s.baseURL = u
	return s
}

// Observe records the id of the latest inbound message from a contact. The
// Cloud API ties typing indicators to an inbound message.
func (s *WhatsAppSender) Observe(contactID, messageID string) {
	if messageID == "" {
		return
	}
	s.mu.Lock()
	s.lastInbound[contactID] = messageID
	s.mu.Unlock()
}

func (s *WhatsAppSender) SendReply(ctx context.Context, contactID, text string) error {
	return s.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                contactID,
		"type":              "text",
		"text":              map[string]any{"body": text},
	})
}

// SetTyping marks the last inbound message read and shows the indicator. The
// API clears it on the next outbound message, so turning it off is a no-op.
func (s *WhatsAppSender) SetTyping(ctx context.Context, contactID string, on bool) error {
	if !on {
		return nil
	}
	s.mu.Lock()
	msgID := s.lastInbound[contactID]
	s.mu.Unlock()
	if msgID == "" {
		return nil
	}
	return s.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        msgID,
		"typing_indicator":  map[string]any{"type": "text"},
	})
}

func (s *WhatsAppSender) post(ctx context.Context, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.version, s.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp api error: status=%d body=%s", resp.StatusCode, string(msg))
	}
	return nil
}
