// Package channel delivers replies to the messaging channel a contact wrote
// from.
package channel

import (
	"context"
	"log/slog"
)

// Sender is fire-and-forget from the pipeline's point of view: errors are
// logged, never retried.
type Sender interface {
	SendReply(ctx context.Context, contactID, text string) error
	SetTyping(ctx context.Context, contactID string, on bool) error
}

// LogSender writes replies to the log instead of a channel. Used in dev and by
// the simulator.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendReply(ctx context.Context, contactID, text string) error {
	s.logger.InfoContext(ctx, "reply", "contact_id", contactID, "text", text)
	return nil
}

func (s *LogSender) SetTyping(ctx context.Context, contactID string, on bool) error {
	s.logger.DebugContext(ctx, "typing", "contact_id", contactID, "on", on)
	return nil
}
