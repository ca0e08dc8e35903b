package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/metrics"
	"github.com/hackgods/salon-conversation-engine/internal/schedule"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "03:04 PM"
	dayLayout   = "Monday, January 02 at 03:04 PM"

	ctxStartsAt = "starts_at"
)

// Settings holds the time windows used by the listeners.
type Settings struct {
	ConflictWindow    time.Duration // same service within ±window is a duplicate
	ReminderLead      time.Duration // APPOINTMENT_REMINDER before the booking
	ShortReminderLead time.Duration // SHORT_TERM_APPOINTMENT_REMINDER before the booking
	ReminderDedupe    time.Duration // pending reminders within ±dedupe count as the same
	FollowUpDelay     time.Duration
	PauseDuration     time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ConflictWindow:    2 * time.Hour,
		ReminderLead:      24 * time.Hour,
		ShortReminderLead: 6 * time.Hour,
		ReminderDedupe:    3 * time.Hour,
		FollowUpDelay:     24 * time.Hour,
		PauseDuration:     12 * time.Hour,
	}
}

// Listeners builds the listener set. Each method returns a Listener that can
// be registered on a Dispatcher.
type Listeners struct {
	settings Settings
	logger   *slog.Logger
}

func NewListeners(settings Settings, logger *slog.Logger) *Listeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners{settings: settings, logger: logger}
}

// =============================================================================
// HELPERS
// =============================================================================

var timeLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "3PM", "3 PM"}

// parseDateTime combines a YYYY-MM-DD date and a clock time in loc.
func parseDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}

	clock = strings.ToUpper(strings.TrimSpace(clock))
	for _, layout := range timeLayouts {
		c, err := time.Parse(layout, clock)
		if err != nil {
			continue
		}
		return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("parse time %q", clock)
}

var (
	slugStrip    = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugCollapse = regexp.MustCompile(`[\s-]+`)
)

// Slugify lowercases s, drops everything but letters, digits, spaces and
// hyphens, and joins words with single hyphens.
func Slugify(s string) string {
	s = slugStrip.ReplaceAllString(strings.ToLower(s), "")
	s = slugCollapse.ReplaceAllString(strings.TrimSpace(s), "-")
	return strings.Trim(s, "-")
}

func InterestTag(service string) string {
	return "interest:" + Slugify(service)
}

func reminderContent(name, service string, at time.Time) string {
	return fmt.Sprintf("Hi %s! Reminder for your %s appointment tomorrow at %s.", name, service, at.Format(clockLayout))
}

func shortReminderContent(name, service string, at time.Time) string {
	return fmt.Sprintf("Hi %s! Just a reminder that your %s appointment is today at %s. See you soon!", name, service, at.Format(clockLayout))
}

func (l *Listeners) audit(ctx context.Context, e *Event, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id := e.Contact.ID
	return e.Tx.InsertEvent(ctx, store.EventLog{
		EventType:   eventType,
		ContactDBID: &id,
		Payload:     body,
		CreatedAt:   e.Now,
	})
}

// scheduleOnce creates a pending task at `at` unless it already passed or an
// equivalent one is pending within the dedupe window. The task is linked to
// e.Booking when there is one. It reports whether a task was created.
func (l *Listeners) scheduleOnce(ctx context.Context, e *Event, taskType store.TaskType, at time.Time, content string) (bool, error) {
	if !at.After(e.Now) {
		metrics.RecordReminderScheduling(string(taskType), "past")
		return false, nil
	}

	dedupe := l.settings.ReminderDedupe
	_, err := e.Tx.FindPendingTask(ctx, e.Contact.ContactID, taskType, at.Add(-dedupe), at.Add(dedupe))
	switch {
	case err == nil:
		metrics.RecordReminderScheduling(string(taskType), "duplicate")
		return false, nil
	case !errors.Is(err, store.ErrTaskNotFound):
		return false, err
	}

	task := store.ScheduledTask{
		ContactID:   e.Contact.ContactID,
		TaskType:    taskType,
		ScheduledAt: at,
		Content:     content,
		Status:      store.TaskPending,
	}
	if e.Booking != nil {
		id := e.Booking.ID
		task.BookingID = &id
	}
	if _, err := e.Tx.CreateTask(ctx, task); err != nil {
		return false, err
	}
	metrics.RecordReminderScheduling(string(taskType), "created")
	return true, nil
}

// =============================================================================
// SHARED LISTENERS
// =============================================================================

// ApplyTags merges the suggested tags and an interest tag for the service the
// action refers to into the contact's tag set.
func (l *Listeners) ApplyTags() Listener {
	return Listener{Name: "apply_tags", Handle: func(ctx context.Context, e *Event) {
		seen := map[string]bool{}
		var tags []string
		add := func(tag string) {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				return
			}
			seen[tag] = true
			tags = append(tags, tag)
		}

		for _, tag := range e.Args.Common().Tags {
			add(tag)
		}
		if svc := ServiceOf(e.Args); svc != "" && Slugify(svc) != "" {
			add(InterestTag(svc))
		}
		if len(tags) == 0 {
			return
		}

		if err := e.Tx.AddContactTags(ctx, e.Contact.ID, tags); err != nil {
			e.Fail("apply tags", err)
			return
		}
		for _, tag := range tags {
			if !slices.Contains(e.Contact.Tags, tag) {
				e.Contact.Tags = append(e.Contact.Tags, tag)
			}
		}
	}}
}

// CaptureName stores the customer's name unless one was already confirmed.
func (l *Listeners) CaptureName() Listener {
	return Listener{Name: "capture_name", Handle: func(ctx context.Context, e *Event) {
		args, ok := e.Args.(*CaptureNameArgs)
		if !ok {
			return
		}
		name := strings.TrimSpace(args.CustomerName)
		if name == "" || e.Contact.IsNameConfirmed {
			return
		}
		if err := e.Tx.UpdateContactName(ctx, e.Contact.ID, name); err != nil {
			e.Fail("update contact name", err)
			return
		}
		e.Contact.Name = &name
		e.Contact.IsNameConfirmed = true
	}}
}

// PauseAI mutes the AI for the contact so a human can take over.
func (l *Listeners) PauseAI() Listener {
	return Listener{Name: "pause_ai", Handle: func(ctx context.Context, e *Event) {
		until := e.Now.Add(l.settings.PauseDuration)
		if err := e.Tx.SetAIPause(ctx, e.Contact.ID, &until); err != nil {
			e.Fail("pause ai", err)
			return
		}
		e.Contact.AIPausedUntil = &until

		reason := ""
		if args, ok := e.Args.(*HandoffArgs); ok {
			reason = args.Reason
		}
		if err := l.audit(ctx, e, "handoff", map[string]any{"reason": reason, "paused_until": until}); err != nil {
			e.Fail("audit handoff", err)
		}
	}}
}

// ScheduleFollowUp queues one re-engagement message for a contact who walked
// away from a booking. At most one is pending per contact.
func (l *Listeners) ScheduleFollowUp() Listener {
	return Listener{Name: "schedule_follow_up", Handle: func(ctx context.Context, e *Event) {
		_, err := e.Tx.FindPendingTask(ctx, e.Contact.ContactID, store.TaskAbandonedCartFollowUp, time.Time{}, time.Time{})
		switch {
		case err == nil:
			metrics.RecordReminderScheduling(string(store.TaskAbandonedCartFollowUp), "duplicate")
			return
		case !errors.Is(err, store.ErrTaskNotFound):
			e.Fail("find follow-up", err)
			return
		}

		service := ""
		if args, ok := e.Args.(*FollowUpArgs); ok {
			service = strings.TrimSpace(args.Service)
		}

		content := fmt.Sprintf("Hi %s, we noticed you were about to book with us. ", e.contactName())
		if service != "" {
			content = fmt.Sprintf("Hi %s, we noticed you were about to book a %s with us. ", e.contactName(), service)
		}
		content += "Did you have any other questions before confirming? We'd be happy to help!"

		if _, err := e.Tx.CreateTask(ctx, store.ScheduledTask{
			ContactID:   e.Contact.ContactID,
			TaskType:    store.TaskAbandonedCartFollowUp,
			ScheduledAt: e.Now.Add(l.settings.FollowUpDelay),
			Content:     content,
			Status:      store.TaskPending,
		}); err != nil {
			e.Fail("create follow-up", err)
			return
		}
		metrics.RecordReminderScheduling(string(store.TaskAbandonedCartFollowUp), "created")
	}}
}

// quietAt reports whether t falls in the quiet hours of its own weekday in
// the business zone.
func quietAt(t time.Time, e *Event) bool {
	return schedule.InQuietHours(t.In(e.Location), e.Hours)
}
