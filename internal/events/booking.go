package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/metrics"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	replyMissingDetails = "I just need the service, date and time to book you in. Could you confirm them for me?"
	replyBadDateTime    = "I'm sorry, I couldn't understand the date or time. Could you please provide it again?"
	replyInThePast      = "It looks like that time has already passed. Could you choose another date or time?"
	replyBookingFailed  = "I'm sorry, something went wrong while saving your booking. Our team will confirm it with you shortly."
)

func createArgs(e *Event) (*CreateBookingArgs, bool) {
	args, ok := e.Args.(*CreateBookingArgs)
	return args, ok
}

// ConflictCheck validates the requested slot and rejects a second confirmed
// booking of the same service for the contact within the conflict window.
func (l *Listeners) ConflictCheck() Listener {
	return Listener{Name: "conflict_check", Handle: func(ctx context.Context, e *Event) {
		args, ok := createArgs(e)
		if !ok || strings.TrimSpace(args.Service) == "" || args.Date == "" || args.Time == "" {
			e.StopWithReply("incomplete booking details", replyMissingDetails)
			return
		}

		startsAt, err := parseDateTime(args.Date, args.Time, e.Location)
		if err != nil {
			e.StopWithReply(err.Error(), replyBadDateTime)
			return
		}
		if !startsAt.After(e.Now) {
			e.StopWithReply("booking time in the past", replyInThePast)
			return
		}

		existing, err := e.Tx.FindConflictingBooking(ctx, e.Contact.ID, args.Service, startsAt, l.settings.ConflictWindow, 0)
		switch {
		case err == nil:
			e.StopWithReply("duplicate booking detected", fmt.Sprintf(
				"It looks like you already have a booking for a '%s' scheduled for %s. Were you looking to reschedule?",
				existing.ServiceName, existing.StartsAt.In(e.Location).Format("Monday at 03:04 PM"),
			))
			return
		case !errors.Is(err, store.ErrBookingNotFound):
			e.Fail("conflict check", err)
			return
		}

		e.Context[ctxStartsAt] = startsAt
	}}
}

// CreateBooking inserts the booking, linking it to the menu when the service
// name matches a menu item.
func (l *Listeners) CreateBooking() Listener {
	return Listener{Name: "create_booking", Handle: func(ctx context.Context, e *Event) {
		args, _ := createArgs(e)
		startsAt, ok := e.Context[ctxStartsAt].(time.Time)
		if args == nil || !ok {
			e.StopWithReply("booking time not resolved", replyMissingDetails)
			return
		}

		b := store.Booking{
			ContactDBID: e.Contact.ID,
			ServiceName: strings.TrimSpace(args.Service),
			StartsAt:    startsAt,
			Status:      store.BookingConfirmed,
			Source:      store.SourceAI,
		}

		item, err := e.Tx.GetMenuItemByName(ctx, args.Service)
		switch {
		case err == nil:
			b.ServiceID = &item.ID
			b.ServiceName = item.Name
		case !errors.Is(err, store.ErrMenuItemNotFound):
			e.Fail("menu lookup", err)
			e.SetReply(replyBookingFailed)
			return
		}

		created, err := e.Tx.CreateBooking(ctx, b)
		if err != nil {
			e.Fail("create booking", err)
			e.SetReply(replyBookingFailed)
			return
		}
		e.Booking = created

		if err := l.audit(ctx, e, "booking_created", map[string]any{
			"booking_id": created.ID,
			"service":    created.ServiceName,
			"starts_at":  created.StartsAt,
		}); err != nil {
			e.Fail("audit booking", err)
			e.SetReply(replyBookingFailed)
			return
		}

		l.logger.Info("booking created",
			"contact_id", e.Contact.ContactID,
			"booking_id", created.ID,
			"service", created.ServiceName,
			"starts_at", created.StartsAt,
		)
	}}
}

// ScheduleReminder queues the day-before reminder.
func (l *Listeners) ScheduleReminder() Listener {
	return Listener{Name: "schedule_reminder", Handle: func(ctx context.Context, e *Event) {
		if e.Booking == nil {
			return
		}
		startsAt := e.Booking.StartsAt.In(e.Location)
		at := startsAt.Add(-l.settings.ReminderLead)
		content := reminderContent(e.contactName(), e.Booking.ServiceName, startsAt)

		if _, err := l.scheduleOnce(ctx, e, store.TaskAppointmentReminder, at, content); err != nil {
			e.Fail("schedule reminder", err)
		}
	}}
}

// ScheduleShortReminder queues the same-day reminder, unless it would be sent
// during quiet hours.
func (l *Listeners) ScheduleShortReminder() Listener {
	return Listener{Name: "schedule_short_reminder", Handle: func(ctx context.Context, e *Event) {
		if e.Booking == nil {
			return
		}
		startsAt := e.Booking.StartsAt.In(e.Location)
		at := startsAt.Add(-l.settings.ShortReminderLead)

		if quietAt(at, e) {
			metrics.RecordReminderScheduling(string(store.TaskShortAppointmentReminder), "quiet_hours")
			return
		}

		content := shortReminderContent(e.contactName(), e.Booking.ServiceName, startsAt)
		if _, err := l.scheduleOnce(ctx, e, store.TaskShortAppointmentReminder, at, content); err != nil {
			e.Fail("schedule short reminder", err)
		}
	}}
}

// BookingReply confirms the booking as stored.
func (l *Listeners) BookingReply() Listener {
	return Listener{Name: "booking_reply", Handle: func(ctx context.Context, e *Event) {
		if e.Booking == nil {
			return
		}
		e.SetReply(fmt.Sprintf(
			"You're all set! Your %s is booked for %s. We look forward to seeing you!",
			e.Booking.ServiceName, e.Booking.StartsAt.In(e.Location).Format(dayLayout),
		))
	}}
}
