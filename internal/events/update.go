package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	replyWhichBooking = "I'm sorry, I'm having trouble identifying which appointment you'd like to change. Could you please clarify the service?"
	replyWhatToChange = "I see you'd like to make a change. What would you like to update?"
)

func updateArgs(e *Event) (*UpdateBookingArgs, bool) {
	args, ok := e.Args.(*UpdateBookingArgs)
	return args, ok
}

// FindOriginalBooking locates the contact's most recent confirmed booking for
// the named service.
func (l *Listeners) FindOriginalBooking() Listener {
	return Listener{Name: "find_original_booking", Handle: func(ctx context.Context, e *Event) {
		args, ok := updateArgs(e)
		if !ok || strings.TrimSpace(args.OriginalServiceName) == "" {
			e.StopWithReply("original service not provided", replyWhichBooking)
			return
		}

		b, err := e.Tx.MostRecentBookingByService(ctx, e.Contact.ID, args.OriginalServiceName)
		if errors.Is(err, store.ErrBookingNotFound) {
			e.StopWithReply(
				fmt.Sprintf("no booking for %q", args.OriginalServiceName),
				fmt.Sprintf("I couldn't find a recent booking for a '%s'. Would you like to make a new booking instead?", args.OriginalServiceName),
			)
			return
		}
		if err != nil {
			e.Fail("find original booking", err)
			return
		}

		original := *b
		e.Original = &original
		e.Booking = b
	}}
}

// ApplyBookingChanges applies the optional service, date and time changes.
// A missing date or time keeps the booking's current one.
func (l *Listeners) ApplyBookingChanges() Listener {
	return Listener{Name: "apply_booking_changes", Handle: func(ctx context.Context, e *Event) {
		args, _ := updateArgs(e)
		if args == nil || e.Booking == nil {
			return
		}
		b := *e.Booking
		var changes []string

		if name := strings.TrimSpace(args.NewServiceName); name != "" {
			item, err := e.Tx.GetMenuItemByName(ctx, name)
			if errors.Is(err, store.ErrMenuItemNotFound) {
				e.StopWithReply(
					fmt.Sprintf("service %q not on the menu", name),
					fmt.Sprintf("I'm sorry, I couldn't find '%s' on our menu. Please choose a valid service.", name),
				)
				return
			}
			if err != nil {
				e.Fail("menu lookup", err)
				return
			}
			if !strings.EqualFold(item.Name, b.ServiceName) {
				b.ServiceID = &item.ID
				b.ServiceName = item.Name
				changes = append(changes, fmt.Sprintf("service to '%s'", item.Name))
			}
		}

		if args.NewDate != "" || args.NewTime != "" {
			current := b.StartsAt.In(e.Location)
			date, clock := args.NewDate, args.NewTime
			if date == "" {
				date = current.Format(dateLayout)
			}
			if clock == "" {
				clock = current.Format("15:04")
			}

			startsAt, err := parseDateTime(date, clock, e.Location)
			if err != nil {
				e.StopWithReply(err.Error(), replyBadDateTime)
				return
			}
			if !startsAt.After(e.Now) {
				e.StopWithReply("new booking time in the past", replyInThePast)
				return
			}
			if !startsAt.Equal(b.StartsAt) {
				if b.EndsAt != nil {
					ends := b.EndsAt.Add(startsAt.Sub(b.StartsAt))
					b.EndsAt = &ends
				}
				b.StartsAt = startsAt
				changes = append(changes, "time to "+startsAt.Format(dayLayout))
			}
		}

		if len(changes) == 0 {
			e.StopWithReply("update_booking without changes", replyWhatToChange)
			return
		}

		clash, err := e.Tx.FindConflictingBooking(ctx, e.Contact.ID, b.ServiceName, b.StartsAt, l.settings.ConflictWindow, b.ID)
		switch {
		case err == nil:
			e.StopWithReply("update clashes with an existing booking", fmt.Sprintf(
				"You already have a booking for a '%s' scheduled for %s. Did you mean to change that one instead?",
				clash.ServiceName, clash.StartsAt.In(e.Location).Format("Monday at 03:04 PM"),
			))
			return
		case !errors.Is(err, store.ErrBookingNotFound):
			e.Fail("conflict check", err)
			return
		}

		updated, err := e.Tx.UpdateBooking(ctx, b)
		if err != nil {
			e.Fail("update booking", err)
			return
		}
		e.Booking = updated
		e.Changes = changes

		if err := l.audit(ctx, e, "booking_updated", map[string]any{
			"booking_id": updated.ID,
			"changes":    changes,
		}); err != nil {
			e.Fail("audit booking update", err)
		}
	}}
}

// ReconcileReminders moves the booking's own reminders to the new time, or
// rewrites their content when only the service changed.
func (l *Listeners) ReconcileReminders() Listener {
	return Listener{Name: "reconcile_reminders", Handle: func(ctx context.Context, e *Event) {
		if e.Original == nil || e.Booking == nil {
			return
		}
		timeChanged := !e.Original.StartsAt.Equal(e.Booking.StartsAt)
		startsAt := e.Booking.StartsAt.In(e.Location)

		reminders := []struct {
			taskType store.TaskType
			lead     time.Duration
			content  string
			quiet    bool
		}{
			{store.TaskAppointmentReminder, l.settings.ReminderLead, reminderContent(e.contactName(), e.Booking.ServiceName, startsAt), false},
			{store.TaskShortAppointmentReminder, l.settings.ShortReminderLead, shortReminderContent(e.contactName(), e.Booking.ServiceName, startsAt), true},
		}

		for _, r := range reminders {
			old, err := e.Tx.FindPendingBookingTask(ctx, e.Booking.ID, r.taskType)
			if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
				e.Fail("find reminder", err)
				return
			}

			if !timeChanged {
				if old == nil {
					continue
				}
				old.Content = r.content
				if err := e.Tx.UpdateTask(ctx, *old); err != nil {
					e.Fail("update reminder", err)
					return
				}
				continue
			}

			if old != nil {
				if err := e.Tx.DeleteTask(ctx, old.ID); err != nil {
					e.Fail("delete reminder", err)
					return
				}
			} else if r.taskType == store.TaskShortAppointmentReminder {
				// never had a same-day reminder, don't add one on reschedule
				continue
			}

			newAt := startsAt.Add(-r.lead)
			if r.quiet && quietAt(newAt, e) {
				continue
			}
			if _, err := l.scheduleOnce(ctx, e, r.taskType, newAt, r.content); err != nil {
				e.Fail("reschedule reminder", err)
				return
			}
		}
	}}
}

// UpdateReply summarizes what changed.
func (l *Listeners) UpdateReply() Listener {
	return Listener{Name: "update_reply", Handle: func(ctx context.Context, e *Event) {
		if len(e.Changes) == 0 {
			return
		}
		e.SetReply(fmt.Sprintf(
			"You're all set! I've successfully updated your appointment %s. We look forward to seeing you!",
			strings.Join(e.Changes, " and "),
		))
	}}
}
