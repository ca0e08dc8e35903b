package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/salon-conversation-engine/internal/schedule"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

// 2025-09-08 is a Monday.
var testNow = time.Date(2025, 9, 8, 10, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	repo    *store.MemoryRepository
	d       *Dispatcher
	contact *store.Contact
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.SetClock(func() time.Time { return testNow })
	repo.SeedMenu(
		store.MenuItem{Name: "Haircut", Category: "Hair", Price: 40, IsActive: true},
		store.MenuItem{Name: "Massage", Category: "Spa", Price: 80, IsActive: true},
		store.MenuItem{Name: "Facial", Category: "Spa", Price: 60, IsActive: true},
	)

	var contact *store.Contact
	require.NoError(t, repo.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		contact, err = tx.CreateContact(context.Background(), "5511999990000", nil)
		return err
	}))

	return &harness{
		t:       t,
		repo:    repo,
		d:       NewDefaultDispatcher(nil, DefaultSettings()),
		contact: contact,
		now:     testNow,
	}
}

// dispatch runs one action in its own transaction. The transaction is rolled
// back when the event failed, like the controller does.
func (h *harness) dispatch(action Action, rawArgs string, hours ...schedule.Hours) *Event {
	h.t.Helper()
	args, err := DecodeArgs(action, json.RawMessage(rawArgs))
	require.NoError(h.t, err)

	var ev *Event
	_ = h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		c, err := tx.GetContactByContactID(context.Background(), h.contact.ContactID)
		require.NoError(h.t, err)
		ev = NewEvent(c, tx, action, args, h.now)
		ev.Hours = hours
		h.d.Dispatch(context.Background(), ev)
		return ev.Err()
	})
	return ev
}

func tasksOfType(tasks []store.ScheduledTask, tt store.TaskType) []store.ScheduledTask {
	var out []store.ScheduledTask
	for _, task := range tasks {
		if task.TaskType == tt {
			out = append(out, task)
		}
	}
	return out
}

func TestCreateBookingPipeline(t *testing.T) {
	h := newHarness(t)

	ev := h.dispatch(ActionCreateBooking, `{"service": "haircut", "date": "2025-09-10", "time": "15:00", "tags": ["vip"]}`)
	require.False(t, ev.Stopped(), ev.StopReason())

	bookings := h.repo.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, "Haircut", bookings[0].ServiceName)
	require.NotNil(t, bookings[0].ServiceID)
	assert.Equal(t, time.Date(2025, 9, 10, 15, 0, 0, 0, time.UTC), bookings[0].StartsAt)

	reminders := tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, time.Date(2025, 9, 9, 15, 0, 0, 0, time.UTC), reminders[0].ScheduledAt)
	assert.Equal(t, "Hi there! Reminder for your Haircut appointment tomorrow at 03:00 PM.", reminders[0].Content)

	short := tasksOfType(h.repo.Tasks(), store.TaskShortAppointmentReminder)
	require.Len(t, short, 1)
	assert.Equal(t, time.Date(2025, 9, 10, 9, 0, 0, 0, time.UTC), short[0].ScheduledAt)

	reply, ok := ev.FinalReply()
	require.True(t, ok)
	assert.Equal(t, "You're all set! Your Haircut is booked for Wednesday, September 10 at 03:00 PM. We look forward to seeing you!", reply)

	_ = h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		c, err := tx.GetContactByContactID(context.Background(), h.contact.ContactID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"vip", "interest:haircut"}, c.Tags)
		return nil
	})
}

func TestCreateBookingConflictWindow(t *testing.T) {
	h := newHarness(t)

	first := h.dispatch(ActionCreateBooking, `{"service": "Haircut", "date": "2025-09-10", "time": "15:00"}`)
	require.False(t, first.Stopped())

	second := h.dispatch(ActionCreateBooking, `{"service": "Haircut", "date": "2025-09-10", "time": "16:00"}`)
	assert.True(t, second.Stopped())
	assert.Equal(t, "duplicate booking detected", second.StopReason())
	reply, _ := second.FinalReply()
	assert.Contains(t, reply, "Were you looking to reschedule?")
	assert.Len(t, h.repo.Bookings(), 1)

	third := h.dispatch(ActionCreateBooking, `{"service": "Haircut", "date": "2025-09-10", "time": "18:00"}`)
	assert.False(t, third.Stopped(), third.StopReason())
	assert.Len(t, h.repo.Bookings(), 2)

	// the 18:00 reminder is within three hours of the 15:00 one and is skipped
	assert.Len(t, tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder), 1)
}

func TestCreateBookingValidation(t *testing.T) {
	tests := []struct {
		name   string
		args   string
		reason string
	}{
		{"missing time", `{"service": "Haircut", "date": "2025-09-10"}`, "incomplete booking details"},
		{"bad date", `{"service": "Haircut", "date": "next tuesday", "time": "15:00"}`, ""},
		{"past", `{"service": "Haircut", "date": "2025-09-01", "time": "15:00"}`, "booking time in the past"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ev := h.dispatch(ActionCreateBooking, tt.args)
			assert.True(t, ev.Stopped())
			assert.NoError(t, ev.Err())
			if tt.reason != "" {
				assert.Equal(t, tt.reason, ev.StopReason())
			}
			_, ok := ev.FinalReply()
			assert.True(t, ok)
			assert.Empty(t, h.repo.Bookings())
		})
	}
}

func TestShortReminderSkippedInQuietHours(t *testing.T) {
	h := newHarness(t)
	open, closeAt := schedule.Clock(9, 0), schedule.Clock(20, 0)
	quietStart, quietEnd := schedule.Clock(22, 0), schedule.Clock(8, 0)
	wednesday := schedule.Hours{Day: time.Wednesday, OpenTime: &open, CloseTime: &closeAt, QuietStart: &quietStart, QuietEnd: &quietEnd}

	// 10:00 booking, same-day reminder would go out at 04:00
	ev := h.dispatch(ActionCreateBooking, `{"service": "Facial", "date": "2025-09-10", "time": "10:00"}`, wednesday)
	require.False(t, ev.Stopped())

	assert.Empty(t, tasksOfType(h.repo.Tasks(), store.TaskShortAppointmentReminder))
	assert.Len(t, tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder), 1)
}

func TestUpdateBookingPartialTime(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Massage", "date": "2025-09-10", "time": "15:00"}`).Stopped())

	ev := h.dispatch(ActionUpdateBooking, `{"original_service_name": "Massage", "new_time": "17:00"}`)
	require.False(t, ev.Stopped(), ev.StopReason())

	bookings := h.repo.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, time.Date(2025, 9, 10, 17, 0, 0, 0, time.UTC), bookings[0].StartsAt)

	reminders := tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, time.Date(2025, 9, 9, 17, 0, 0, 0, time.UTC), reminders[0].ScheduledAt)
	assert.Contains(t, reminders[0].Content, "05:00 PM")

	short := tasksOfType(h.repo.Tasks(), store.TaskShortAppointmentReminder)
	require.Len(t, short, 1)
	assert.Equal(t, time.Date(2025, 9, 10, 11, 0, 0, 0, time.UTC), short[0].ScheduledAt)

	reply, _ := ev.FinalReply()
	assert.Equal(t, "You're all set! I've successfully updated your appointment time to Wednesday, September 10 at 05:00 PM. We look forward to seeing you!", reply)
}

func TestUpdateBookingServiceOnlyRewritesReminder(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Massage", "date": "2025-09-10", "time": "15:00"}`).Stopped())
	before := tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder)
	require.Len(t, before, 1)

	ev := h.dispatch(ActionUpdateBooking, `{"original_service_name": "massage", "new_service_name": "facial"}`)
	require.False(t, ev.Stopped(), ev.StopReason())

	after := tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, before[0].ScheduledAt, after[0].ScheduledAt)
	assert.Contains(t, after[0].Content, "Facial")

	reply, _ := ev.FinalReply()
	assert.Contains(t, reply, "service to 'Facial'")
}

func TestUpdateBookingStops(t *testing.T) {
	tests := []struct {
		name   string
		args   string
		reason string
		reply  string
	}{
		{"unknown original", `{"original_service_name": "Pedicure", "new_time": "17:00"}`, `no booking for "Pedicure"`, "I couldn't find a recent booking for a 'Pedicure'. Would you like to make a new booking instead?"},
		{"no original", `{"new_time": "17:00"}`, "original service not provided", replyWhichBooking},
		{"unknown new service", `{"original_service_name": "Massage", "new_service_name": "Tattoo"}`, `service "Tattoo" not on the menu`, "I'm sorry, I couldn't find 'Tattoo' on our menu. Please choose a valid service."},
		{"nothing changes", `{"original_service_name": "Massage", "new_time": "15:00"}`, "update_booking without changes", replyWhatToChange},
		{"bad time", `{"original_service_name": "Massage", "new_time": "teatime"}`, "", replyBadDateTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Massage", "date": "2025-09-10", "time": "15:00"}`).Stopped())

			ev := h.dispatch(ActionUpdateBooking, tt.args)
			assert.True(t, ev.Stopped())
			if tt.reason != "" {
				assert.Equal(t, tt.reason, ev.StopReason())
			}
			reply, _ := ev.FinalReply()
			assert.Equal(t, tt.reply, reply)
			assert.Equal(t, time.Date(2025, 9, 10, 15, 0, 0, 0, time.UTC), h.repo.Bookings()[0].StartsAt)
		})
	}
}

func TestFollowUpIsScheduledOnce(t *testing.T) {
	h := newHarness(t)

	h.dispatch(ActionScheduleFollowUp, `{"service": "Facial"}`)
	h.dispatch(ActionScheduleFollowUp, `{"service": "Massage"}`)

	followUps := tasksOfType(h.repo.Tasks(), store.TaskAbandonedCartFollowUp)
	require.Len(t, followUps, 1)
	assert.Equal(t, testNow.Add(24*time.Hour), followUps[0].ScheduledAt)
	assert.Equal(t, "Hi there, we noticed you were about to book a Facial with us. Did you have any other questions before confirming? We'd be happy to help!", followUps[0].Content)
}

func TestHandoffPausesAI(t *testing.T) {
	h := newHarness(t)

	ev := h.dispatch(ActionHandoff, `{"reason": "price negotiation", "tags": ["needs-human"]}`)
	require.False(t, ev.Stopped())

	_ = h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		c, err := tx.GetContactByContactID(context.Background(), h.contact.ContactID)
		require.NoError(t, err)
		require.NotNil(t, c.AIPausedUntil)
		assert.Equal(t, testNow.Add(12*time.Hour), *c.AIPausedUntil)
		assert.Equal(t, []string{"needs-human"}, c.Tags)
		return nil
	})

	_, hasReply := ev.FinalReply()
	assert.False(t, hasReply)
}

func TestCaptureNameOnlyOnce(t *testing.T) {
	h := newHarness(t)

	h.dispatch(ActionCaptureName, `{"customer_name": "Ana"}`)
	h.dispatch(ActionCaptureName, `{"customer_name": "Someone Else"}`)

	_ = h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		c, err := tx.GetContactByContactID(context.Background(), h.contact.ContactID)
		require.NoError(t, err)
		assert.Equal(t, "Ana", c.DisplayName(""))
		assert.True(t, c.IsNameConfirmed)
		return nil
	})
}

func TestUpdateBookingConflictsWithAnotherBooking(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Haircut", "date": "2025-09-10", "time": "15:00"}`).Stopped())
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Massage", "date": "2025-09-10", "time": "15:30"}`).Stopped())

	ev := h.dispatch(ActionUpdateBooking, `{"original_service_name": "Massage", "new_service_name": "Haircut"}`)
	assert.True(t, ev.Stopped())
	assert.NoError(t, ev.Err())
	assert.Equal(t, "update clashes with an existing booking", ev.StopReason())
	reply, _ := ev.FinalReply()
	assert.Equal(t, "You already have a booking for a 'Haircut' scheduled for Wednesday at 03:00 PM. Did you mean to change that one instead?", reply)

	var services []string
	for _, b := range h.repo.Bookings() {
		services = append(services, b.ServiceName)
	}
	assert.ElementsMatch(t, []string{"Haircut", "Massage"}, services)
}

func TestUpdateBookingIgnoresItsOwnSlot(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Haircut", "date": "2025-09-10", "time": "15:00"}`).Stopped())

	// moving by an hour stays inside the conflict window of the booking itself
	ev := h.dispatch(ActionUpdateBooking, `{"original_service_name": "Haircut", "new_time": "16:00"}`)
	require.False(t, ev.Stopped(), ev.StopReason())
	assert.Equal(t, time.Date(2025, 9, 10, 16, 0, 0, 0, time.UTC), h.repo.Bookings()[0].StartsAt)
}

func TestRescheduleKeepsOtherBookingsReminders(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Haircut", "date": "2025-09-10", "time": "15:00"}`).Stopped())
	require.False(t, h.dispatch(ActionCreateBooking, `{"service": "Massage", "date": "2025-09-10", "time": "16:00"}`).Stopped())

	var haircut, massage store.Booking
	for _, b := range h.repo.Bookings() {
		if b.ServiceName == "Haircut" {
			haircut = b
		} else {
			massage = b
		}
	}

	before := tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder)
	require.Len(t, before, 1)
	require.NotNil(t, before[0].BookingID)
	assert.Equal(t, haircut.ID, *before[0].BookingID)

	ev := h.dispatch(ActionUpdateBooking, `{"original_service_name": "Massage", "new_date": "2025-09-12"}`)
	require.False(t, ev.Stopped(), ev.StopReason())

	byBooking := map[int64]store.ScheduledTask{}
	for _, task := range tasksOfType(h.repo.Tasks(), store.TaskAppointmentReminder) {
		require.NotNil(t, task.BookingID)
		byBooking[*task.BookingID] = task
	}
	require.Len(t, byBooking, 2)
	assert.Equal(t, time.Date(2025, 9, 9, 15, 0, 0, 0, time.UTC), byBooking[haircut.ID].ScheduledAt)
	assert.Contains(t, byBooking[haircut.ID].Content, "Haircut")
	assert.Equal(t, time.Date(2025, 9, 11, 16, 0, 0, 0, time.UTC), byBooking[massage.ID].ScheduledAt)
	assert.Contains(t, byBooking[massage.ID].Content, "Massage")

	short := tasksOfType(h.repo.Tasks(), store.TaskShortAppointmentReminder)
	require.Len(t, short, 1)
	assert.Equal(t, haircut.ID, *short[0].BookingID)
}
