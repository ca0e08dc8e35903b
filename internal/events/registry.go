package events

import "log/slog"

// NewDefaultDispatcher wires every routed action to its pipeline.
func NewDefaultDispatcher(logger *slog.Logger, settings Settings) *Dispatcher {
	l := NewListeners(settings, logger)
	d := NewDispatcher(logger)

	d.Register(ActionCreateBooking,
		l.ConflictCheck(),
		l.CreateBooking(),
		l.ScheduleReminder(),
		l.ScheduleShortReminder(),
		l.ApplyTags(),
		l.BookingReply(),
	)

	d.Register(ActionUpdateBooking,
		l.FindOriginalBooking(),
		l.ApplyBookingChanges(),
		l.ReconcileReminders(),
		l.UpdateReply(),
	)

	d.Register(ActionScheduleFollowUp,
		l.ScheduleFollowUp(),
		l.ApplyTags(),
	)

	d.Register(ActionHandoff,
		l.PauseAI(),
		l.ApplyTags(),
	)

	d.Register(ActionCaptureName, l.CaptureName())
	d.Register(ActionRequestConfirmation, l.ApplyTags())
	d.Register(ActionContinueConversation, l.ApplyTags())

	return d
}
