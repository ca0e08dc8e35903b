// Package schedule decides whether the business is open, closed or in quiet
// hours for a given instant.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusClosedQuiet Status = "CLOSED_QUIET"
	StatusClosedAwake Status = "CLOSED_AWAKE"
)

const (
	closedTodayMessage = "Thanks for your message! We appear to be closed today, but our team will review your message when we're back."
	closedMessage      = "Thanks for your message! We are currently closed."
)

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}

	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		d += time.Duration(n) * units[i]
	}
	return TimeOfDay(d), nil
}

// OffsetOf returns the wall-clock time of t in its own location.
func OffsetOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// Kitchen renders the offset as "03:04 PM".
func (t TimeOfDay) Kitchen() string {
	return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(t)).Format("03:04 PM")
}

// Hours is one weekday row of the weekly schedule. Nil fields are unset.
type Hours struct {
	Day        time.Weekday
	OpenTime   *TimeOfDay
	CloseTime  *TimeOfDay
	QuietStart *TimeOfDay
	QuietEnd   *TimeOfDay
}

type Verdict struct {
	Status  Status
	Message string
}

// InRange reports whether current lies in [start, end]. A range whose start is
// after its end wraps past midnight and then excludes its end.
func InRange(start, end, current TimeOfDay) bool {
	if start <= end {
		return start <= current && current <= end
	}
	return current >= start || current < end
}

// Classify applies quiet hours first, then opening hours. An empty week means
// no schedule was configured and the business is treated as open.
func Classify(now time.Time, week []Hours) Verdict {
	if len(week) == 0 {
		return Verdict{Status: StatusOpen}
	}

	today, ok := dayOf(week, now.Weekday())
	if !ok {
		return Verdict{Status: StatusClosedAwake, Message: closedTodayMessage}
	}

	current := OffsetOf(now)

	if today.QuietStart != nil && today.QuietEnd != nil {
		if InRange(*today.QuietStart, *today.QuietEnd, current) {
			return Verdict{Status: StatusClosedQuiet}
		}
	}

	if today.OpenTime != nil && today.CloseTime != nil {
		if InRange(*today.OpenTime, *today.CloseTime, current) {
			return Verdict{Status: StatusOpen}
		}
		return Verdict{
			Status: StatusClosedAwake,
			Message: fmt.Sprintf(
				"Thanks for your message! Our hours today are from %s to %s. We'll get back to you as soon as we reopen!",
				today.OpenTime.Kitchen(), today.CloseTime.Kitchen(),
			),
		}
	}

	return Verdict{Status: StatusClosedAwake, Message: closedMessage}
}

// InQuietHours reports whether t falls inside the quiet window of its weekday.
func InQuietHours(t time.Time, week []Hours) bool {
	day, ok := dayOf(week, t.Weekday())
	if !ok || day.QuietStart == nil || day.QuietEnd == nil {
		return false
	}
	return InRange(*day.QuietStart, *day.QuietEnd, OffsetOf(t))
}

// HoursFor returns the schedule row for the weekday of t.
func HoursFor(t time.Time, week []Hours) (Hours, bool) {
	return dayOf(week, t.Weekday())
}

func dayOf(week []Hours, day time.Weekday) (Hours, bool) {
	for _, h := range week {
		if h.Day == day {
			return h, true
		}
	}
	return Hours{}, false
}
