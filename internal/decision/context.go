package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/now"

	"github.com/hackgods/salon-conversation-engine/internal/schedule"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	bookingLookback = 30 * 24 * time.Hour
	noBookings      = "No recent or upcoming bookings."
)

// BookingSummary lists the contact's confirmed bookings from the last 30
// days and everything upcoming.
func BookingSummary(ctx context.Context, tx store.Tx, contactDBID int64, at time.Time) (string, error) {
	today := now.With(at).BeginningOfDay()
	from := today.Add(-bookingLookback)
	to := today.AddDate(1, 0, 0)

	bookings, err := tx.ListBookingsBetween(ctx, contactDBID, from, to)
	if err != nil {
		return "", fmt.Errorf("list bookings: %w", err)
	}
	if len(bookings) == 0 {
		return noBookings, nil
	}

	var past, upcoming []string
	for _, b := range bookings {
		line := fmt.Sprintf("%s on %s", b.ServiceName, b.StartsAt.In(at.Location()).Format("Monday, January 02 at 03:04 PM"))
		if b.StartsAt.Before(at) {
			past = append(past, line)
		} else {
			upcoming = append(upcoming, line)
		}
	}

	var sb strings.Builder
	if len(upcoming) > 0 {
		sb.WriteString("Upcoming: " + strings.Join(upcoming, "; ") + ".")
	}
	if len(past) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString("Recent: " + strings.Join(past, "; ") + ".")
	}
	return sb.String(), nil
}

// BusinessContext renders what the assistant may tell customers about the
// business. Sections with nothing configured are left out, except the menu.
func BusinessContext(ctx context.Context, tx store.Tx, businessName string, at time.Time) (string, error) {
	profile, err := tx.GetBusinessProfile(ctx)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		return "", fmt.Errorf("get business profile: %w", err)
	}
	items, err := tx.ListMenuItems(ctx)
	if err != nil {
		return "", fmt.Errorf("list menu: %w", err)
	}
	week, err := tx.ListBusinessHours(ctx)
	if err != nil {
		return "", fmt.Errorf("list business hours: %w", err)
	}
	upsells, err := tx.ListUpsellRules(ctx)
	if err != nil {
		return "", fmt.Errorf("list upsell rules: %w", err)
	}
	faq, err := tx.ListKnowledge(ctx)
	if err != nil {
		return "", fmt.Errorf("list knowledge: %w", err)
	}
	staff, err := tx.ListStaff(ctx)
	if err != nil {
		return "", fmt.Errorf("list staff: %w", err)
	}

	var sb strings.Builder
	if profile != nil && profile.Name != "" {
		businessName = profile.Name
	}
	fmt.Fprintf(&sb, "Business: %s\n", businessName)
	if profile != nil {
		optionalLine(&sb, "About", profile.Description)
		optionalLine(&sb, "Location", profile.Address)
		optionalLine(&sb, "Contact number", profile.PhoneNumber)
	}
	fmt.Fprintf(&sb, "Today: %s\n", at.Format("Monday, January 02 2006"))
	sb.WriteString("Hours today: " + hoursLine(at, week) + "\n")

	if len(items) == 0 {
		sb.WriteString("Menu: not configured\n")
	} else {
		sb.WriteString("Menu:\n")
		for _, m := range items {
			fmt.Fprintf(&sb, "- %s (%s): %.2f", m.Name, m.Category, m.Price)
			if m.Description != nil && *m.Description != "" {
				sb.WriteString(" - " + *m.Description)
			}
			sb.WriteString("\n")
		}
	}

	if len(upsells) > 0 {
		sb.WriteString("Upsell suggestions:\n")
		for _, u := range upsells {
			fmt.Fprintf(&sb, "- When booking %s, suggest %s", u.Trigger, u.Suggested)
			if u.SuggestionText != "" {
				fmt.Fprintf(&sb, ": %q", u.SuggestionText)
			}
			sb.WriteString("\n")
		}
	}

	if len(faq) > 0 {
		sb.WriteString("Frequently asked questions:\n")
		for _, k := range faq {
			fmt.Fprintf(&sb, "- Q: %s\n  A: %s\n", k.Question, k.Answer)
		}
	}

	if len(staff) > 0 {
		sb.WriteString("Staff:\n")
		for _, m := range staff {
			if m.Specialties == "" {
				fmt.Fprintf(&sb, "- %s\n", m.Name)
				continue
			}
			fmt.Fprintf(&sb, "- %s (specialties: %s)\n", m.Name, m.Specialties)
		}
	}
	return sb.String(), nil
}

func optionalLine(sb *strings.Builder, label string, v *string) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", label, strings.TrimSpace(*v))
}

func hoursLine(at time.Time, week []schedule.Hours) string {
	if len(week) == 0 {
		return "not configured"
	}
	h, ok := schedule.HoursFor(at, week)
	if !ok || h.OpenTime == nil || h.CloseTime == nil {
		return "closed"
	}
	return h.OpenTime.Kitchen() + " to " + h.CloseTime.Kitchen()
}
