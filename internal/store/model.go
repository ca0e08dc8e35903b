package store

import "time"

const RoleManager = "manager"

type Contact struct {
	ID                int64
	ContactID         string // channel address, e.g. a WhatsApp number
	Name              *string
	IsNameConfirmed   bool
	AIPausedUntil     *time.Time
	ConversationState map[string]any
	Role              *string
	Tags              []string
	CreatedAt         time.Time
}

// DisplayName returns the contact's name or fallback.
func (c *Contact) DisplayName(fallback string) string {
	if c.Name == nil || *c.Name == "" {
		return fallback
	}
	return *c.Name
}

func (c *Contact) IsManager() bool {
	return c.Role != nil && *c.Role == RoleManager
}

// IsPaused reports whether AI replies are muted at now.
func (c *Contact) IsPaused(now time.Time) bool {
	return c.AIPausedUntil != nil && c.AIPausedUntil.After(now)
}

type TurnStatus string

const (
	TurnIgnoredPaused   TurnStatus = "received_ignored_ai_paused"
	TurnIgnoredQuiet    TurnStatus = "received_ignored_quiet_hours"
	TurnIgnoredOffHours TurnStatus = "received_ignored_off_hours"
	TurnManager         TurnStatus = "received_manager"
	TurnReplied         TurnStatus = "replied"
	TurnRepliedOffHours TurnStatus = "replied_off_hours"
	TurnRepliedManual   TurnStatus = "replied_manual"
	TurnFailed          TurnStatus = "failed"
)

// ConversationTurn is one row of the append-only conversation log.
type ConversationTurn struct {
	ID           int64
	Channel      string
	ContactDBID  int64
	IncomingText string
	OutgoingText *string
	Status       TurnStatus
	Outcome      string
	CreatedAt    time.Time
}

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type BookingSource string

const (
	SourceAI     BookingSource = "ai_booking"
	SourceManual BookingSource = "manual_booking"
)

type Booking struct {
	ID          int64
	ContactDBID int64
	ServiceID   *int64
	ServiceName string
	StartsAt    time.Time
	EndsAt      *time.Time
	Status      BookingStatus
	Source      BookingSource
	Notes       *string
	CreatedAt   time.Time
}

type TaskType string

const (
	TaskAppointmentReminder      TaskType = "APPOINTMENT_REMINDER"
	TaskShortAppointmentReminder TaskType = "SHORT_TERM_APPOINTMENT_REMINDER"
	TaskLeadFollowUp             TaskType = "LEAD_FOLLOWUP"
	TaskAbandonedCartFollowUp    TaskType = "ABANDONED_CART_FOLLOWUP"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskSending TaskStatus = "sending"
	TaskSent    TaskStatus = "sent"
	TaskFailed  TaskStatus = "failed"
)

// ScheduledTask is a deferred outbound message keyed by the contact's
// channel address. Appointment reminders also carry the booking they belong
// to; follow-ups leave BookingID nil.
type ScheduledTask struct {
	ID          int64
	ContactID   string
	BookingID   *int64
	TaskType    TaskType
	ScheduledAt time.Time
	Content     string
	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type MenuItem struct {
	ID          int64
	Name        string
	Category    string
	Price       float64
	Description *string
	IsActive    bool
}

// UpsellRule suggests Suggested whenever Trigger is discussed.
type UpsellRule struct {
	ID             int64
	Trigger        string
	Suggested      string
	SuggestionText string
}

type BusinessProfile struct {
	Name        string
	Description *string
	Address     *string
	PhoneNumber *string
}

// KnowledgeItem is one question and answer pair the assistant may quote.
type KnowledgeItem struct {
	ID       int64
	Question string
	Answer   string
}

type StaffMember struct {
	ID          int64
	Name        string
	Specialties string
}

// TagRule maps a keyword found in an inbound message to a contact tag.
type TagRule struct {
	ID      int64
	Keyword string
	Tag     string
}

// EventLog is an audit row for side effects produced by a dispatch.
type EventLog struct {
	ID          int64
	EventType   string
	ContactDBID *int64
	Payload     []byte
	CreatedAt   time.Time
}
