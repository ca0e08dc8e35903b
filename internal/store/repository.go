package store

import (
	"context"
	"errors"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/schedule"
)

var (
	ErrContactNotFound  = errors.New("contact not found")
	ErrTurnNotFound     = errors.New("conversation turn not found")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrTaskNotFound     = errors.New("scheduled task not found")
	ErrMenuItemNotFound = errors.New("menu item not found")
	ErrProfileNotFound  = errors.New("business profile not found")
	ErrStatusConflict   = errors.New("task status changed concurrently")
)

// Tx is the unit of work for one turn. Everything written through a Tx is
// committed or rolled back together by Repository.WithTx; nothing holding a
// Tx may commit on its own.
type Tx interface {
	// Contacts
	GetContactByContactID(ctx context.Context, contactID string) (*Contact, error)
	CreateContact(ctx context.Context, contactID string, name *string) (*Contact, error)
	UpdateContactName(ctx context.Context, id int64, name string) error
	SetAIPause(ctx context.Context, id int64, until *time.Time) error
	// SaveConversationState replaces the stored state by value.
	SaveConversationState(ctx context.Context, id int64, state map[string]any) error
	AddContactTags(ctx context.Context, id int64, tags []string) error

	// Conversation log
	LastTurn(ctx context.Context, contactDBID int64) (*ConversationTurn, error)
	// RecentTurns returns up to limit turns, newest first.
	RecentTurns(ctx context.Context, contactDBID int64, limit int) ([]ConversationTurn, error)
	InsertTurn(ctx context.Context, turn ConversationTurn) (*ConversationTurn, error)

	// Bookings
	// FindConflictingBooking ignores the booking with excludeID; pass 0 when
	// nothing is being edited.
	FindConflictingBooking(ctx context.Context, contactDBID int64, serviceName string, at time.Time, window time.Duration, excludeID int64) (*Booking, error)
	CreateBooking(ctx context.Context, b Booking) (*Booking, error)
	MostRecentBookingByService(ctx context.Context, contactDBID int64, serviceName string) (*Booking, error)
	UpdateBooking(ctx context.Context, b Booking) (*Booking, error)
	ListBookingsBetween(ctx context.Context, contactDBID int64, from, to time.Time) ([]Booking, error)

	// Scheduled tasks. A zero from/to leaves that side of the window open.
	FindPendingTask(ctx context.Context, contactID string, taskType TaskType, from, to time.Time) (*ScheduledTask, error)
	FindPendingBookingTask(ctx context.Context, bookingID int64, taskType TaskType) (*ScheduledTask, error)
	CreateTask(ctx context.Context, t ScheduledTask) (*ScheduledTask, error)
	UpdateTask(ctx context.Context, t ScheduledTask) error
	DeleteTask(ctx context.Context, id int64) error

	// Business configuration
	GetMenuItemByName(ctx context.Context, name string) (*MenuItem, error)
	ListMenuItems(ctx context.Context) ([]MenuItem, error)
	ListBusinessHours(ctx context.Context) ([]schedule.Hours, error)
	ListTagRules(ctx context.Context) ([]TagRule, error)
	GetBusinessProfile(ctx context.Context) (*BusinessProfile, error)
	ListKnowledge(ctx context.Context) ([]KnowledgeItem, error)
	ListStaff(ctx context.Context) ([]StaffMember, error)
	ListUpsellRules(ctx context.Context) ([]UpsellRule, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all DB interactions needed by the pipeline and the
// reminder worker.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Reminder worker. ClaimDueTasks also reclaims tasks left in sending for
	// longer than lease, which happens when a worker dies mid-delivery.
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ScheduledTask, error)
	MarkTaskStatus(ctx context.Context, id int64, from, to TaskStatus) error
}
