package store

import (
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/schedule"
)

// MemoryRepository keeps everything in process. WithTx runs against a copy
// of the data and swaps it in only when fn succeeds, so a failed turn leaves
// no trace. Transactions are serialized.
type MemoryRepository struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)
var _ Tx = (*memTx)(nil)

type memData struct {
	nextID   int64
	contacts []Contact
	turns    []ConversationTurn
	bookings []Booking
	tasks    []ScheduledTask
	menu     []MenuItem
	hours    []schedule.Hours
	rules    []TagRule
	upsells  []UpsellRule
	profile  *BusinessProfile
	faq      []KnowledgeItem
	staff    []StaffMember
	events   []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: &memData{}, now: time.Now}
}

// SetClock overrides the clock used for created_at columns.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := r.data.clone()
	if err := fn(&memTx{d: work, now: r.now}); err != nil {
		return err
	}
	r.data = work
	return nil
}

// Seeding helpers. They bypass transactions.

func (r *MemoryRepository) SeedMenu(items ...MenuItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range items {
		r.data.nextID++
		m.ID = r.data.nextID
		r.data.menu = append(r.data.menu, m)
	}
}

func (r *MemoryRepository) SeedHours(week ...schedule.Hours) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.hours = append(r.data.hours, week...)
}

func (r *MemoryRepository) SeedTagRules(rules ...TagRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range rules {
		r.data.nextID++
		tr.ID = r.data.nextID
		r.data.rules = append(r.data.rules, tr)
	}
}

func (r *MemoryRepository) SeedProfile(p BusinessProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.profile = &p
}

func (r *MemoryRepository) SeedKnowledge(items ...KnowledgeItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range items {
		r.data.nextID++
		k.ID = r.data.nextID
		r.data.faq = append(r.data.faq, k)
	}
}

func (r *MemoryRepository) SeedStaff(members ...StaffMember) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range members {
		r.data.nextID++
		m.ID = r.data.nextID
		r.data.staff = append(r.data.staff, m)
	}
}

// SeedUpsells stores rules by service name; the names are not checked
// against the menu.
func (r *MemoryRepository) SeedUpsells(rules ...UpsellRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range rules {
		r.data.nextID++
		u.ID = r.data.nextID
		r.data.upsells = append(r.data.upsells, u)
	}
}

// SetRole is only used to seed manager contacts.
func (r *MemoryRepository) SetRole(contactID, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.data.contacts {
		if r.data.contacts[i].ContactID == contactID {
			r.data.contacts[i].Role = &role
		}
	}
}

// Snapshot accessors for tests.

func (r *MemoryRepository) Turns() []ConversationTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.data.turns)
}

func (r *MemoryRepository) Bookings() []Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.data.bookings)
}

func (r *MemoryRepository) Tasks() []ScheduledTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.data.tasks)
}

func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.data.events)
}

func (r *MemoryRepository) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := now.Add(-lease)
	var due []int
	for i, t := range r.data.tasks {
		switch {
		case t.Status == TaskPending && !t.ScheduledAt.After(now):
			due = append(due, i)
		case t.Status == TaskSending && t.UpdatedAt.Before(stale):
			due = append(due, i)
		}
	}
	slices.SortFunc(due, func(a, b int) int {
		return r.data.tasks[a].ScheduledAt.Compare(r.data.tasks[b].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]ScheduledTask, 0, len(due))
	for _, i := range due {
		r.data.tasks[i].Status = TaskSending
		r.data.tasks[i].UpdatedAt = now
		claimed = append(claimed, r.data.tasks[i])
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkTaskStatus(ctx context.Context, id int64, from, to TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.data.tasks {
		if t.ID != id {
			continue
		}
		if t.Status != from {
			return ErrStatusConflict
		}
		r.data.tasks[i].Status = to
		r.data.tasks[i].UpdatedAt = r.now()
		return nil
	}
	return ErrTaskNotFound
}

func (d *memData) clone() *memData {
	c := *d
	c.contacts = make([]Contact, len(d.contacts))
	for i, ct := range d.contacts {
		c.contacts[i] = cloneContact(ct)
	}
	c.turns = slices.Clone(d.turns)
	c.bookings = slices.Clone(d.bookings)
	c.tasks = slices.Clone(d.tasks)
	c.menu = slices.Clone(d.menu)
	c.hours = slices.Clone(d.hours)
	c.rules = slices.Clone(d.rules)
	c.upsells = slices.Clone(d.upsells)
	c.faq = slices.Clone(d.faq)
	c.staff = slices.Clone(d.staff)
	c.events = slices.Clone(d.events)
	return &c
}

func cloneContact(c Contact) Contact {
	c.Tags = slices.Clone(c.Tags)
	c.ConversationState = deepCopyMap(c.ConversationState)
	return c
}

// deepCopyMap copies through JSON, which is also what the Postgres column
// would do.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return maps.Clone(m)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return maps.Clone(m)
	}
	return out
}

type memTx struct {
	d   *memData
	now func() time.Time
}

func (t *memTx) id() int64 {
	t.d.nextID++
	return t.d.nextID
}

func (t *memTx) contact(id int64) (*Contact, error) {
	for i := range t.d.contacts {
		if t.d.contacts[i].ID == id {
			return &t.d.contacts[i], nil
		}
	}
	return nil, ErrContactNotFound
}

// Contacts

func (t *memTx) GetContactByContactID(ctx context.Context, contactID string) (*Contact, error) {
	for _, c := range t.d.contacts {
		if c.ContactID == contactID {
			out := cloneContact(c)
			return &out, nil
		}
	}
	return nil, ErrContactNotFound
}

func (t *memTx) CreateContact(ctx context.Context, contactID string, name *string) (*Contact, error) {
	c := Contact{
		ID:                t.id(),
		ContactID:         contactID,
		Name:              name,
		ConversationState: map[string]any{},
		Tags:              []string{},
		CreatedAt:         t.now(),
	}
	t.d.contacts = append(t.d.contacts, c)
	out := cloneContact(c)
	return &out, nil
}

func (t *memTx) UpdateContactName(ctx context.Context, id int64, name string) error {
	c, err := t.contact(id)
	if err != nil {
		return err
	}
	c.Name = &name
	c.IsNameConfirmed = true
	return nil
}

func (t *memTx) SetAIPause(ctx context.Context, id int64, until *time.Time) error {
	c, err := t.contact(id)
	if err != nil {
		return err
	}
	c.AIPausedUntil = until
	return nil
}

func (t *memTx) SaveConversationState(ctx context.Context, id int64, state map[string]any) error {
	c, err := t.contact(id)
	if err != nil {
		return err
	}
	c.ConversationState = deepCopyMap(state)
	return nil
}

func (t *memTx) AddContactTags(ctx context.Context, id int64, tags []string) error {
	c, err := t.contact(id)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if !slices.Contains(c.Tags, tag) {
			c.Tags = append(c.Tags, tag)
		}
	}
	slices.Sort(c.Tags)
	return nil
}

// Conversation log

func (t *memTx) turnsNewestFirst(contactDBID int64) []ConversationTurn {
	var out []ConversationTurn
	for _, turn := range t.d.turns {
		if turn.ContactDBID == contactDBID {
			out = append(out, turn)
		}
	}
	slices.SortStableFunc(out, func(a, b ConversationTurn) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (t *memTx) LastTurn(ctx context.Context, contactDBID int64) (*ConversationTurn, error) {
	turns := t.turnsNewestFirst(contactDBID)
	if len(turns) == 0 {
		return nil, ErrTurnNotFound
	}
	return &turns[0], nil
}

func (t *memTx) RecentTurns(ctx context.Context, contactDBID int64, limit int) ([]ConversationTurn, error) {
	turns := t.turnsNewestFirst(contactDBID)
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return turns, nil
}

func (t *memTx) InsertTurn(ctx context.Context, turn ConversationTurn) (*ConversationTurn, error) {
	turn.ID = t.id()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = t.now()
	}
	t.d.turns = append(t.d.turns, turn)
	return &turn, nil
}

// Bookings

func (t *memTx) FindConflictingBooking(ctx context.Context, contactDBID int64, serviceName string, at time.Time, window time.Duration, excludeID int64) (*Booking, error) {
	from, to := at.Add(-window), at.Add(window)
	for _, b := range t.d.bookings {
		if b.ID == excludeID || b.ContactDBID != contactDBID || b.Status != BookingConfirmed {
			continue
		}
		if !strings.EqualFold(b.ServiceName, serviceName) {
			continue
		}
		if b.StartsAt.Before(from) || b.StartsAt.After(to) {
			continue
		}
		out := b
		return &out, nil
	}
	return nil, ErrBookingNotFound
}

func (t *memTx) CreateBooking(ctx context.Context, b Booking) (*Booking, error) {
	if _, err := t.contact(b.ContactDBID); err != nil {
		return nil, err
	}
	b.ID = t.id()
	if b.Status == "" {
		b.Status = BookingConfirmed
	}
	if b.Source == "" {
		b.Source = SourceAI
	}
	b.CreatedAt = t.now()
	t.d.bookings = append(t.d.bookings, b)
	return &b, nil
}

func (t *memTx) MostRecentBookingByService(ctx context.Context, contactDBID int64, serviceName string) (*Booking, error) {
	var best *Booking
	for i := range t.d.bookings {
		b := t.d.bookings[i]
		if b.ContactDBID != contactDBID || b.Status != BookingConfirmed || !strings.EqualFold(b.ServiceName, serviceName) {
			continue
		}
		if best == nil || b.StartsAt.After(best.StartsAt) || (b.StartsAt.Equal(best.StartsAt) && b.ID > best.ID) {
			best = &b
		}
	}
	if best == nil {
		return nil, ErrBookingNotFound
	}
	return best, nil
}

func (t *memTx) UpdateBooking(ctx context.Context, b Booking) (*Booking, error) {
	for i := range t.d.bookings {
		if t.d.bookings[i].ID == b.ID {
			b.ContactDBID = t.d.bookings[i].ContactDBID
			b.Source = t.d.bookings[i].Source
			b.CreatedAt = t.d.bookings[i].CreatedAt
			t.d.bookings[i] = b
			return &b, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (t *memTx) ListBookingsBetween(ctx context.Context, contactDBID int64, from, to time.Time) ([]Booking, error) {
	var out []Booking
	for _, b := range t.d.bookings {
		if b.ContactDBID != contactDBID || b.Status != BookingConfirmed {
			continue
		}
		if b.StartsAt.Before(from) || !b.StartsAt.Before(to) {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Booking) int { return a.StartsAt.Compare(b.StartsAt) })
	return out, nil
}

// Scheduled tasks

func (t *memTx) FindPendingTask(ctx context.Context, contactID string, taskType TaskType, from, to time.Time) (*ScheduledTask, error) {
	var best *ScheduledTask
	for i := range t.d.tasks {
		task := t.d.tasks[i]
		if task.ContactID != contactID || task.TaskType != taskType || task.Status != TaskPending {
			continue
		}
		if !from.IsZero() && task.ScheduledAt.Before(from) {
			continue
		}
		if !to.IsZero() && task.ScheduledAt.After(to) {
			continue
		}
		if best == nil || task.ScheduledAt.Before(best.ScheduledAt) {
			best = &task
		}
	}
	if best == nil {
		return nil, ErrTaskNotFound
	}
	return best, nil
}

func (t *memTx) FindPendingBookingTask(ctx context.Context, bookingID int64, taskType TaskType) (*ScheduledTask, error) {
	for _, task := range t.d.tasks {
		if task.BookingID == nil || *task.BookingID != bookingID {
			continue
		}
		if task.TaskType == taskType && task.Status == TaskPending {
			out := task
			return &out, nil
		}
	}
	return nil, ErrTaskNotFound
}

func (t *memTx) CreateTask(ctx context.Context, task ScheduledTask) (*ScheduledTask, error) {
	task.ID = t.id()
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.CreatedAt = t.now()
	task.UpdatedAt = task.CreatedAt
	t.d.tasks = append(t.d.tasks, task)
	return &task, nil
}

func (t *memTx) UpdateTask(ctx context.Context, task ScheduledTask) error {
	for i := range t.d.tasks {
		if t.d.tasks[i].ID == task.ID {
			t.d.tasks[i].ScheduledAt = task.ScheduledAt
			t.d.tasks[i].Content = task.Content
			t.d.tasks[i].UpdatedAt = t.now()
			return nil
		}
	}
	return ErrTaskNotFound
}

func (t *memTx) DeleteTask(ctx context.Context, id int64) error {
	for i := range t.d.tasks {
		if t.d.tasks[i].ID == id {
			t.d.tasks = slices.Delete(t.d.tasks, i, i+1)
			return nil
		}
	}
	return ErrTaskNotFound
}

// Business configuration

func (t *memTx) GetMenuItemByName(ctx context.Context, name string) (*MenuItem, error) {
	for _, m := range t.d.menu {
		if m.IsActive && strings.EqualFold(m.Name, strings.TrimSpace(name)) {
			out := m
			return &out, nil
		}
	}
	return nil, ErrMenuItemNotFound
}

func (t *memTx) ListMenuItems(ctx context.Context) ([]MenuItem, error) {
	var out []MenuItem
	for _, m := range t.d.menu {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memTx) ListBusinessHours(ctx context.Context) ([]schedule.Hours, error) {
	return slices.Clone(t.d.hours), nil
}

func (t *memTx) ListTagRules(ctx context.Context) ([]TagRule, error) {
	return slices.Clone(t.d.rules), nil
}

func (t *memTx) GetBusinessProfile(ctx context.Context) (*BusinessProfile, error) {
	if t.d.profile == nil {
		return nil, ErrProfileNotFound
	}
	out := *t.d.profile
	return &out, nil
}

func (t *memTx) ListKnowledge(ctx context.Context) ([]KnowledgeItem, error) {
	return slices.Clone(t.d.faq), nil
}

func (t *memTx) ListStaff(ctx context.Context) ([]StaffMember, error) {
	return slices.Clone(t.d.staff), nil
}

func (t *memTx) ListUpsellRules(ctx context.Context) ([]UpsellRule, error) {
	return slices.Clone(t.d.upsells), nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev EventLog) error {
	ev.ID = t.id()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	t.d.events = append(t.d.events, ev)
	return nil
}
