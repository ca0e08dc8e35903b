package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/salon-conversation-engine/internal/schedule"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)
var _ Tx = (*pgTx)(nil)

type pgTx struct {
	q querier
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// Helpers

const contactColumns = `
	c.id, c.contact_id, c.name, c.is_name_confirmed, c.ai_is_paused_until, c.conversation_state, c.role,
	ARRAY(SELECT t.tag FROM contact_tags t WHERE t.contact_db_id = c.id ORDER BY t.tag),
	c.created_at`

const turnColumns = `id, channel, contact_db_id, incoming_text, outgoing_text, status, outcome, created_at`

const bookingColumns = `id, contact_db_id, service_id, service_name, starts_at, ends_at, status, source, notes, created_at`

const taskColumns = `id, contact_id, booking_id, task_type, scheduled_at, content, status, created_at, updated_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	var state map[string]any

	err := row.Scan(
		&c.ID,
		&c.ContactID,
		&c.Name,
		&c.IsNameConfirmed,
		&c.AIPausedUntil,
		&state,
		&c.Role,
		&c.Tags,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}

	if state == nil {
		state = map[string]any{}
	}
	c.ConversationState = state
	return &c, nil
}

func scanTurn(row pgx.Row) (*ConversationTurn, error) {
	var t ConversationTurn

	err := row.Scan(
		&t.ID,
		&t.Channel,
		&t.ContactDBID,
		&t.IncomingText,
		&t.OutgoingText,
		&t.Status,
		&t.Outcome,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTurnNotFound
		}
		return nil, err
	}

	return &t, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking

	err := row.Scan(
		&b.ID,
		&b.ContactDBID,
		&b.ServiceID,
		&b.ServiceName,
		&b.StartsAt,
		&b.EndsAt,
		&b.Status,
		&b.Source,
		&b.Notes,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	return &b, nil
}

func scanTask(row pgx.Row) (*ScheduledTask, error) {
	var t ScheduledTask

	err := row.Scan(
		&t.ID,
		&t.ContactID,
		&t.BookingID,
		&t.TaskType,
		&t.ScheduledAt,
		&t.Content,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	return &t, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func timeOfDay(t pgtype.Time) *schedule.TimeOfDay {
	if !t.Valid {
		return nil
	}
	v := schedule.TimeOfDay(time.Duration(t.Microseconds) * time.Microsecond)
	return &v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Contacts

func (t *pgTx) GetContactByContactID(ctx context.Context, contactID string) (*Contact, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM contacts c
		WHERE c.contact_id = $1
	`, contactID)
	return scanContact(row)
}

func (t *pgTx) CreateContact(ctx context.Context, contactID string, name *string) (*Contact, error) {
	row := t.q.QueryRow(ctx, `
		WITH c AS (
			INSERT INTO contacts (contact_id, name, conversation_state, created_at)
			VALUES ($1, $2, '{}'::jsonb, now())
			RETURNING *
		)
		SELECT `+contactColumns+`
		FROM c
	`, contactID, name)
	return scanContact(row)
}

func (t *pgTx) UpdateContactName(ctx context.Context, id int64, name string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE contacts
		SET name = $2,
		    is_name_confirmed = TRUE
		WHERE id = $1
	`, id, name)
	if err != nil {
		return fmt.Errorf("update contact name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (t *pgTx) SetAIPause(ctx context.Context, id int64, until *time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE contacts
		SET ai_is_paused_until = $2
		WHERE id = $1
	`, id, until)
	if err != nil {
		return fmt.Errorf("set ai pause: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (t *pgTx) SaveConversationState(ctx context.Context, id int64, state map[string]any) error {
	if state == nil {
		state = map[string]any{}
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE contacts
		SET conversation_state = $2
		WHERE id = $1
	`, id, state)
	if err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (t *pgTx) AddContactTags(ctx context.Context, id int64, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO contact_tags (contact_db_id, tag)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`, id, tags)
	if err != nil {
		return fmt.Errorf("add contact tags: %w", err)
	}
	return nil
}

// Conversation log

func (t *pgTx) LastTurn(ctx context.Context, contactDBID int64) (*ConversationTurn, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+turnColumns+`
		FROM conversation_log
		WHERE contact_db_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, contactDBID)
	return scanTurn(row)
}

func (t *pgTx) RecentTurns(ctx context.Context, contactDBID int64, limit int) ([]ConversationTurn, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+turnColumns+`
		FROM conversation_log
		WHERE contact_db_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, contactDBID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTurn)
}

func (t *pgTx) InsertTurn(ctx context.Context, turn ConversationTurn) (*ConversationTurn, error) {
	row := t.q.QueryRow(ctx, `
		INSERT INTO conversation_log (channel, contact_db_id, incoming_text, outgoing_text, status, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		RETURNING `+turnColumns,
		turn.Channel, turn.ContactDBID, turn.IncomingText, turn.OutgoingText, turn.Status, turn.Outcome, nullableTime(turn.CreatedAt))
	return scanTurn(row)
}

// Bookings

func (t *pgTx) FindConflictingBooking(ctx context.Context, contactDBID int64, serviceName string, at time.Time, window time.Duration, excludeID int64) (*Booking, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE contact_db_id = $1
		  AND lower(service_name) = lower($2)
		  AND status = 'confirmed'
		  AND starts_at BETWEEN $3 AND $4
		  AND id <> $5
		ORDER BY starts_at
		LIMIT 1
	`, contactDBID, serviceName, at.Add(-window), at.Add(window), excludeID)
	return scanBooking(row)
}

func (t *pgTx) CreateBooking(ctx context.Context, b Booking) (*Booking, error) {
	if b.Status == "" {
		b.Status = BookingConfirmed
	}
	if b.Source == "" {
		b.Source = SourceAI
	}
	row := t.q.QueryRow(ctx, `
		INSERT INTO bookings (contact_db_id, service_id, service_name, starts_at, ends_at, status, source, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING `+bookingColumns,
		b.ContactDBID, b.ServiceID, b.ServiceName, b.StartsAt, b.EndsAt, b.Status, b.Source, b.Notes)
	return scanBooking(row)
}

func (t *pgTx) MostRecentBookingByService(ctx context.Context, contactDBID int64, serviceName string) (*Booking, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE contact_db_id = $1
		  AND lower(service_name) = lower($2)
		  AND status = 'confirmed'
		ORDER BY starts_at DESC, id DESC
		LIMIT 1
	`, contactDBID, serviceName)
	return scanBooking(row)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b Booking) (*Booking, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE bookings
		SET service_id = $2,
		    service_name = $3,
		    starts_at = $4,
		    ends_at = $5,
		    status = $6,
		    notes = $7
		WHERE id = $1
		RETURNING `+bookingColumns,
		b.ID, b.ServiceID, b.ServiceName, b.StartsAt, b.EndsAt, b.Status, b.Notes)
	return scanBooking(row)
}

func (t *pgTx) ListBookingsBetween(ctx context.Context, contactDBID int64, from, to time.Time) ([]Booking, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE contact_db_id = $1
		  AND status = 'confirmed'
		  AND starts_at >= $2
		  AND starts_at < $3
		ORDER BY starts_at
	`, contactDBID, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanBooking)
}

// Scheduled tasks

func (t *pgTx) FindPendingTask(ctx context.Context, contactID string, taskType TaskType, from, to time.Time) (*ScheduledTask, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE contact_id = $1
		  AND task_type = $2
		  AND status = 'pending'
		  AND ($3::timestamptz IS NULL OR scheduled_at >= $3)
		  AND ($4::timestamptz IS NULL OR scheduled_at <= $4)
		ORDER BY scheduled_at
		LIMIT 1
	`, contactID, taskType, nullableTime(from), nullableTime(to))
	return scanTask(row)
}

func (t *pgTx) FindPendingBookingTask(ctx context.Context, bookingID int64, taskType TaskType) (*ScheduledTask, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE booking_id = $1
		  AND task_type = $2
		  AND status = 'pending'
		ORDER BY scheduled_at
		LIMIT 1
	`, bookingID, taskType)
	return scanTask(row)
}

func (t *pgTx) CreateTask(ctx context.Context, task ScheduledTask) (*ScheduledTask, error) {
	if task.Status == "" {
		task.Status = TaskPending
	}
	row := t.q.QueryRow(ctx, `
		INSERT INTO scheduled_tasks (contact_id, booking_id, task_type, scheduled_at, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+taskColumns,
		task.ContactID, task.BookingID, task.TaskType, task.ScheduledAt, task.Content, task.Status)
	return scanTask(row)
}

func (t *pgTx) UpdateTask(ctx context.Context, task ScheduledTask) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE scheduled_tasks
		SET scheduled_at = $2,
		    content = $3,
		    updated_at = now()
		WHERE id = $1
	`, task.ID, task.ScheduledAt, task.Content)
	if err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (t *pgTx) DeleteTask(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Business configuration

func (t *pgTx) GetMenuItemByName(ctx context.Context, name string) (*MenuItem, error) {
	var m MenuItem
	err := t.q.QueryRow(ctx, `
		SELECT id, name, category, price, description, is_active
		FROM menu_items
		WHERE lower(name) = lower($1)
		  AND is_active
		LIMIT 1
	`, name).Scan(&m.ID, &m.Name, &m.Category, &m.Price, &m.Description, &m.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMenuItemNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) ListMenuItems(ctx context.Context) ([]MenuItem, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, name, category, price, description, is_active
		FROM menu_items
		WHERE is_active
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MenuItem
	for rows.Next() {
		var m MenuItem
		if err := rows.Scan(&m.ID, &m.Name, &m.Category, &m.Price, &m.Description, &m.IsActive); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (t *pgTx) ListBusinessHours(ctx context.Context) ([]schedule.Hours, error) {
	rows, err := t.q.Query(ctx, `
		SELECT day_of_week, open_time, close_time, quiet_start, quiet_end
		FROM business_hours
		ORDER BY day_of_week
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var week []schedule.Hours
	for rows.Next() {
		var day int16
		var open, closeAt, quietStart, quietEnd pgtype.Time
		if err := rows.Scan(&day, &open, &closeAt, &quietStart, &quietEnd); err != nil {
			return nil, err
		}
		week = append(week, schedule.Hours{
			Day:        time.Weekday(day),
			OpenTime:   timeOfDay(open),
			CloseTime:  timeOfDay(closeAt),
			QuietStart: timeOfDay(quietStart),
			QuietEnd:   timeOfDay(quietEnd),
		})
	}
	return week, rows.Err()
}

func (t *pgTx) ListTagRules(ctx context.Context) ([]TagRule, error) {
	rows, err := t.q.Query(ctx, `SELECT id, keyword, tag FROM tag_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []TagRule
	for rows.Next() {
		var r TagRule
		if err := rows.Scan(&r.ID, &r.Keyword, &r.Tag); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (t *pgTx) GetBusinessProfile(ctx context.Context) (*BusinessProfile, error) {
	var p BusinessProfile
	err := t.q.QueryRow(ctx, `
		SELECT business_name, business_description, address, phone_number
		FROM business_profile
		WHERE id = 1
	`).Scan(&p.Name, &p.Description, &p.Address, &p.PhoneNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) ListKnowledge(ctx context.Context) ([]KnowledgeItem, error) {
	rows, err := t.q.Query(ctx, `SELECT id, question, answer FROM business_knowledge ORDER BY id LIMIT 200`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeItem
	for rows.Next() {
		var k KnowledgeItem
		if err := rows.Scan(&k.ID, &k.Question, &k.Answer); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *pgTx) ListStaff(ctx context.Context) ([]StaffMember, error) {
	rows, err := t.q.Query(ctx, `SELECT id, name, specialties FROM staff_members ORDER BY name LIMIT 50`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaffMember
	for rows.Next() {
		var m StaffMember
		if err := rows.Scan(&m.ID, &m.Name, &m.Specialties); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUpsellRules skips rules whose trigger or suggested item is inactive.
func (t *pgTx) ListUpsellRules(ctx context.Context) ([]UpsellRule, error) {
	rows, err := t.q.Query(ctx, `
		SELECT u.id, trig.name, sugg.name, u.suggestion_text
		FROM upsell_rules u
		JOIN menu_items trig ON trig.id = u.trigger_item_id AND trig.is_active
		JOIN menu_items sugg ON sugg.id = u.upsold_item_id AND sugg.is_active
		ORDER BY trig.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UpsellRule
	for rows.Next() {
		var u UpsellRule
		if err := rows.Scan(&u.ID, &u.Trigger, &u.Suggested, &u.SuggestionText); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, contact_db_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.ContactDBID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// Reminder worker

// ClaimDueTasks moves due pending tasks, and sending tasks whose lease ran
// out, to sending and returns them. Rows locked by a concurrent worker are
// skipped. updated_at is stamped with the caller's clock so the lease is
// measured on one clock.
func (r *PgRepository) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ScheduledTask, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE scheduled_tasks
		SET status = 'sending',
		    updated_at = $1
		WHERE id IN (
			SELECT id
			FROM scheduled_tasks
			WHERE (status = 'pending' AND scheduled_at <= $1)
			   OR (status = 'sending' AND updated_at < $2)
			ORDER BY scheduled_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	return collect(rows, scanTask)
}

func (r *PgRepository) MarkTaskStatus(ctx context.Context, id int64, from, to TaskStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("mark task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}
