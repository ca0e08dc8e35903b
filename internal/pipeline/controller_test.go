package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/salon-conversation-engine/internal/decision"
	"github.com/hackgods/salon-conversation-engine/internal/events"
	"github.com/hackgods/salon-conversation-engine/internal/notify"
	"github.com/hackgods/salon-conversation-engine/internal/schedule"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const customer = "5511999990000"

// Monday, inside opening hours.
var monday10 = time.Date(2025, 9, 8, 10, 0, 0, 0, time.UTC)

type sentReply struct {
	ContactID string
	Text      string
}

type fakeSender struct {
	mu      sync.Mutex
	replies []sentReply
	typing  []bool
}

func (s *fakeSender) SendReply(ctx context.Context, contactID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, sentReply{contactID, text})
	return nil
}

func (s *fakeSender) SetTyping(ctx context.Context, contactID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, on)
	return nil
}

func (s *fakeSender) Replies() []sentReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentReply(nil), s.replies...)
}

// scriptedDecider returns queued decisions in order and records requests.
type scriptedDecider struct {
	mu       sync.Mutex
	script   []func(req decision.Request) (*decision.Decision, error)
	requests []decision.Request
}

func (d *scriptedDecider) then(name string, args string) *scriptedDecider {
	d.script = append(d.script, func(decision.Request) (*decision.Decision, error) {
		return &decision.Decision{Name: name, Args: json.RawMessage(args)}, nil
	})
	return d
}

func (d *scriptedDecider) fail(err error) *scriptedDecider {
	d.script = append(d.script, func(decision.Request) (*decision.Decision, error) { return nil, err })
	return d
}

func (d *scriptedDecider) Decide(ctx context.Context, req decision.Request) (*decision.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if len(d.script) == 0 {
		return &decision.Decision{Name: "continue_conversation", Args: json.RawMessage(`{"reply_suggestion":"ok"}`)}, nil
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next(req)
}

func (d *scriptedDecider) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type env struct {
	t        *testing.T
	repo     *store.MemoryRepository
	decider  *scriptedDecider
	sender   *fakeSender
	notifier *notify.Recorder
	ctrl     *Controller
	clock    time.Time
}

func weekHours() []schedule.Hours {
	open, closing := schedule.Clock(9, 0), schedule.Clock(18, 0)
	quietStart, quietEnd := schedule.Clock(22, 0), schedule.Clock(6, 0)
	var week []schedule.Hours
	for d := time.Sunday; d <= time.Saturday; d++ {
		week = append(week, schedule.Hours{Day: d, OpenTime: &open, CloseTime: &closing, QuietStart: &quietStart, QuietEnd: &quietEnd})
	}
	return week
}

func newEnv(t *testing.T, dispatcher *events.Dispatcher) *env {
	t.Helper()
	e := &env{
		t:        t,
		repo:     store.NewMemoryRepository(),
		decider:  &scriptedDecider{},
		sender:   &fakeSender{},
		notifier: &notify.Recorder{},
		clock:    monday10,
	}
	e.repo.SetClock(func() time.Time { return e.clock })
	e.repo.SeedMenu(
		store.MenuItem{Name: "Haircut", Category: "Hair", Price: 40, IsActive: true},
		store.MenuItem{Name: "Massage", Category: "Spa", Price: 80, IsActive: true},
	)
	e.repo.SeedHours(weekHours()...)

	if dispatcher == nil {
		dispatcher = events.NewDefaultDispatcher(nil, events.DefaultSettings())
	}
	e.ctrl = NewController(Deps{
		Repo:       e.repo,
		Decider:    e.decider,
		Dispatcher: dispatcher,
		Sender:     e.sender,
		Notifier:   e.notifier,
	}, Options{BusinessName: "Glow Salon", DisableDelay: true})
	e.ctrl.now = func() time.Time { return e.clock }
	return e
}

func (e *env) send(body string) error {
	e.t.Helper()
	name := "Ana"
	return e.ctrl.Handle(context.Background(), Message{Channel: "whatsapp", ContactID: customer, Pushname: &name, Body: body})
}

func (e *env) turns() []store.ConversationTurn {
	return e.repo.Turns()
}

func (e *env) lastTurn() store.ConversationTurn {
	e.t.Helper()
	turns := e.turns()
	require.NotEmpty(e.t, turns)
	return turns[len(turns)-1]
}

func (e *env) contact() *store.Contact {
	e.t.Helper()
	var c *store.Contact
	require.NoError(e.t, e.repo.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		c, err = tx.GetContactByContactID(context.Background(), customer)
		return err
	}))
	return c
}

func TestQuietHoursIgnoresMessage(t *testing.T) {
	e := newEnv(t, nil)
	e.clock = time.Date(2025, 9, 8, 23, 0, 0, 0, time.UTC)

	require.NoError(t, e.send("hello?"))

	assert.Empty(t, e.sender.Replies())
	assert.Zero(t, e.decider.Calls())
	assert.Equal(t, store.TurnIgnoredQuiet, e.lastTurn().Status)
	assert.Nil(t, e.lastTurn().OutgoingText)
	assert.Equal(t, "pending", e.lastTurn().Outcome)
	assert.Equal(t, []string{notify.TypeNewMessage}, e.notifier.Types())
}

func TestOffHoursRepliesOnce(t *testing.T) {
	e := newEnv(t, nil)
	e.clock = time.Date(2025, 9, 8, 20, 0, 0, 0, time.UTC)

	require.NoError(t, e.send("are you open?"))

	want := "Thanks for your message! Our hours today are from 09:00 AM to 06:00 PM. We'll get back to you as soon as we reopen!"
	assert.Equal(t, []sentReply{{customer, want}}, e.sender.Replies())
	assert.Zero(t, e.decider.Calls())

	last := e.lastTurn()
	assert.Equal(t, store.TurnRepliedOffHours, last.Status)
	assert.Equal(t, "pending", last.Outcome)
	require.NotNil(t, last.OutgoingText)
	assert.Equal(t, want, *last.OutgoingText)
}

func TestOffHoursRepeatSuppressed(t *testing.T) {
	e := newEnv(t, nil)
	e.clock = time.Date(2025, 9, 8, 20, 0, 0, 0, time.UTC)
	ctx := context.Background()

	offHours := "we're closed"
	require.NoError(t, e.repo.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.CreateContact(ctx, customer, nil)
		if err != nil {
			return err
		}
		_, err = tx.InsertTurn(ctx, store.ConversationTurn{
			Channel: "whatsapp", ContactDBID: c.ID, IncomingText: "hi",
			OutgoingText: &offHours, Status: store.TurnRepliedOffHours, Outcome: "inquiry",
		})
		return err
	}))
	e.clock = e.clock.Add(5 * time.Minute)

	require.NoError(t, e.send("hello??"))

	assert.Empty(t, e.sender.Replies())
	last := e.lastTurn()
	assert.Equal(t, store.TurnIgnoredOffHours, last.Status)
	assert.Equal(t, "inquiry", last.Outcome)
	assert.Nil(t, last.OutgoingText)
}

func TestNewContactGetsGreeted(t *testing.T) {
	e := newEnv(t, nil)
	e.repo.SeedTagRules(store.TagRule{Keyword: "price", Tag: "pricing"}, store.TagRule{Keyword: "HAIR", Tag: "interest:haircut"})
	e.decider.then("continue_conversation", `{
		"reply_suggestion": "Welcome to Glow Salon! What's your name?",
		"updated_state": {"goal": "ONBOARDING_CAPTURE_NAME", "goal_params": {"retry_count": 1}}
	}`)

	require.NoError(t, e.send("Hi, what's the price of a haircut?"))

	require.Equal(t, 1, e.decider.Calls())
	req := e.decider.requests[0]
	assert.True(t, req.IsNewCustomer)
	assert.Equal(t, []string{"pricing", "interest:haircut"}, req.RelevantTags)
	assert.Equal(t, []decision.Turn{{Role: decision.RoleUser, Parts: []string{"Hi, what's the price of a haircut?"}}}, req.History)
	assert.Contains(t, req.BusinessContext, "Haircut (Hair)")
	assert.Nil(t, req.ConversationState["goal"])

	assert.Equal(t, []sentReply{{customer, "Welcome to Glow Salon! What's your name?"}}, e.sender.Replies())
	assert.Equal(t, []bool{true, false}, e.sender.typing)
	assert.Equal(t, []string{notify.TypeNewMessage, notify.TypeConversationUpdate}, e.notifier.Types())

	c := e.contact()
	require.NotNil(t, c.Name)
	assert.Equal(t, "Ana", *c.Name)
	assert.False(t, c.IsNameConfirmed)
	assert.Equal(t, "ONBOARDING_CAPTURE_NAME", c.ConversationState["goal"])

	last := e.lastTurn()
	assert.Equal(t, store.TurnReplied, last.Status)
	assert.Equal(t, "inquiry", last.Outcome)
}

func TestBookingThenPartialUpdate(t *testing.T) {
	e := newEnv(t, nil)
	e.decider.
		then("create_booking", `{"service": "Massage", "date": "2025-09-10", "time": "15:00",
			"updated_state": {"goal": "AWAITING_BOOKING_CONFIRMATION", "goal_params": {"service": "Massage"}}}`).
		then("continue_conversation", `{"reply_suggestion": "We're at 12 Main St."}`).
		then("update_booking", `{"original_service_name": "Massage", "new_time": "17:00", "reply_suggestion": "Sure"}`)

	require.NoError(t, e.send("yes please book it"))

	replies := e.sender.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "You're all set! Your Massage is booked for Wednesday, September 10 at 03:00 PM. We look forward to seeing you!", replies[0].Text)
	assert.Equal(t, "booking_confirmed", e.lastTurn().Outcome)
	// terminal outcome retires the goal even though the decision kept it
	assert.Nil(t, e.contact().ConversationState["goal"])
	assert.Equal(t, map[string]any{}, e.contact().ConversationState["goal_params"])

	e.clock = e.clock.Add(10 * time.Minute)
	require.NoError(t, e.send("where are you located?"))
	assert.Equal(t, "booking_confirmed", e.lastTurn().Outcome, "inquiry must not downgrade a fresh booking")

	e.clock = e.clock.Add(10 * time.Minute)
	require.NoError(t, e.send("can we make it 5pm instead?"))

	bookings := e.repo.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, time.Date(2025, 9, 10, 17, 0, 0, 0, time.UTC), bookings[0].StartsAt)

	var reminders []store.ScheduledTask
	for _, task := range e.repo.Tasks() {
		if task.TaskType == store.TaskAppointmentReminder {
			reminders = append(reminders, task)
		}
	}
	require.Len(t, reminders, 1)
	assert.Equal(t, time.Date(2025, 9, 9, 17, 0, 0, 0, time.UTC), reminders[0].ScheduledAt)

	replies = e.sender.Replies()
	assert.Equal(t, "You're all set! I've successfully updated your appointment time to Wednesday, September 10 at 05:00 PM. We look forward to seeing you!", replies[len(replies)-1].Text)
	assert.Equal(t, "booking_updated", e.lastTurn().Outcome)
}

func TestDuplicateBookingStopsWithoutChangingOutcome(t *testing.T) {
	e := newEnv(t, nil)
	e.decider.
		then("create_booking", `{"service": "Haircut", "date": "2025-09-10", "time": "15:00"}`).
		then("create_booking", `{"service": "Haircut", "date": "2025-09-10", "time": "16:00"}`)

	require.NoError(t, e.send("book a haircut wed 3pm"))
	e.clock = e.clock.Add(time.Minute)
	require.NoError(t, e.send("book a haircut wed 4pm"))

	assert.Len(t, e.repo.Bookings(), 1)
	replies := e.sender.Replies()
	require.Len(t, replies, 2)
	assert.Contains(t, replies[1].Text, "Were you looking to reschedule?")
	assert.Equal(t, "booking_confirmed", e.lastTurn().Outcome)
}

func TestDecisionFailureHandsOff(t *testing.T) {
	e := newEnv(t, nil)
	e.decider.fail(errors.New("model overloaded"))

	require.NoError(t, e.send("I need help with something weird"))

	assert.Equal(t, []sentReply{{customer, HandoffReply}}, e.sender.Replies())
	assert.Equal(t, "handoff_to_human", e.lastTurn().Outcome)

	c := e.contact()
	require.NotNil(t, c.AIPausedUntil)
	assert.Equal(t, monday10.Add(12*time.Hour), *c.AIPausedUntil)

	// muted while paused
	e.clock = e.clock.Add(time.Hour)
	require.NoError(t, e.send("hello?"))
	assert.Equal(t, 1, e.decider.Calls())
	assert.Len(t, e.sender.Replies(), 1)
	assert.Equal(t, store.TurnIgnoredPaused, e.lastTurn().Status)
	assert.Equal(t, "handoff_to_human", e.lastTurn().Outcome)

	require.NoError(t, e.ctrl.ResumeAI(context.Background(), customer))
	require.NoError(t, e.send("hello again"))
	assert.Equal(t, 2, e.decider.Calls())
}

func TestListenerPanicFailsTurn(t *testing.T) {
	d := events.NewDispatcher(nil)
	d.Register(events.ActionContinueConversation,
		events.Listener{Name: "mutate", Handle: func(ctx context.Context, ev *events.Event) {
			_ = ev.Tx.AddContactTags(ctx, ev.Contact.ID, []string{"should-roll-back"})
		}},
		events.Listener{Name: "boom", Handle: func(ctx context.Context, ev *events.Event) { panic("bug") }},
	)
	e := newEnv(t, d)
	e.decider.then("continue_conversation", `{"reply_suggestion": "hi", "updated_state": {"goal": "GENERAL_INQUIRY"}}`)

	err := e.send("hello")
	require.Error(t, err)

	assert.Equal(t, []sentReply{{customer, HandoffReply}}, e.sender.Replies())
	turns := e.turns()
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnFailed, turns[0].Status)
	assert.Equal(t, "pending", turns[0].Outcome)

	c := e.contact()
	assert.Empty(t, c.Tags)
	assert.Nil(t, c.ConversationState["goal"])
}

// taskFailingRepo fails every CreateTask while armed, after whatever the
// listeners before it already wrote in the same transaction.
type taskFailingRepo struct {
	*store.MemoryRepository
	armed atomic.Bool
}

type taskFailingTx struct {
	store.Tx
}

func (tx taskFailingTx) CreateTask(ctx context.Context, t store.ScheduledTask) (*store.ScheduledTask, error) {
	return nil, errors.New("scheduled_tasks: disk full")
}

func (r *taskFailingRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if !r.armed.Load() {
		return r.MemoryRepository.WithTx(ctx, fn)
	}
	return r.MemoryRepository.WithTx(ctx, func(tx store.Tx) error {
		return fn(taskFailingTx{tx})
	})
}

func TestListenerFailureRollsBackBooking(t *testing.T) {
	e := newEnv(t, nil)
	repo := &taskFailingRepo{MemoryRepository: e.repo}
	e.ctrl.repo = repo
	e.decider.
		then("create_booking", `{"service": "Haircut", "date": "2025-09-10", "time": "15:00"}`).
		then("create_booking", `{"service": "Massage", "date": "2025-09-12", "time": "11:00",
			"tags": ["spa"], "updated_state": {"goal": "AWAITING_BOOKING_CONFIRMATION"}}`)

	require.NoError(t, e.send("book a haircut wed 3pm"))
	require.Len(t, e.repo.Bookings(), 1)
	tasksBefore := e.repo.Tasks()

	repo.armed.Store(true)
	e.clock = e.clock.Add(time.Minute)
	err := e.send("and a massage friday 11am")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	bookings := e.repo.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, "Haircut", bookings[0].ServiceName)
	assert.Equal(t, tasksBefore, e.repo.Tasks())
	for _, ev := range e.repo.Events() {
		assert.NotContains(t, string(ev.Payload), "Massage")
	}

	turns := e.turns()
	require.Len(t, turns, 2)
	failed := turns[1]
	assert.Equal(t, store.TurnFailed, failed.Status)
	assert.Equal(t, "booking_confirmed", failed.Outcome)
	require.NotNil(t, failed.OutgoingText)
	assert.Equal(t, HandoffReply, *failed.OutgoingText)

	replies := e.sender.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, sentReply{customer, HandoffReply}, replies[1])

	c := e.contact()
	assert.NotContains(t, c.Tags, "spa")
	assert.Nil(t, c.ConversationState["goal"])
}

func TestStaleConversationDropsGoal(t *testing.T) {
	e := newEnv(t, nil)
	e.decider.then("request_booking_confirmation", `{"service": "Haircut", "date": "2025-09-12", "time": "10:00",
		"reply_suggestion": "Haircut Friday 10am, shall I book it?",
		"updated_state": {"goal": "AWAITING_BOOKING_CONFIRMATION"}}`)

	require.NoError(t, e.send("haircut friday 10am"))
	assert.Equal(t, "request_confirmation", e.lastTurn().Outcome)

	e.clock = e.clock.Add(49 * time.Hour)
	e.decider.then("continue_conversation", `{"reply_suggestion": "Hello again!"}`)
	require.NoError(t, e.send("hi"))

	req := e.decider.requests[1]
	assert.Nil(t, req.ConversationState["goal"])
	assert.Equal(t, "inquiry", e.lastTurn().Outcome, "stale outcome is not a floor")
}

func TestManagerMessagesBypassAI(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.send("first contact"))
	e.repo.SetRole(customer, store.RoleManager)

	require.NoError(t, e.send("delivery 1 ok, 2 failed"))

	assert.Equal(t, 1, e.decider.Calls())
	assert.Equal(t, store.TurnManager, e.lastTurn().Status)
	assert.Len(t, e.sender.Replies(), 1)
}

func TestTurnsForOneContactAreSerialized(t *testing.T) {
	var inside, peak int32
	slow := decision.DeciderFunc(func(ctx context.Context, req decision.Request) (*decision.Decision, error) {
		n := atomic.AddInt32(&inside, 1)
		defer atomic.AddInt32(&inside, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &decision.Decision{Name: "continue_conversation", Args: json.RawMessage(`{"reply_suggestion":"ok"}`)}, nil
	})

	e := newEnv(t, nil)
	e.ctrl.decider = slow

	for i := 0; i < 5; i++ {
		e.ctrl.Submit(context.Background(), Message{Channel: "whatsapp", ContactID: customer, Body: "ping"})
	}
	e.ctrl.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Len(t, e.turns(), 5)
	assert.Len(t, e.sender.Replies(), 5)
}

func TestHandleRejectsInvalidMessage(t *testing.T) {
	e := newEnv(t, nil)
	assert.ErrorIs(t, e.ctrl.Handle(context.Background(), Message{Body: "x"}), ErrMissingContact)
	assert.ErrorIs(t, e.ctrl.Handle(context.Background(), Message{ContactID: customer, Body: "  "}), ErrEmptyBody)
}

func TestReplyDelayUsesSleep(t *testing.T) {
	e := newEnv(t, nil)
	e.ctrl.opts.DisableDelay = false
	e.ctrl.jitter = func() float64 { return 0.5 }
	var slept []time.Duration
	e.ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, e.send("hi"))
	require.Len(t, slept, 1)
	assert.InDelta(t, float64(2300*time.Millisecond), float64(slept[0]), float64(time.Millisecond))
}
