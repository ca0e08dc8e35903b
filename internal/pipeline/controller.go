package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/channel"
	"github.com/hackgods/salon-conversation-engine/internal/conversation"
	"github.com/hackgods/salon-conversation-engine/internal/decision"
	"github.com/hackgods/salon-conversation-engine/internal/events"
	"github.com/hackgods/salon-conversation-engine/internal/metrics"
	"github.com/hackgods/salon-conversation-engine/internal/notify"
	"github.com/hackgods/salon-conversation-engine/internal/schedule"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	// HandoffReply is sent when a person has to take over, including when the
	// turn itself failed.
	HandoffReply = "I'm having a little trouble with that request. I've notified our Salon Manager, and they will get back to you here shortly. Thanks for your patience!"
	genericReply = "Thanks for your message! How can I help you today?"
)

type Options struct {
	BusinessName    string
	Location        *time.Location
	HistoryLimit    int
	DecisionTimeout time.Duration
	StaleAfter      time.Duration
	DisableDelay    bool
}

type Deps struct {
	Repo       store.Repository
	Decider    decision.Decider
	Dispatcher *events.Dispatcher
	Sender     channel.Sender
	Notifier   notify.Notifier
	Locker     Locker
	Manager    ManagerFlow
	Logger     *slog.Logger
}

type Controller struct {
	repo       store.Repository
	decider    decision.Decider
	dispatcher *events.Dispatcher
	sender     channel.Sender
	notifier   notify.Notifier
	locker     Locker
	manager    ManagerFlow
	logger     *slog.Logger
	opts       Options
	reconciler conversation.Reconciler

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	wg sync.WaitGroup
}

func NewController(deps Deps, opts Options) *Controller {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Manager == nil {
		deps.Manager = LogManagerFlow{}
	}
	if deps.Sender == nil {
		deps.Sender = channel.NewLogSender(deps.Logger)
	}

	return &Controller{
		repo:       deps.Repo,
		decider:    deps.Decider,
		dispatcher: deps.Dispatcher,
		sender:     deps.Sender,
		notifier:   deps.Notifier,
		locker:     deps.Locker,
		manager:    deps.Manager,
		logger:     deps.Logger,
		opts:       opts,
		reconciler: conversation.NewReconciler(opts.StaleAfter),
		now:        time.Now,
		sleep:      sleepCtx,
		jitter:     func() float64 { return rand.Float64() - 0.5 },
	}
}

// Submit processes msg in the background. The request context is detached so
// the turn outlives the webhook call.
func (c *Controller) Submit(ctx context.Context, msg Message) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Handle(ctx, msg); err != nil {
			c.logger.Error("message not processed",
				slog.String("contact_id", msg.ContactID),
				slog.Any("error", err))
		}
	}()
}

// Wait blocks until every submitted message has been processed.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Handle runs one message to completion while holding the contact's lock.
func (c *Controller) Handle(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	start := time.Now()
	return c.locker.WithContactLock(ctx, msg.ContactID, func(ctx context.Context) error {
		status, err := c.process(ctx, msg)
		metrics.RecordTurn(string(status), time.Since(start))
		return err
	})
}

type route int

const (
	routeProceed route = iota
	routeManager
	routeIgnored
	routeOffHours
)

type intake struct {
	route    route
	status   store.TurnStatus
	reply    string
	contact  *store.Contact
	previous *store.ConversationTurn
	hours    []schedule.Hours
	state    conversation.State
	request  decision.Request
}

type turnResult struct {
	action  events.Action
	outcome conversation.Outcome
	reply   string
}

func (c *Controller) process(ctx context.Context, msg Message) (store.TurnStatus, error) {
	log := c.logger.With(slog.String("contact_id", msg.ContactID), slog.String("channel", msg.Channel))
	now := c.now().In(c.opts.Location)

	var in *intake
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		in, err = c.intake(ctx, tx, msg, now)
		return err
	})
	if err != nil {
		log.Error("intake failed", slog.String("stage", "intake"), slog.Any("error", err))
		return store.TurnFailed, fmt.Errorf("intake: %w", err)
	}

	if in.route == routeManager {
		log.Info("manager message", slog.String("stage", "manager"))
		if in.reply != "" {
			c.deliver(ctx, log, msg.ContactID, in.reply, false)
		}
		return in.status, nil
	}

	c.publish(ctx, log, notify.TypeNewMessage, msg.ContactID, notify.NewMessage{
		ContactID: msg.ContactID,
		Channel:   msg.Channel,
		Body:      msg.Body,
		Status:    string(in.status),
	})

	switch in.route {
	case routeIgnored:
		log.Info("message ignored", slog.String("stage", "gate"), slog.String("status", string(in.status)))
		return in.status, nil
	case routeOffHours:
		log.Info("off-hours reply", slog.String("stage", "gate"))
		c.deliver(ctx, log, msg.ContactID, in.reply, false)
		return in.status, nil
	}

	if ob, ok := c.sender.(interface{ Observe(contactID, messageID string) }); ok {
		ob.Observe(msg.ContactID, msg.MessageID)
	}
	c.typing(ctx, log, msg.ContactID, true)

	res, err := c.runTurn(ctx, log, msg, in, now)
	if err != nil {
		log.Error("turn failed", slog.String("stage", "commit"), slog.Any("error", err))
		c.recordFailure(ctx, log, msg, in)
		c.deliver(ctx, log, msg.ContactID, HandoffReply, true)
		return store.TurnFailed, err
	}

	metrics.RecordOutcome(string(res.outcome))
	log.Info("turn committed",
		slog.String("stage", "commit"),
		slog.String("action", string(res.action)),
		slog.String("outcome", string(res.outcome)))

	c.publish(ctx, log, notify.TypeConversationUpdate, msg.ContactID, notify.ConversationUpdate{
		ContactID: msg.ContactID,
		Channel:   msg.Channel,
		Action:    string(res.action),
		Outcome:   string(res.outcome),
		Reply:     res.reply,
	})
	c.deliver(ctx, log, msg.ContactID, res.reply, true)
	return store.TurnReplied, nil
}

// intake bootstraps the contact and applies manager routing, the AI pause and
// the business-hours gate. Early exits log their turn in the same transaction.
func (c *Controller) intake(ctx context.Context, tx store.Tx, msg Message, now time.Time) (*intake, error) {
	contact, err := getOrCreateContact(ctx, tx, msg)
	if err != nil {
		return nil, err
	}
	in := &intake{contact: contact}

	if contact.IsManager() {
		reply, err := c.manager.HandleManagerMessage(ctx, tx, contact, msg)
		if err != nil {
			return nil, fmt.Errorf("manager flow: %w", err)
		}
		in.route, in.status, in.reply = routeManager, store.TurnManager, reply
		return in, nil
	}

	previous, err := tx.LastTurn(ctx, contact.ID)
	if err != nil && !errors.Is(err, store.ErrTurnNotFound) {
		return nil, fmt.Errorf("last turn: %w", err)
	}
	in.previous = previous
	inherited := inheritedOutcome(previous)

	if contact.IsPaused(now) {
		return in, in.ignore(ctx, tx, msg, store.TurnIgnoredPaused, inherited)
	}

	hours, err := tx.ListBusinessHours(ctx)
	if err != nil {
		return nil, fmt.Errorf("business hours: %w", err)
	}
	in.hours = hours

	verdict := schedule.Classify(now, hours)
	switch verdict.Status {
	case schedule.StatusClosedQuiet:
		return in, in.ignore(ctx, tx, msg, store.TurnIgnoredQuiet, inherited)
	case schedule.StatusClosedAwake:
		if previous != nil && previous.Status == store.TurnRepliedOffHours {
			return in, in.ignore(ctx, tx, msg, store.TurnIgnoredOffHours, inherited)
		}
		in.route, in.status, in.reply = routeOffHours, store.TurnRepliedOffHours, verdict.Message
		_, err := tx.InsertTurn(ctx, store.ConversationTurn{
			Channel:      msg.Channel,
			ContactDBID:  contact.ID,
			IncomingText: msg.Body,
			OutgoingText: &in.reply,
			Status:       store.TurnRepliedOffHours,
			Outcome:      string(conversation.OutcomePending),
		})
		return in, err
	}

	state := conversation.StateFromMap(contact.ConversationState)
	if previous != nil && c.reconciler.IsStale(now.Sub(previous.CreatedAt)) {
		state = state.Retire()
	}
	in.state = state

	recent, err := tx.RecentTurns(ctx, contact.ID, c.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	rules, err := tx.ListTagRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("tag rules: %w", err)
	}
	business, err := decision.BusinessContext(ctx, tx, c.opts.BusinessName, now)
	if err != nil {
		return nil, err
	}
	bookings, err := decision.BookingSummary(ctx, tx, contact.ID, now)
	if err != nil {
		return nil, err
	}

	in.route = routeProceed
	in.request = decision.Request{
		ConversationState: state.Map(),
		History:           decision.BuildHistory(recent, msg.Body),
		RelevantTags:      Prescan(msg.Body, rules),
		BusinessContext:   business,
		BookingSummary:    bookings,
		IsNewCustomer:     !contact.IsNameConfirmed,
		Now:               now,
	}
	return in, nil
}

func (in *intake) ignore(ctx context.Context, tx store.Tx, msg Message, status store.TurnStatus, outcome conversation.Outcome) error {
	in.route, in.status = routeIgnored, status
	_, err := tx.InsertTurn(ctx, store.ConversationTurn{
		Channel:      msg.Channel,
		ContactDBID:  in.contact.ID,
		IncomingText: msg.Body,
		Status:       status,
		Outcome:      string(outcome),
	})
	return err
}

// runTurn asks for a decision, then dispatches it and persists state and log
// in one transaction. A panic anywhere in between becomes an error.
func (c *Controller) runTurn(ctx context.Context, log *slog.Logger, msg Message, in *intake, now time.Time) (res turnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during turn: %v", r)
		}
	}()

	dec := c.decide(ctx, log, in.request)

	action := events.ParseAction(dec.Name)
	args, decodeErr := events.DecodeArgs(action, dec.Args)
	if decodeErr != nil {
		log.Warn("undecodable decision, handing off", slog.String("stage", "decide"), slog.Any("error", decodeErr))
		action = events.ActionHandoff
		args = &events.HandoffArgs{Reason: "undecodable decision arguments"}
	}

	err = c.repo.WithTx(ctx, func(tx store.Tx) error {
		contact, err := tx.GetContactByContactID(ctx, msg.ContactID)
		if err != nil {
			return fmt.Errorf("reload contact: %w", err)
		}

		isModification, err := modifiesExistingBooking(ctx, tx, contact.ID, action, args, now)
		if err != nil {
			return err
		}

		ev := events.NewEvent(contact, tx, action, args, now)
		ev.Hours = in.hours
		c.dispatcher.Dispatch(ctx, ev)
		if ev.Err() != nil {
			return fmt.Errorf("%s: %w", ev.StopReason(), ev.Err())
		}

		previous, age := previousOutcome(in.previous, now)
		var outcome conversation.Outcome
		if ev.Stopped() {
			// the action did not happen; only staleness may move the outcome
			outcome = c.reconciler.Reconcile(previous, age, string(conversation.OutcomeUnclear), false)
		} else {
			outcome = c.reconciler.Reconcile(previous, age, string(action), isModification)
		}

		reply := resolveReply(ev)
		next := conversation.Next(in.state, args.Common().UpdatedState, outcome)
		if err := tx.SaveConversationState(ctx, contact.ID, next.Map()); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		if _, err := tx.InsertTurn(ctx, store.ConversationTurn{
			Channel:      msg.Channel,
			ContactDBID:  contact.ID,
			IncomingText: msg.Body,
			OutgoingText: &reply,
			Status:       store.TurnReplied,
			Outcome:      string(outcome),
		}); err != nil {
			return fmt.Errorf("log turn: %w", err)
		}

		res = turnResult{action: action, outcome: outcome, reply: reply}
		return nil
	})
	return res, err
}

func (c *Controller) decide(ctx context.Context, log *slog.Logger, req decision.Request) *decision.Decision {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DecisionTimeout)
	defer cancel()

	dec, err := c.decider.Decide(ctx, req)
	if err != nil || dec == nil || dec.Name == "" {
		log.Warn("no decision, handing off", slog.String("stage", "decide"), slog.Any("error", err))
		return &decision.Decision{
			Name: string(events.ActionHandoff),
			Args: json.RawMessage(`{"reason":"decision unavailable"}`),
		}
	}
	log.Info("decision", slog.String("stage", "decide"), slog.String("action", dec.Name))
	return dec
}

// recordFailure logs a failed turn after the main transaction rolled back.
func (c *Controller) recordFailure(ctx context.Context, log *slog.Logger, msg Message, in *intake) {
	reply := HandoffReply
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertTurn(ctx, store.ConversationTurn{
			Channel:      msg.Channel,
			ContactDBID:  in.contact.ID,
			IncomingText: msg.Body,
			OutgoingText: &reply,
			Status:       store.TurnFailed,
			Outcome:      string(inheritedOutcome(in.previous)),
		})
		return err
	})
	if err != nil {
		log.Error("could not log failed turn", slog.Any("error", err))
	}
}

// deliver waits a human-like delay when asked to, sends, and clears the
// typing indicator. Delivery errors are logged only.
func (c *Controller) deliver(ctx context.Context, log *slog.Logger, contactID, text string, humanDelay bool) {
	if humanDelay && !c.opts.DisableDelay {
		d := ReplyDelay(text, c.jitter())
		if err := c.sleep(ctx, d); err != nil {
			log.Warn("reply delay interrupted", slog.Any("error", err))
		}
	}
	if err := c.sender.SendReply(ctx, contactID, text); err != nil {
		log.Error("send reply failed", slog.String("stage", "emit"), slog.Any("error", err))
	}
	if humanDelay {
		c.typing(ctx, log, contactID, false)
	}
}

func (c *Controller) typing(ctx context.Context, log *slog.Logger, contactID string, on bool) {
	if err := c.sender.SetTyping(ctx, contactID, on); err != nil {
		log.Warn("typing indicator failed", slog.Any("error", err))
	}
}

func (c *Controller) publish(ctx context.Context, log *slog.Logger, eventType, contactID string, data any) {
	if err := c.notifier.Publish(ctx, eventType, contactID, data); err != nil {
		log.Warn("notification failed", slog.String("type", eventType), slog.Any("error", err))
	}
}

func getOrCreateContact(ctx context.Context, tx store.Tx, msg Message) (*store.Contact, error) {
	contact, err := tx.GetContactByContactID(ctx, msg.ContactID)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, store.ErrContactNotFound) {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	var name *string
	if msg.Pushname != nil && *msg.Pushname != "" {
		name = msg.Pushname
	}
	contact, err = tx.CreateContact(ctx, msg.ContactID, name)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

// modifiesExistingBooking reports whether the action changes a booking the
// contact already holds: an update, or a booking request for a service with
// an upcoming confirmed booking.
func modifiesExistingBooking(ctx context.Context, tx store.Tx, contactDBID int64, action events.Action, args events.Args, now time.Time) (bool, error) {
	switch action {
	case events.ActionUpdateBooking:
		return true, nil
	case events.ActionCreateBooking, events.ActionRequestConfirmation:
	default:
		return false, nil
	}

	service := events.ServiceOf(args)
	if service == "" {
		return false, nil
	}
	b, err := tx.MostRecentBookingByService(ctx, contactDBID, service)
	if errors.Is(err, store.ErrBookingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check existing booking: %w", err)
	}
	return !b.StartsAt.Before(now), nil
}

func previousOutcome(previous *store.ConversationTurn, now time.Time) (conversation.Outcome, time.Duration) {
	if previous == nil {
		return conversation.OutcomePending, 0
	}
	return conversation.Canonicalize(previous.Outcome), now.Sub(previous.CreatedAt)
}

func inheritedOutcome(previous *store.ConversationTurn) conversation.Outcome {
	if previous == nil {
		return conversation.OutcomePending
	}
	return conversation.Canonicalize(previous.Outcome)
}

// resolveReply picks the outgoing text: a listener's reply first, then the
// standard handoff message, then the decision's own suggestion.
func resolveReply(ev *events.Event) string {
	if reply, ok := ev.FinalReply(); ok {
		return reply
	}
	if ev.Action == events.ActionHandoff {
		return HandoffReply
	}
	if s := ev.Args.Common().ReplySuggestion; s != "" {
		return s
	}
	return genericReply
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
