package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hackgods/salon-conversation-engine/internal/metrics"
)

// Listener is one step of a pipeline. It communicates only by mutating the
// Event.
type Listener struct {
	Name   string
	Handle func(ctx context.Context, e *Event)
}

// Dispatcher maps actions to ordered listener pipelines. Pipelines are
// registered once at startup and dispatched many times.
//
// Usage:
//
//	d := NewDispatcher(logger)
//	d.Register(ActionCreateBooking, conflictCheck, createBooking, reply)
//	d.Dispatch(ctx, ev)
type Dispatcher struct {
	pipelines map[Action][]Listener
	logger    *slog.Logger
	mu        sync.RWMutex
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pipelines: make(map[Action][]Listener),
		logger:    logger,
	}
}

// Register appends listeners to the pipeline of action.
func (d *Dispatcher) Register(action Action, listeners ...Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipelines[action] = append(d.pipelines[action], listeners...)
}

// Pipeline returns the listener names registered for action, in order.
func (d *Dispatcher) Pipeline(action Action) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.pipelines[action]))
	for _, l := range d.pipelines[action] {
		names = append(names, l.Name)
	}
	return names
}

// Dispatch runs the pipeline of e.Action in order. Before each listener it
// checks whether the event was stopped and, if so, skips the rest. Panics
// raised by listeners are not recovered here.
func (d *Dispatcher) Dispatch(ctx context.Context, e *Event) {
	d.mu.RLock()
	pipeline := d.pipelines[e.Action]
	pipelineCopy := make([]Listener, len(pipeline))
	copy(pipelineCopy, pipeline)
	d.mu.RUnlock()

	log := d.logger.With(
		slog.String("action", string(e.Action)),
		slog.String("contact_id", e.Contact.ContactID),
	)
	log.Debug("dispatching", slog.Int("listeners", len(pipelineCopy)))

	for _, l := range pipelineCopy {
		if e.Stopped() {
			break
		}
		l.Handle(ctx, e)
		if e.Stopped() && e.stoppedBy == "" {
			e.stoppedBy = l.Name
		}
	}

	if e.Stopped() {
		attrs := []any{
			slog.String("listener", e.stoppedBy),
			slog.String("reason", e.stopReason),
		}
		if e.err != nil {
			log.Error("pipeline failed", append(attrs, slog.Any("error", e.err))...)
		} else {
			log.Info("pipeline stopped", attrs...)
		}
	}

	metrics.RecordDispatch(string(e.Action), e.stoppedBy)
}
