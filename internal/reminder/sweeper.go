// Package reminder delivers scheduled tasks whose time has come.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/channel"
	"github.com/hackgods/salon-conversation-engine/internal/metrics"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

const (
	defaultBatch = 50
	DefaultLease = 5 * time.Minute
)

// Sweeper claims due pending tasks and sends them. A claimed task is moved to
// sending first, so two workers never deliver the same task while the claim's
// lease holds. A task whose worker died mid-delivery is claimed again once the
// lease runs out.
type Sweeper struct {
	repo   store.Repository
	sender channel.Sender
	logger *slog.Logger
	batch  int
	lease  time.Duration
	now    func() time.Time
}

// NewSweeper builds a sweeper. A lease of zero or less means DefaultLease.
func NewSweeper(repo store.Repository, sender channel.Sender, lease time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Sweeper{repo: repo, sender: sender, logger: logger, batch: defaultBatch, lease: lease, now: time.Now}
}

type Result struct {
	Sent   int
	Failed int
}

// RunOnce drains due tasks batch by batch until none are left.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	for {
		tasks, err := s.repo.ClaimDueTasks(ctx, s.now(), s.lease, s.batch)
		if err != nil {
			return res, fmt.Errorf("claim due tasks: %w", err)
		}
		if len(tasks) == 0 {
			return res, nil
		}

		for _, task := range tasks {
			if s.deliver(ctx, task) {
				res.Sent++
			} else {
				res.Failed++
			}
		}

		if len(tasks) < s.batch {
			return res, nil
		}
	}
}

func (s *Sweeper) deliver(ctx context.Context, task store.ScheduledTask) bool {
	log := s.logger.With(
		slog.Int64("task_id", task.ID),
		slog.String("task_type", string(task.TaskType)),
		slog.String("contact_id", task.ContactID),
	)

	status := store.TaskSent
	if err := s.sender.SendReply(ctx, task.ContactID, task.Content); err != nil {
		log.Error("reminder delivery failed", slog.Any("error", err))
		status = store.TaskFailed
	}

	if err := s.repo.MarkTaskStatus(ctx, task.ID, store.TaskSending, status); err != nil {
		log.Error("could not mark task", slog.String("status", string(status)), slog.Any("error", err))
	}
	metrics.RecordReminderDelivery(string(task.TaskType), string(status))
	return status == store.TaskSent
}
