package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContact(t *testing.T, repo *MemoryRepository, contactID string) *Contact {
	t.Helper()
	var c *Contact
	err := repo.WithTx(context.Background(), func(tx Tx) error {
		var err error
		c, err = tx.CreateContact(context.Background(), contactID, nil)
		return err
	})
	require.NoError(t, err)
	return c
}

func TestMemoryRepositoryRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := newContact(t, repo, "5511999990000")

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.InsertTurn(ctx, ConversationTurn{ContactDBID: c.ID, Channel: "whatsapp", Status: TurnReplied, Outcome: "pending"})
		require.NoError(t, err)
		require.NoError(t, tx.SaveConversationState(ctx, c.ID, map[string]any{"goal": "book"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, repo.Turns())
	_ = repo.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetContactByContactID(ctx, c.ContactID)
		require.NoError(t, err)
		assert.Empty(t, got.ConversationState)
		return nil
	})
}

func TestMemoryRepositoryStateIsStoredByValue(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := newContact(t, repo, "5511999990001")

	state := map[string]any{"context": map[string]any{"step": "date"}}
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		return tx.SaveConversationState(ctx, c.ID, state)
	}))

	state["context"].(map[string]any)["step"] = "mutated"

	_ = repo.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetContactByContactID(ctx, c.ContactID)
		require.NoError(t, err)
		assert.Equal(t, "date", got.ConversationState["context"].(map[string]any)["step"])
		return nil
	})
}

func TestMemoryRepositoryTagsAreAUnion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := newContact(t, repo, "5511999990002")

	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.AddContactTags(ctx, c.ID, []string{"vip", "interest:haircut"}))
		return tx.AddContactTags(ctx, c.ID, []string{"interest:haircut", "new"})
	}))

	_ = repo.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetContactByContactID(ctx, c.ContactID)
		require.NoError(t, err)
		assert.Equal(t, []string{"interest:haircut", "new", "vip"}, got.Tags)
		return nil
	})
}

func TestMemoryRepositoryConflictWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := newContact(t, repo, "5511999990003")
	at := time.Date(2025, 9, 10, 15, 0, 0, 0, time.UTC)

	_ = repo.WithTx(ctx, func(tx Tx) error {
		b, err := tx.CreateBooking(ctx, Booking{ContactDBID: c.ID, ServiceName: "Haircut", StartsAt: at})
		require.NoError(t, err)

		_, err = tx.FindConflictingBooking(ctx, c.ID, "haircut", at.Add(time.Hour), 2*time.Hour, 0)
		assert.NoError(t, err)

		_, err = tx.FindConflictingBooking(ctx, c.ID, "haircut", at.Add(time.Hour), 2*time.Hour, b.ID)
		assert.ErrorIs(t, err, ErrBookingNotFound)

		_, err = tx.FindConflictingBooking(ctx, c.ID, "Haircut", at.Add(3*time.Hour), 2*time.Hour, 0)
		assert.ErrorIs(t, err, ErrBookingNotFound)

		_, err = tx.FindConflictingBooking(ctx, c.ID, "Massage", at, 2*time.Hour, 0)
		assert.ErrorIs(t, err, ErrBookingNotFound)
		return nil
	})
}

func TestMemoryRepositoryClaimDueTasks(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		for _, at := range []time.Time{now.Add(-time.Hour), now.Add(-2 * time.Hour), now.Add(time.Hour)} {
			if _, err := tx.CreateTask(ctx, ScheduledTask{ContactID: "c", TaskType: TaskAppointmentReminder, ScheduledAt: at}); err != nil {
				return err
			}
		}
		return nil
	}))

	claimed, err := repo.ClaimDueTasks(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.True(t, claimed[0].ScheduledAt.Before(claimed[1].ScheduledAt))
	assert.Equal(t, TaskSending, claimed[0].Status)

	again, err := repo.ClaimDueTasks(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.MarkTaskStatus(ctx, claimed[0].ID, TaskSending, TaskSent))
	assert.ErrorIs(t, repo.MarkTaskStatus(ctx, claimed[0].ID, TaskSending, TaskSent), ErrStatusConflict)
}

func TestMemoryRepositoryReclaimsStaleSendingTasks(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	lease := 10 * time.Minute

	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.CreateTask(ctx, ScheduledTask{ContactID: "c", TaskType: TaskAppointmentReminder, ScheduledAt: now.Add(-time.Minute)})
		return err
	}))

	first, err := repo.ClaimDueTasks(ctx, now, lease, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// the worker that claimed it never reports back
	held, err := repo.ClaimDueTasks(ctx, now.Add(lease/2), lease, 10)
	require.NoError(t, err)
	assert.Empty(t, held)

	later := now.Add(lease + time.Second)
	reclaimed, err := repo.ClaimDueTasks(ctx, later, lease, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, first[0].ID, reclaimed[0].ID)
	assert.Equal(t, TaskSending, reclaimed[0].Status)
	assert.Equal(t, later, reclaimed[0].UpdatedAt)

	require.NoError(t, repo.MarkTaskStatus(ctx, reclaimed[0].ID, TaskSending, TaskSent))
	done, err := repo.ClaimDueTasks(ctx, later.Add(time.Hour), lease, 10)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestMemoryRepositoryFindPendingBookingTask(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	at := time.Date(2025, 9, 10, 15, 0, 0, 0, time.UTC)
	first, second := int64(7), int64(8)

	_ = repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.CreateTask(ctx, ScheduledTask{ContactID: "c", BookingID: &first, TaskType: TaskAppointmentReminder, ScheduledAt: at})
		require.NoError(t, err)
		_, err = tx.CreateTask(ctx, ScheduledTask{ContactID: "c", TaskType: TaskAppointmentReminder, ScheduledAt: at})
		require.NoError(t, err)

		got, err := tx.FindPendingBookingTask(ctx, first, TaskAppointmentReminder)
		require.NoError(t, err)
		assert.Equal(t, first, *got.BookingID)

		_, err = tx.FindPendingBookingTask(ctx, first, TaskShortAppointmentReminder)
		assert.ErrorIs(t, err, ErrTaskNotFound)

		_, err = tx.FindPendingBookingTask(ctx, second, TaskAppointmentReminder)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		return nil
	})
}
