package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/runtime"
)

// ConsumerName is the ledger identity of the reminder worker.
const ConsumerName = "reminder-worker"

// ReminderStore is the slice of Store the handler mutates.
type ReminderStore interface {
	UpsertInTx(ctx context.Context, tx pgx.Tx, r Reminder, now time.Time) error
	DeleteInTx(ctx context.Context, tx pgx.Tx, taskID string) error
}

// Handler keeps the reminders table in step with the task stream: a
// task with a future due date owns one pending reminder, a completed
// or deleted task owns none.
type Handler struct {
	Store ReminderStore
	Now   func() time.Time
}

func NewHandler(store ReminderStore) *Handler {
	return &Handler{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Handle(ctx context.Context, tx pgx.Tx, event contracts.DomainEvent) error {
	if !event.IsTaskEvent() {
		return nil
	}

	var payload contracts.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", runtime.ErrDiscard, err)
	}
	task := payload.Task

	switch event.Type {
	case contracts.EventTaskDeleted, contracts.EventTaskCompleted:
		return h.Store.DeleteInTx(ctx, tx, task.TaskID)
	case contracts.EventTaskCreated, contracts.EventTaskUpdated:
		if task.DueAt == nil || task.Completed {
			return h.Store.DeleteInTx(ctx, tx, task.TaskID)
		}
		return h.Store.UpsertInTx(ctx, tx, Reminder{
			TaskID:   task.TaskID,
			UserID:   task.UserID,
			Title:    task.Title,
			DueAt:    *task.DueAt,
			RemindAt: task.DueAt.Add(-time.Duration(task.ReminderOffsetMinutes) * time.Minute),
		}, h.Now())
	default:
		return nil
	}
}
