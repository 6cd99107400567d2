package recurrence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tasklane/platform/internal/app/tasks"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/runtime"
)

// ConsumerName is the ledger identity of the recurrence worker.
const ConsumerName = "recurrence-worker"

// Handler expands recurring tasks: when a recurring instance completes,
// the next instance is inserted in the claim transaction and announced
// with a task.created event. Instance and event IDs derive from the
// source event id, so a redelivered completion converges on the same
// row and the same announcement.
type Handler struct {
	Tasks  tasks.Repository
	Events tasks.EventSink
	Now    func() time.Time
}

func NewHandler(repo tasks.Repository, events tasks.EventSink) *Handler {
	return &Handler{
		Tasks:  repo,
		Events: events,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Handle(ctx context.Context, tx pgx.Tx, event contracts.DomainEvent) error {
	if event.Type != contracts.EventTaskCompleted {
		return nil
	}

	var payload contracts.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", runtime.ErrDiscard, err)
	}
	task := payload.Task
	if task.Recurrence == nil {
		return nil
	}

	completedAt := h.Now()
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}

	next, ok := NextOccurrence(task.Recurrence, completedAt, task.Occurrence)
	if !ok {
		log.Printf("recurrence ended for task %s after %d occurrences", task.TaskID, task.Occurrence)
		return nil
	}

	now := h.Now()
	instance := tasks.Task{
		ID:                    deriveID("task", event.EventID),
		UserID:                task.UserID,
		Title:                 task.Title,
		Description:           task.Description,
		Priority:              task.Priority,
		DueAt:                 InstanceDueAt(task.DueAt, completedAt, next),
		ReminderOffsetMinutes: task.ReminderOffsetMinutes,
		Recurrence:            task.Recurrence,
		Occurrence:            task.Occurrence + 1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := h.Tasks.CreateInTx(ctx, tx, instance); err != nil {
		return fmt.Errorf("create next instance: %w", err)
	}

	announcement, err := json.Marshal(contracts.TaskEventPayload{Task: instance.Snapshot()})
	if err != nil {
		return fmt.Errorf("%w: announcement: %v", runtime.ErrDiscard, err)
	}
	if _, err := h.Events.PublishEvent(ctx, contracts.DomainEvent{
		EventID:       deriveID("event", event.EventID),
		Type:          contracts.EventTaskCreated,
		SubjectUserID: task.UserID,
		CorrelationID: event.CorrelationID,
		Payload:       announcement,
	}); err != nil {
		// The row still commits; clients pick the instance up on the
		// next list. Same degraded mode as the write path.
		log.Printf("degraded: instance %s of task %s not announced: %v", instance.ID, task.TaskID, err)
	}

	log.Printf("created instance %s (occurrence %d) for recurring task %s", instance.ID, instance.Occurrence, task.TaskID)
	return nil
}

func deriveID(kind, sourceEventID string) string {
	sum := sha256.Sum256([]byte(kind + ":" + sourceEventID))
	return hex.EncodeToString(sum[:11])
}
