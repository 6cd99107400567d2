package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/eventbus"
)

type memRepo struct {
	tasks     map[string]Task
	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{tasks: make(map[string]Task)}
}

func (r *memRepo) EnsureSchema(context.Context) error { return nil }

func (r *memRepo) Create(_ context.Context, task Task) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *memRepo) CreateInTx(ctx context.Context, _ pgx.Tx, task Task) error {
	return r.Create(ctx, task)
}

func (r *memRepo) GetByID(_ context.Context, taskID string) (Task, error) {
	task, ok := r.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

func (r *memRepo) Update(_ context.Context, task Task) error {
	if _, ok := r.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *memRepo) SoftDelete(_ context.Context, taskID string, at time.Time) error {
	task, ok := r.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return ErrTaskNotFound
	}
	task.DeletedAt = &at
	r.tasks[taskID] = task
	return nil
}

func (r *memRepo) ListForUser(_ context.Context, userID string, _ int) ([]Task, error) {
	var result []Task
	for _, task := range r.tasks {
		if task.UserID == userID && task.DeletedAt == nil {
			result = append(result, task)
		}
	}
	return result, nil
}

type captureSink struct {
	events []contracts.DomainEvent
	err    error
}

func (s *captureSink) PublishEvent(_ context.Context, event contracts.DomainEvent) (contracts.DomainEvent, error) {
	if s.err != nil {
		return contracts.DomainEvent{}, s.err
	}
	event.EventID = "evt-" + event.Type
	s.events = append(s.events, event)
	return event, nil
}

func newTestService(repo Repository, sink *captureSink) *Service {
	svc := NewService(repo, sink)
	svc.NewID = func() string { return "task-1" }
	svc.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return svc
}

func TestCreate_PersistsAndPublishes(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	svc := newTestService(repo, sink)

	task, eventID, err := svc.Create(context.Background(), "user-1", "corr-1", CreateRequest{
		Title:    "  Buy milk  ",
		Priority: "HIGH",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if task.ID != "task-1" || task.Title != "Buy milk" || task.Priority != "high" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.ReminderOffsetMinutes != defaultReminderOffsetMinutes {
		t.Fatalf("expected default reminder offset, got %d", task.ReminderOffsetMinutes)
	}
	if _, ok := repo.tasks["task-1"]; !ok {
		t.Fatal("task was not persisted")
	}
	if eventID != "evt-"+contracts.EventTaskCreated {
		t.Fatalf("unexpected event id %q", eventID)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	event := sink.events[0]
	if event.Type != contracts.EventTaskCreated || event.SubjectUserID != "user-1" || event.CorrelationID != "corr-1" {
		t.Fatalf("unexpected event envelope: %+v", event)
	}
	var payload contracts.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid TaskEventPayload JSON: %v", err)
	}
	if payload.Task.TaskID != "task-1" || payload.Task.Title != "Buy milk" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCreate_RecurringStartsAtOccurrenceOne(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureSink{})
	task, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{
		Title:      "Water plants",
		Recurrence: &contracts.RecurrenceRule{Frequency: "daily", Interval: 1},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if task.Occurrence != 1 {
		t.Fatalf("expected occurrence 1, got %d", task.Occurrence)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(newMemRepo(), &captureSink{})

	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "   "}); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "x", Priority: "urgent"}); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{
		Title:      "x",
		Recurrence: &contracts.RecurrenceRule{Frequency: "hourly", Interval: 1},
	}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestCreate_PublishFailureIsDegradedNotFatal(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &captureSink{err: eventbus.ErrUnavailable})

	task, eventID, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "Buy milk"})
	if err != nil {
		t.Fatalf("Create must not fail on publish error: %v", err)
	}
	if eventID != "" {
		t.Fatalf("expected empty event id in degraded mode, got %q", eventID)
	}
	if _, ok := repo.tasks[task.ID]; !ok {
		t.Fatal("task must still be persisted in degraded mode")
	}
}

func TestUpdate_DiffsChangedFields(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	svc := newTestService(repo, sink)

	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "Buy milk", Description: "2 liters"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	sink.events = nil

	title := "Buy oat milk"
	priority := "high"
	task, _, err := svc.Update(context.Background(), "user-1", "task-1", "corr-2", UpdateRequest{
		Title:    &title,
		Priority: &priority,
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if task.Title != "Buy oat milk" || task.Priority != "high" || task.Description != "2 liters" {
		t.Fatalf("unexpected task after update: %+v", task)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	var payload contracts.TaskEventPayload
	if err := json.Unmarshal(sink.events[0].Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	want := []string{"title", "priority"}
	if len(payload.ChangedFields) != len(want) {
		t.Fatalf("changed fields mismatch: got %v want %v", payload.ChangedFields, want)
	}
	for i := range want {
		if payload.ChangedFields[i] != want[i] {
			t.Fatalf("changed fields mismatch: got %v want %v", payload.ChangedFields, want)
		}
	}
}

func TestUpdate_NoChangesEmitsNoEvent(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	svc := newTestService(repo, sink)

	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "Buy milk"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	sink.events = nil

	sameTitle := "Buy milk"
	_, eventID, err := svc.Update(context.Background(), "user-1", "task-1", "", UpdateRequest{Title: &sameTitle})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if eventID != "" || len(sink.events) != 0 {
		t.Fatalf("no-op update must not publish, got id %q and %d events", eventID, len(sink.events))
	}
}

func TestUpdate_ForeignTaskIsForbidden(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &captureSink{})
	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "Buy milk"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	title := "stolen"
	if _, _, err := svc.Update(context.Background(), "user-2", "task-1", "", UpdateRequest{Title: &title}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestComplete_TransitionsOnce(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	svc := newTestService(repo, sink)

	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "Buy milk"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	sink.events = nil

	task, eventID, err := svc.Complete(context.Background(), "user-1", "task-1", "")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if !task.Completed || task.CompletedAt == nil {
		t.Fatalf("task not completed: %+v", task)
	}
	if eventID == "" || len(sink.events) != 1 || sink.events[0].Type != contracts.EventTaskCompleted {
		t.Fatalf("expected one task.completed event, got %v", sink.events)
	}

	// Second completion is idempotent and silent.
	_, eventID, err = svc.Complete(context.Background(), "user-1", "task-1", "")
	if err != nil {
		t.Fatalf("second Complete returned error: %v", err)
	}
	if eventID != "" || len(sink.events) != 1 {
		t.Fatalf("repeat completion must not publish, got %d events", len(sink.events))
	}
}

func TestDelete_SoftDeletesAndPublishes(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	svc := newTestService(repo, sink)

	if _, _, err := svc.Create(context.Background(), "user-1", "", CreateRequest{Title: "Buy milk"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	sink.events = nil

	eventID, err := svc.Delete(context.Background(), "user-1", "task-1", "")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if eventID == "" || len(sink.events) != 1 || sink.events[0].Type != contracts.EventTaskDeleted {
		t.Fatalf("expected one task.deleted event, got %v", sink.events)
	}
	if _, err := svc.Get(context.Background(), "user-1", "task-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("deleted task must read as absent, got %v", err)
	}
}
