package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tasklane/platform/internal/app/tasks"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/runtime"
)

type captureRepo struct {
	created []tasks.Task
}

func (r *captureRepo) EnsureSchema(context.Context) error              { return nil }
func (r *captureRepo) Create(_ context.Context, task tasks.Task) error { return nil }
func (r *captureRepo) CreateInTx(_ context.Context, _ pgx.Tx, task tasks.Task) error {
	r.created = append(r.created, task)
	return nil
}
func (r *captureRepo) GetByID(context.Context, string) (tasks.Task, error) {
	return tasks.Task{}, tasks.ErrTaskNotFound
}
func (r *captureRepo) Update(context.Context, tasks.Task) error          { return nil }
func (r *captureRepo) SoftDelete(context.Context, string, time.Time) error { return nil }
func (r *captureRepo) ListForUser(context.Context, string, int) ([]tasks.Task, error) {
	return nil, nil
}

type captureSink struct {
	events []contracts.DomainEvent
	err    error
}

func (s *captureSink) PublishEvent(_ context.Context, event contracts.DomainEvent) (contracts.DomainEvent, error) {
	if s.err != nil {
		return contracts.DomainEvent{}, s.err
	}
	s.events = append(s.events, event)
	return event, nil
}

func completedEvent(t *testing.T, snapshot contracts.TaskSnapshot) contracts.DomainEvent {
	t.Helper()
	payload, err := json.Marshal(contracts.TaskEventPayload{Task: snapshot, ChangedFields: []string{"completed"}})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return contracts.DomainEvent{
		EventID:       "evt-1",
		Type:          contracts.EventTaskCompleted,
		SubjectUserID: snapshot.UserID,
		CorrelationID: "corr-1",
		SchemaVersion: contracts.SchemaVersion,
		Payload:       payload,
	}
}

func recurringSnapshot() contracts.TaskSnapshot {
	completedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	dueAt := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	return contracts.TaskSnapshot{
		TaskID:                "task-1",
		UserID:                "user-1",
		Title:                 "Water plants",
		Priority:              "medium",
		Completed:             true,
		DueAt:                 &dueAt,
		ReminderOffsetMinutes: 15,
		Recurrence:            &contracts.RecurrenceRule{Frequency: "daily", Interval: 1},
		Occurrence:            1,
		CompletedAt:           &completedAt,
	}
}

func newHandlerForTests() (*Handler, *captureRepo, *captureSink) {
	repo := &captureRepo{}
	sink := &captureSink{}
	h := NewHandler(repo, sink)
	h.Now = func() time.Time { return time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC) }
	return h, repo, sink
}

func TestHandle_CreatesNextInstance(t *testing.T) {
	h, repo, sink := newHandlerForTests()

	if err := h.Handle(context.Background(), nil, completedEvent(t, recurringSnapshot())); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(repo.created) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(repo.created))
	}
	instance := repo.created[0]
	if instance.ID == "" || instance.ID == "task-1" {
		t.Fatalf("instance needs its own id, got %q", instance.ID)
	}
	if instance.Occurrence != 2 || instance.Completed || instance.CompletedAt != nil {
		t.Fatalf("unexpected instance: %+v", instance)
	}
	wantDue := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	if instance.DueAt == nil || !instance.DueAt.Equal(wantDue) {
		t.Fatalf("due at %v, want %v", instance.DueAt, wantDue)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(sink.events))
	}
	event := sink.events[0]
	if event.Type != contracts.EventTaskCreated || event.SubjectUserID != "user-1" || event.CorrelationID != "corr-1" {
		t.Fatalf("unexpected announcement: %+v", event)
	}
	if event.EventID == "" || event.EventID == "evt-1" {
		t.Fatalf("announcement needs a derived event id, got %q", event.EventID)
	}
}

func TestHandle_RedeliveryDerivesSameIDs(t *testing.T) {
	h, repo, sink := newHandlerForTests()
	event := completedEvent(t, recurringSnapshot())

	if err := h.Handle(context.Background(), nil, event); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := h.Handle(context.Background(), nil, event); err != nil {
		t.Fatalf("second Handle: %v", err)
	}

	if repo.created[0].ID != repo.created[1].ID {
		t.Fatalf("instance ids diverged: %q vs %q", repo.created[0].ID, repo.created[1].ID)
	}
	if sink.events[0].EventID != sink.events[1].EventID {
		t.Fatalf("event ids diverged: %q vs %q", sink.events[0].EventID, sink.events[1].EventID)
	}
}

func TestHandle_IgnoresNonCompletedEvents(t *testing.T) {
	h, repo, _ := newHandlerForTests()

	event := completedEvent(t, recurringSnapshot())
	event.Type = contracts.EventTaskUpdated
	if err := h.Handle(context.Background(), nil, event); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatal("non-completed event must not create an instance")
	}
}

func TestHandle_IgnoresNonRecurringTasks(t *testing.T) {
	h, repo, _ := newHandlerForTests()

	snapshot := recurringSnapshot()
	snapshot.Recurrence = nil
	if err := h.Handle(context.Background(), nil, completedEvent(t, snapshot)); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatal("non-recurring task must not create an instance")
	}
}

func TestHandle_EndedRuleCreatesNothing(t *testing.T) {
	h, repo, sink := newHandlerForTests()

	snapshot := recurringSnapshot()
	snapshot.Recurrence.MaxOccurrences = 1
	if err := h.Handle(context.Background(), nil, completedEvent(t, snapshot)); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(repo.created) != 0 || len(sink.events) != 0 {
		t.Fatal("exhausted rule must create nothing")
	}
}

func TestHandle_MalformedPayloadIsDiscard(t *testing.T) {
	h, _, _ := newHandlerForTests()

	event := completedEvent(t, recurringSnapshot())
	event.Payload = []byte("{not json")
	err := h.Handle(context.Background(), nil, event)
	if !errors.Is(err, runtime.ErrDiscard) {
		t.Fatalf("expected ErrDiscard, got %v", err)
	}
}

func TestHandle_PublishFailureStillCreatesInstance(t *testing.T) {
	h, repo, sink := newHandlerForTests()
	sink.err = errors.New("broker down")

	if err := h.Handle(context.Background(), nil, completedEvent(t, recurringSnapshot())); err != nil {
		t.Fatalf("Handle must not fail on publish error: %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatal("instance must be created even when the announcement fails")
	}
}
