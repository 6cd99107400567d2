package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/contracts"
)

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrInvalidPriority = errors.New("priority must be low, medium or high")
	ErrForbidden       = errors.New("task does not belong to the user")
	ErrInvalidRule     = errors.New("invalid recurrence rule")
)

const defaultReminderOffsetMinutes = 30

// EventSink is the publisher surface the service emits through.
type EventSink interface {
	PublishEvent(ctx context.Context, event contracts.DomainEvent) (contracts.DomainEvent, error)
}

// Service is the sole event producer: every state-changing task action
// persists the row first, then publishes the matching domain event. A
// publish failure is degraded mode, never a request failure: the task
// state is already durable.
type Service struct {
	Repo   Repository
	Events EventSink
	NewID  func() string
	Now    func() time.Time
}

func NewService(repo Repository, events EventSink) *Service {
	return &Service{
		Repo:   repo,
		Events: events,
		NewID:  nuid.Next,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	Title                 string                    `json:"title"`
	Description           string                    `json:"description"`
	Priority              string                    `json:"priority"`
	DueAt                 *time.Time                `json:"due_at"`
	ReminderOffsetMinutes *int                      `json:"reminder_offset_minutes"`
	Recurrence            *contracts.RecurrenceRule `json:"recurrence"`
}

type UpdateRequest struct {
	Title                 *string                   `json:"title"`
	Description           *string                   `json:"description"`
	Priority              *string                   `json:"priority"`
	DueAt                 *time.Time                `json:"due_at"`
	ReminderOffsetMinutes *int                      `json:"reminder_offset_minutes"`
	Recurrence            *contracts.RecurrenceRule `json:"recurrence"`
}

func normalizePriority(priority string) (string, error) {
	priority = strings.TrimSpace(strings.ToLower(priority))
	switch priority {
	case "":
		return "medium", nil
	case "low", "medium", "high":
		return priority, nil
	default:
		return "", ErrInvalidPriority
	}
}

func validateRecurrence(rule *contracts.RecurrenceRule) error {
	if rule == nil {
		return nil
	}
	switch rule.Frequency {
	case "daily", "weekly", "monthly":
	default:
		return ErrInvalidRule
	}
	if rule.Interval < 1 {
		return ErrInvalidRule
	}
	return nil
}

func (s *Service) Create(ctx context.Context, userID, correlationID string, req CreateRequest) (Task, string, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Task{}, "", ErrTitleRequired
	}
	priority, err := normalizePriority(req.Priority)
	if err != nil {
		return Task{}, "", err
	}
	if err := validateRecurrence(req.Recurrence); err != nil {
		return Task{}, "", err
	}

	now := s.Now()
	offset := defaultReminderOffsetMinutes
	if req.ReminderOffsetMinutes != nil && *req.ReminderOffsetMinutes >= 0 {
		offset = *req.ReminderOffsetMinutes
	}
	occurrence := 0
	if req.Recurrence != nil {
		occurrence = 1
	}

	task := Task{
		ID:                    s.NewID(),
		UserID:                userID,
		Title:                 title,
		Description:           strings.TrimSpace(req.Description),
		Priority:              priority,
		DueAt:                 req.DueAt,
		ReminderOffsetMinutes: offset,
		Recurrence:            req.Recurrence,
		Occurrence:            occurrence,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.Repo.Create(ctx, task); err != nil {
		return Task{}, "", err
	}

	eventID := s.publishTaskEvent(ctx, contracts.EventTaskCreated, task, nil, correlationID)
	return task, eventID, nil
}

func (s *Service) Update(ctx context.Context, userID, taskID, correlationID string, req UpdateRequest) (Task, string, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return Task{}, "", err
	}

	var changed []string
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return Task{}, "", ErrTitleRequired
		}
		if title != task.Title {
			task.Title = title
			changed = append(changed, "title")
		}
	}
	if req.Description != nil && strings.TrimSpace(*req.Description) != task.Description {
		task.Description = strings.TrimSpace(*req.Description)
		changed = append(changed, "description")
	}
	if req.Priority != nil {
		priority, err := normalizePriority(*req.Priority)
		if err != nil {
			return Task{}, "", err
		}
		if priority != task.Priority {
			task.Priority = priority
			changed = append(changed, "priority")
		}
	}
	if req.DueAt != nil && !equalTimePtr(req.DueAt, task.DueAt) {
		task.DueAt = req.DueAt
		changed = append(changed, "due_at")
	}
	if req.ReminderOffsetMinutes != nil && *req.ReminderOffsetMinutes >= 0 && *req.ReminderOffsetMinutes != task.ReminderOffsetMinutes {
		task.ReminderOffsetMinutes = *req.ReminderOffsetMinutes
		changed = append(changed, "reminder_offset_minutes")
	}
	if req.Recurrence != nil {
		if err := validateRecurrence(req.Recurrence); err != nil {
			return Task{}, "", err
		}
		task.Recurrence = req.Recurrence
		changed = append(changed, "recurrence")
	}

	if len(changed) == 0 {
		return task, "", nil
	}

	task.UpdatedAt = s.Now()
	if err := s.Repo.Update(ctx, task); err != nil {
		return Task{}, "", err
	}

	eventID := s.publishTaskEvent(ctx, contracts.EventTaskUpdated, task, changed, correlationID)
	return task, eventID, nil
}

func (s *Service) Complete(ctx context.Context, userID, taskID, correlationID string) (Task, string, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return Task{}, "", err
	}
	if task.Completed {
		// Completing twice is a no-op, not an error, and emits no event.
		return task, "", nil
	}

	now := s.Now()
	task.Completed = true
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := s.Repo.Update(ctx, task); err != nil {
		return Task{}, "", err
	}

	eventID := s.publishTaskEvent(ctx, contracts.EventTaskCompleted, task, []string{"completed"}, correlationID)
	return task, eventID, nil
}

func (s *Service) Delete(ctx context.Context, userID, taskID, correlationID string) (string, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return "", err
	}

	now := s.Now()
	if err := s.Repo.SoftDelete(ctx, taskID, now); err != nil {
		return "", err
	}
	task.UpdatedAt = now

	eventID := s.publishTaskEvent(ctx, contracts.EventTaskDeleted, task, nil, correlationID)
	return eventID, nil
}

func (s *Service) Get(ctx context.Context, userID, taskID string) (Task, error) {
	return s.ownedTask(ctx, userID, taskID)
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]Task, error) {
	return s.Repo.ListForUser(ctx, userID, limit)
}

func (s *Service) ownedTask(ctx context.Context, userID, taskID string) (Task, error) {
	task, err := s.Repo.GetByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.UserID != userID {
		return Task{}, ErrForbidden
	}
	return task, nil
}

// publishTaskEvent emits the event for an already-persisted change. The
// returned event_id is handed to the client so it can suppress its own
// echo from the gateway; an empty string means publication was skipped
// in degraded mode.
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task Task, changed []string, correlationID string) string {
	payload, err := json.Marshal(contracts.TaskEventPayload{
		Task:          task.Snapshot(),
		ChangedFields: changed,
	})
	if err != nil {
		log.Printf("task %s: payload marshal failed: %v", task.ID, err)
		return ""
	}

	event, err := s.Events.PublishEvent(ctx, contracts.DomainEvent{
		Type:          eventType,
		SubjectUserID: task.UserID,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	if err != nil {
		log.Printf("degraded: %s for task %s not published: %v", eventType, task.ID, err)
		return ""
	}
	return event.EventID
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
