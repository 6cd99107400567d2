package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// SchemaVersion is stamped on every published envelope so consumers can
// reject payloads written by an incompatible producer.
const SchemaVersion = 1

// Domain event types carried in DomainEvent.Type.
const (
	EventTaskCreated   = "task.created"
	EventTaskUpdated   = "task.updated"
	EventTaskDeleted   = "task.deleted"
	EventTaskCompleted = "task.completed"
	EventReminderDue   = "reminder.due"
)

// DomainEvent is the immutable envelope published by task-api and the
// reminder scanner, and consumed by every worker and gateway instance.
type DomainEvent struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	SubjectUserID string          `json:"subject_user_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// IsTaskEvent reports whether the event carries a TaskEventPayload.
func (e DomainEvent) IsTaskEvent() bool {
	return strings.HasPrefix(e.Type, "task.")
}

// RecurrenceRule describes how a recurring task repeats.
type RecurrenceRule struct {
	Frequency      string     `json:"frequency"` // daily, weekly, monthly
	Interval       int        `json:"interval"`
	ByWeekday      []int      `json:"by_weekday,omitempty"` // 0=Monday .. 6=Sunday
	ByMonthday     int        `json:"by_monthday,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
}

// TaskSnapshot is the full task state at the moment an event occurred.
type TaskSnapshot struct {
	TaskID                string          `json:"task_id"`
	UserID                string          `json:"user_id"`
	Title                 string          `json:"title"`
	Description           string          `json:"description,omitempty"`
	Priority              string          `json:"priority"`
	Completed             bool            `json:"completed"`
	DueAt                 *time.Time      `json:"due_at,omitempty"`
	ReminderOffsetMinutes int             `json:"reminder_offset_minutes"`
	Recurrence            *RecurrenceRule `json:"recurrence,omitempty"`
	Occurrence            int             `json:"occurrence"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// TaskEventPayload is the payload of every task.* event.
type TaskEventPayload struct {
	Task          TaskSnapshot `json:"task"`
	ChangedFields []string     `json:"changed_fields,omitempty"`
}

// ReminderDuePayload is the payload of a reminder.due event.
type ReminderDuePayload struct {
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	DueAt      time.Time `json:"due_at"`
}

// Fanout actions carried in TaskUpdatePayload.Action.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// TaskUpdatePayload is the message fanned out to every subscribed
// connection of the subject user. Task is nil when Action is "deleted".
// EventID lets a client suppress the echo of its own change precisely.
type TaskUpdatePayload struct {
	Action        string        `json:"action"`
	TaskID        string        `json:"task_id"`
	Task          *TaskSnapshot `json:"task"`
	ChangedFields []string      `json:"changed_fields,omitempty"`
	EventID       string        `json:"event_id"`
	Timestamp     time.Time     `json:"timestamp"`
}
