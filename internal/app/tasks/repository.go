package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasklane/platform/internal/contracts"
)

var ErrTaskNotFound = errors.New("task not found")

// Task is the persisted row behind every task.* event payload.
type Task struct {
	ID                    string
	UserID                string
	Title                 string
	Description           string
	Priority              string
	Completed             bool
	DueAt                 *time.Time
	ReminderOffsetMinutes int
	Recurrence            *contracts.RecurrenceRule
	Occurrence            int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
	DeletedAt             *time.Time
}

// Snapshot renders the row as the immutable state carried in events.
func (t Task) Snapshot() contracts.TaskSnapshot {
	return contracts.TaskSnapshot{
		TaskID:                t.ID,
		UserID:                t.UserID,
		Title:                 t.Title,
		Description:           t.Description,
		Priority:              t.Priority,
		Completed:             t.Completed,
		DueAt:                 t.DueAt,
		ReminderOffsetMinutes: t.ReminderOffsetMinutes,
		Recurrence:            t.Recurrence,
		Occurrence:            t.Occurrence,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
		CompletedAt:           t.CompletedAt,
	}
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, task Task) error
	CreateInTx(ctx context.Context, tx pgx.Tx, task Task) error
	GetByID(ctx context.Context, taskID string) (Task, error)
	Update(ctx context.Context, task Task) error
	SoftDelete(ctx context.Context, taskID string, at time.Time) error
	ListForUser(ctx context.Context, userID string, limit int) ([]Task, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  user_id text NOT NULL,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  priority text NOT NULL DEFAULT 'medium',
  completed boolean NOT NULL DEFAULT false,
  due_at timestamptz,
  reminder_offset_minutes integer NOT NULL DEFAULT 30,
  recurrence jsonb,
  occurrence integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  completed_at timestamptz,
  deleted_at timestamptz
)`

const createTasksUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_user_id
ON tasks (user_id) WHERE deleted_at IS NULL`

const createTasksDueIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_due_at
ON tasks (due_at) WHERE due_at IS NOT NULL AND deleted_at IS NULL`

const insertTaskSQL = `
INSERT INTO tasks (
  id, user_id, title, description, priority, completed,
  due_at, reminder_offset_minutes, recurrence, occurrence,
  created_at, updated_at, completed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const selectTaskSQL = `
SELECT id, user_id, title, description, priority, completed,
       due_at, reminder_offset_minutes, recurrence, occurrence,
       created_at, updated_at, completed_at, deleted_at
FROM tasks`

const updateTaskSQL = `
UPDATE tasks
SET title = $2,
    description = $3,
    priority = $4,
    completed = $5,
    due_at = $6,
    reminder_offset_minutes = $7,
    recurrence = $8,
    occurrence = $9,
    updated_at = $10,
    completed_at = $11
WHERE id = $1 AND deleted_at IS NULL`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createTasksTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createTasksUserIndexSQL); err != nil {
		return err
	}
	_, err := r.Pool.Exec(ctx, createTasksDueIndexSQL)
	return err
}

func (r *PostgresRepository) Create(ctx context.Context, task Task) error {
	args, err := insertArgs(task)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, insertTaskSQL, args...)
	return err
}

// CreateInTx inserts a task inside a consumer's claim transaction. The
// recurrence worker uses this so the next instance and the ledger row
// commit atomically.
func (r *PostgresRepository) CreateInTx(ctx context.Context, tx pgx.Tx, task Task) error {
	args, err := insertArgs(task)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertTaskSQL, args...)
	return err
}

func insertArgs(task Task) ([]any, error) {
	recurrence, err := marshalRecurrence(task.Recurrence)
	if err != nil {
		return nil, err
	}
	return []any{
		task.ID, task.UserID, task.Title, task.Description, task.Priority, task.Completed,
		task.DueAt, task.ReminderOffsetMinutes, recurrence, task.Occurrence,
		task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	}, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, taskID string) (Task, error) {
	row := r.Pool.QueryRow(ctx, selectTaskSQL+` WHERE id = $1 AND deleted_at IS NULL`, taskID)
	return scanTask(row)
}

func (r *PostgresRepository) Update(ctx context.Context, task Task) error {
	recurrence, err := marshalRecurrence(task.Recurrence)
	if err != nil {
		return err
	}
	tag, err := r.Pool.Exec(ctx, updateTaskSQL,
		task.ID, task.Title, task.Description, task.Priority, task.Completed,
		task.DueAt, task.ReminderOffsetMinutes, recurrence, task.Occurrence,
		task.UpdatedAt, task.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, taskID string, at time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE tasks SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		taskID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *PostgresRepository) ListForUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		selectTaskSQL+` WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var recurrence []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &t.Priority, &t.Completed,
		&t.DueAt, &t.ReminderOffsetMinutes, &recurrence, &t.Occurrence,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	if len(recurrence) > 0 {
		var rule contracts.RecurrenceRule
		if err := json.Unmarshal(recurrence, &rule); err != nil {
			return Task{}, err
		}
		t.Recurrence = &rule
	}
	return t, nil
}

func marshalRecurrence(rule *contracts.RecurrenceRule) ([]byte, error) {
	if rule == nil {
		return nil, nil
	}
	return json.Marshal(rule)
}
