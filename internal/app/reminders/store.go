package reminders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reminder is one pending notification per task. sent_at survives
// restarts, so a reminder fires at most once per remind_at.
type Reminder struct {
	TaskID   string
	UserID   string
	Title    string
	DueAt    time.Time
	RemindAt time.Time
	SentAt   *time.Time
}

type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const createRemindersTableSQL = `
CREATE TABLE IF NOT EXISTS reminders (
  task_id text PRIMARY KEY,
  user_id text NOT NULL,
  title text NOT NULL,
  due_at timestamptz NOT NULL,
  remind_at timestamptz NOT NULL,
  sent_at timestamptz,
  updated_at timestamptz NOT NULL
)`

const createRemindersPendingIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_reminders_pending
ON reminders (remind_at) WHERE sent_at IS NULL`

// Rescheduling clears sent_at only when remind_at actually moved, so a
// title edit cannot re-fire an already-sent reminder.
const upsertReminderSQL = `
INSERT INTO reminders (task_id, user_id, title, due_at, remind_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (task_id) DO UPDATE SET
  title = EXCLUDED.title,
  due_at = EXCLUDED.due_at,
  remind_at = EXCLUDED.remind_at,
  updated_at = EXCLUDED.updated_at,
  sent_at = CASE
    WHEN reminders.remind_at IS DISTINCT FROM EXCLUDED.remind_at THEN NULL
    ELSE reminders.sent_at
  END`

const selectDueSQL = `
SELECT task_id, user_id, title, due_at, remind_at
FROM reminders
WHERE sent_at IS NULL AND remind_at <= $1
ORDER BY remind_at
LIMIT $2
FOR UPDATE SKIP LOCKED`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createRemindersTableSQL); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, createRemindersPendingIndexSQL)
	return err
}

func (s *Store) UpsertInTx(ctx context.Context, tx pgx.Tx, r Reminder, now time.Time) error {
	_, err := tx.Exec(ctx, upsertReminderSQL, r.TaskID, r.UserID, r.Title, r.DueAt, r.RemindAt, now)
	return err
}

func (s *Store) DeleteInTx(ctx context.Context, tx pgx.Tx, taskID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM reminders WHERE task_id = $1`, taskID)
	return err
}

// DueInTx locks and returns pending reminders whose remind_at has
// passed. SKIP LOCKED keeps concurrent scanner instances off the same
// rows.
func (s *Store) DueInTx(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Query(ctx, selectDueSQL, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.TaskID, &r.UserID, &r.Title, &r.DueAt, &r.RemindAt); err != nil {
			return nil, err
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

func (s *Store) MarkSentInTx(ctx context.Context, tx pgx.Tx, taskID string, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE reminders SET sent_at = $2 WHERE task_id = $1`, taskID, at)
	return err
}
