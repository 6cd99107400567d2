package reminders

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
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/runtime"
)

var (
	remindersSent = metrics.NewCounter(metrics.Opts{
		Name: "tasklane_reminders_sent_total",
		Help: "reminder.due events published by the scan loop.",
	})

	remindersExpired = metrics.NewCounter(metrics.Opts{
		Name: "tasklane_reminders_expired_total",
		Help: "Reminders retired unsent because the task was already due.",
	})
)

func init() {
	metrics.Default.MustRegister(remindersSent, remindersExpired)
}

type scanStore interface {
	DueInTx(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Reminder, error)
	MarkSentInTx(ctx context.Context, tx pgx.Tx, taskID string, at time.Time) error
}

// Scanner is the due-reminder loop. Each cycle locks a batch of
// pending reminders, publishes reminder.due for the live ones, and
// commits the sent marks with the locks. A reminder whose publish
// fails stays pending for the next cycle.
type Scanner struct {
	DB        runtime.Beginner
	Store     scanStore
	Events    tasks.EventSink
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

func NewScanner(db runtime.Beginner, store scanStore, events tasks.EventSink) *Scanner {
	return &Scanner{
		DB:        db,
		Store:     store,
		Events:    events,
		Interval:  time.Minute,
		BatchSize: 100,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is canceled, scanning every Interval.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Printf("reminder scanner running every %s", s.Interval)
	for {
		sent, expired, err := s.ScanOnce(ctx)
		if err != nil {
			log.Printf("reminder scan failed: %v", err)
		} else if sent > 0 || expired > 0 {
			log.Printf("reminder scan: sent=%d expired=%d", sent, expired)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce runs a single scan cycle and reports how many reminders
// were published and how many were retired unsent.
func (s *Scanner) ScanOnce(ctx context.Context) (sent, expired int, err error) {
	now := s.Now()

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	due, err := s.Store.DueInTx(ctx, tx, now, s.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("select due: %w", err)
	}

	for _, r := range due {
		if !r.DueAt.After(now) {
			// Too late to be useful. Retire it quietly.
			if err := s.Store.MarkSentInTx(ctx, tx, r.TaskID, now); err != nil {
				return sent, expired, err
			}
			expired++
			remindersExpired.Inc()
			continue
		}

		if err := s.publish(ctx, r); err != nil {
			log.Printf("reminder for task %s not published, will retry: %v", r.TaskID, err)
			continue
		}
		if err := s.Store.MarkSentInTx(ctx, tx, r.TaskID, now); err != nil {
			return sent, expired, err
		}
		sent++
		remindersSent.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return sent, expired, nil
}

// publish emits reminder.due with an id derived from the reminder's
// identity, so a crash between publish and commit cannot duplicate the
// reminder downstream.
func (s *Scanner) publish(ctx context.Context, r Reminder) error {
	payload, err := json.Marshal(contracts.ReminderDuePayload{
		ReminderID: reminderEventID(r),
		TaskID:     r.TaskID,
		Title:      r.Title,
		DueAt:      r.DueAt,
	})
	if err != nil {
		return err
	}
	_, err = s.Events.PublishEvent(ctx, contracts.DomainEvent{
		EventID:       reminderEventID(r),
		Type:          contracts.EventReminderDue,
		SubjectUserID: r.UserID,
		Payload:       payload,
	})
	return err
}

func reminderEventID(r Reminder) string {
	sum := sha256.Sum256([]byte("reminder:" + r.TaskID + ":" + r.RemindAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:11])
}
