package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimResult is the outcome of TryClaim.
type ClaimResult int

const (
	// Claimed means no prior record existed; the caller proceeds to apply
	// the handler and commits the side effect together with the claim.
	Claimed ClaimResult = iota
	// AlreadyProcessed means a record exists; the caller skips the handler
	// and treats the delivery as redundantly successful.
	AlreadyProcessed
)

func (r ClaimResult) String() string {
	if r == AlreadyProcessed {
		return "already_processed"
	}
	return "claimed"
}

// Claimer is the ledger surface the consumer runtime depends on.
type Claimer interface {
	TryClaim(ctx context.Context, tx pgx.Tx, eventID, consumerName string) (ClaimResult, error)
}

// Store is the durable idempotency ledger. The uniqueness constraint on
// (event_id, consumer_name) is the correctness anchor: at-least-once
// delivery from the broker becomes at-most-once effective application.
type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const createProcessedEventsSQL = `
CREATE TABLE IF NOT EXISTS processed_events (
  event_id text NOT NULL,
  consumer_name text NOT NULL,
  processed_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (event_id, consumer_name)
)`

const createProcessedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at
ON processed_events (processed_at)`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createProcessedEventsSQL); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, createProcessedAtIndexSQL)
	return err
}

// TryClaim records (event_id, consumer_name) inside the caller's
// transaction. The insert and the handler's side effect commit or roll
// back together, so a crash before commit leaves the event unclaimed and
// the broker redelivery applies it cleanly.
func (s *Store) TryClaim(ctx context.Context, tx pgx.Tx, eventID, consumerName string) (ClaimResult, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, consumer_name)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id, consumer_name) DO NOTHING`,
		eventID, consumerName,
	)
	if err != nil {
		return AlreadyProcessed, err
	}
	if tag.RowsAffected() == 0 {
		return AlreadyProcessed, nil
	}
	return Claimed, nil
}

// Prune removes records older than the retention horizon. The horizon
// must exceed the broker's maximum redelivery window or pruned events
// could be re-applied.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Claimer = (*Store)(nil)
