package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/eventbus"
	"github.com/tasklane/platform/internal/ledger"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/sharding"
)

// ErrDiscard tells the runtime a failure is permanent: retrying the same
// payload can never succeed. The event is dead-lettered instead of Nak'd.
var ErrDiscard = errors.New("event cannot be processed")

// Handler applies a consumer's side effect for one event. It runs inside
// the same transaction as the ledger claim; the two commit or roll back
// together.
type Handler func(ctx context.Context, tx pgx.Tx, event contracts.DomainEvent) error

// Beginner is the slice of pgxpool.Pool the runtime needs.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Consumer names one registration: a ledger consumer name, the subjects
// it watches and the handler it applies.
type Consumer struct {
	// Name keys the idempotency ledger. Two consumers with different
	// names each process every event once.
	Name string
	// Subject is the broker subscription filter, e.g. "task.event.>".
	Subject string
	// Queue, when set, shares the subscription across instances of the
	// same group. Leave empty when every instance must see every event
	// (the gateway fanout case).
	Queue string
	// Durable names the broker-side offset position. An empty durable
	// starts from new messages only.
	Durable string
	Handler Handler
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDuplicate
	outcomeRetry
	outcomePoison
)

func (o outcome) String() string {
	switch o {
	case outcomeApplied:
		return "applied"
	case outcomeDuplicate:
		return "duplicate"
	case outcomeRetry:
		return "retry"
	default:
		return "poison"
	}
}

var consumedTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "tasklane_events_consumed_total",
	Help: "Consumer runtime processing outcomes.",
}, []string{"consumer", "outcome"})

func init() {
	metrics.Default.MustRegister(consumedTotal)
}

// Runtime is the generic dispatch loop: pull, deduplicate via the ledger,
// apply the handler, commit, and only then acknowledge the broker offset.
type Runtime struct {
	DB         Beginner
	Ledger     ledger.Claimer
	DeadLetter eventbus.PublishFunc
	// MaxDeliver bounds redelivery of a failing event before it is
	// routed to the dead-letter subject. Must be >= 2.
	MaxDeliver int
	AckWait    time.Duration
}

func New(db Beginner, claimer ledger.Claimer, deadLetter eventbus.PublishFunc) *Runtime {
	return &Runtime{
		DB:         db,
		Ledger:     claimer,
		DeadLetter: deadLetter,
		MaxDeliver: 5,
		AckWait:    30 * time.Second,
	}
}

// Start subscribes the consumer on JetStream with manual acks. Within one
// subscription messages are handled sequentially, preserving per-user
// order inside a partition.
func (r *Runtime) Start(ctx context.Context, js nats.JetStreamContext, c Consumer) (*nats.Subscription, error) {
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckWait(r.AckWait),
		nats.MaxDeliver(r.MaxDeliver),
		nats.MaxAckPending(1),
	}
	if c.Durable != "" {
		opts = append(opts, nats.Durable(c.Durable))
	} else {
		opts = append(opts, nats.DeliverNew())
	}

	cb := func(msg *nats.Msg) {
		r.dispatch(ctx, c, msg)
	}

	if c.Queue != "" {
		return js.QueueSubscribe(c.Subject, c.Queue, cb, opts...)
	}
	return js.Subscribe(c.Subject, cb, opts...)
}

func (r *Runtime) dispatch(ctx context.Context, c Consumer, msg *nats.Msg) {
	result := r.process(ctx, c, msg.Data)

	// A transient failure on its final permitted delivery is parked on
	// the dead-letter subject rather than silently dropped by the broker.
	if result == outcomeRetry && deliveryCount(msg) >= uint64(r.MaxDeliver) {
		result = outcomePoison
	}

	consumedTotal.WithLabelValues(c.Name, result.String()).Inc()

	switch result {
	case outcomeApplied, outcomeDuplicate:
		_ = msg.Ack()
	case outcomeRetry:
		_ = msg.Nak()
	case outcomePoison:
		if r.DeadLetter != nil {
			if err := r.DeadLetter(sharding.DeadLetterSubject(c.Name), msg.Data); err != nil {
				log.Printf("consumer %s: dead-letter publish failed: %v", c.Name, err)
				_ = msg.Nak()
				return
			}
		}
		log.Printf("consumer %s: event dead-lettered", c.Name)
		_ = msg.Term()
	}
}

// process runs claim → apply → commit for one delivery. The broker offset
// is acknowledged by the caller only after this returns, so a crash at
// any point here leads to redelivery, and the ledger makes the redelivery
// a no-op once the commit has happened.
func (r *Runtime) process(ctx context.Context, c Consumer, data []byte) outcome {
	var event contracts.DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("consumer %s: malformed event payload: %v", c.Name, err)
		return outcomePoison
	}
	if event.EventID == "" {
		log.Printf("consumer %s: event without event_id", c.Name)
		return outcomePoison
	}
	if event.SchemaVersion > contracts.SchemaVersion {
		log.Printf("consumer %s: unsupported schema version %d for event %s", c.Name, event.SchemaVersion, event.EventID)
		return outcomePoison
	}

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		log.Printf("consumer %s: begin tx failed: %v", c.Name, err)
		return outcomeRetry
	}
	defer tx.Rollback(ctx)

	claim, err := r.Ledger.TryClaim(ctx, tx, event.EventID, c.Name)
	if err != nil {
		log.Printf("consumer %s: ledger claim failed for event %s: %v", c.Name, event.EventID, err)
		return outcomeRetry
	}
	if claim == ledger.AlreadyProcessed {
		return outcomeDuplicate
	}

	if err := c.Handler(ctx, tx, event); err != nil {
		if errors.Is(err, ErrDiscard) {
			log.Printf("consumer %s: discarding event %s: %v", c.Name, event.EventID, err)
			return outcomePoison
		}
		log.Printf("consumer %s: handler failed for event %s: %v", c.Name, event.EventID, err)
		return outcomeRetry
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("consumer %s: commit failed for event %s: %v", c.Name, event.EventID, err)
		return outcomeRetry
	}
	return outcomeApplied
}

func deliveryCount(msg *nats.Msg) uint64 {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}
