package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/sharding"
)

// ErrUnavailable is returned once the bounded retry budget is exhausted.
// The caller treats it as a degraded-mode warning: the task row is already
// durable in Postgres, only the event emission failed.
var ErrUnavailable = errors.New("event broker unavailable")

var ErrMissingSubject = errors.New("event subject_user_id is required")
var ErrMissingType = errors.New("event type is required")

type PublishFunc func(subject string, payload []byte) error

// JetStream adapts a JetStream context to the PublishFunc the Publisher
// and the consumer runtime expect.
func JetStream(js nats.JetStreamContext) PublishFunc {
	return func(subject string, payload []byte) error {
		_, err := js.Publish(subject, payload)
		return err
	}
}

var (
	publishTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_events_published_total",
		Help: "Domain event publish outcomes.",
	}, []string{"type", "outcome"})

	publishRetries = metrics.NewCounter(metrics.Opts{
		Name: "tasklane_event_publish_retries_total",
		Help: "Publish attempts beyond the first.",
	})
)

func init() {
	metrics.Default.MustRegister(publishTotal, publishRetries)
}

// Publisher wraps domain actions into versioned envelopes and publishes
// them to a subject keyed by the subject user's shard, so one user's
// events stay ordered. Retry is bounded: the HTTP request path calling
// this must never hang on broker unavailability.
type Publisher struct {
	Publish     PublishFunc
	NewID       func() string
	Now         func() time.Time
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

func NewPublisher(publish PublishFunc) *Publisher {
	return &Publisher{
		Publish:     publish,
		NewID:       nuid.Next,
		Now:         func() time.Time { return time.Now().UTC() },
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		Sleep:       sleepCtx,
	}
}

// PublishEvent assigns missing envelope fields, marshals the event and
// publishes it with capped exponential backoff. The returned event carries
// the assigned event_id so callers can hand it to clients for self-echo
// suppression.
func (p *Publisher) PublishEvent(ctx context.Context, event contracts.DomainEvent) (contracts.DomainEvent, error) {
	if event.Type == "" {
		return event, ErrMissingType
	}
	if event.SubjectUserID == "" {
		return event, ErrMissingSubject
	}
	if event.EventID == "" {
		event.EventID = p.NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.Now()
	}
	if event.SchemaVersion == 0 {
		event.SchemaVersion = contracts.SchemaVersion
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return event, err
	}
	subject := sharding.EventSubject(event.SubjectUserID)

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			publishRetries.Inc()
			delay := p.backoff(attempt)
			if err := p.Sleep(ctx, delay); err != nil {
				publishTotal.WithLabelValues(event.Type, "canceled").Inc()
				return event, err
			}
		}
		if lastErr = p.Publish(subject, payload); lastErr == nil {
			publishTotal.WithLabelValues(event.Type, "ok").Inc()
			return event, nil
		}
	}

	publishTotal.WithLabelValues(event.Type, "unavailable").Inc()
	return event, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (p *Publisher) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << (attempt - 1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
