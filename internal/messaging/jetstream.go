package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	eventsStream     = "TASK_EVENTS"
	deadLetterStream = "TASK_DLQ"
)

// EnsureStreams creates (or validates) the streams required locally:
// - task.event.>  (domain events, partition-ordered per user shard)
// - task.dlq.>    (poison events parked by consumers)
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, eventsStream, "task.event.>"); err != nil {
		return err
	}
	return ensureStream(js, deadLetterStream, "task.dlq.>")
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := js.AddStream(&nats.StreamConfig{
				Name:      name,
				Subjects:  []string{subject},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			})
			return addErr
		}
		return err
	}
	return nil
}
