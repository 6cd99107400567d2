package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/runtime"
)

// HandleEvent is the consumer side of the gateway: one consumed event
// becomes one frame for the subject user's subscribed connections. It
// runs under the runtime's ledger claim, so a redelivered event is
// never fanned out twice by the same instance.
func (g *Gateway) HandleEvent(ctx context.Context, _ pgx.Tx, event contracts.DomainEvent) error {
	switch {
	case event.IsTaskEvent():
		return g.fanOutTaskEvent(event)
	case event.Type == contracts.EventReminderDue:
		return g.fanOutReminder(event)
	default:
		return nil
	}
}

func (g *Gateway) fanOutTaskEvent(event contracts.DomainEvent) error {
	var payload contracts.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", runtime.ErrDiscard, err)
	}

	update := contracts.TaskUpdatePayload{
		Action:        fanoutAction(event.Type),
		TaskID:        payload.Task.TaskID,
		ChangedFields: payload.ChangedFields,
		EventID:       event.EventID,
		Timestamp:     event.OccurredAt,
	}
	if update.Action != contracts.ActionDeleted {
		snapshot := payload.Task
		update.Task = &snapshot
	}

	sent := g.Broadcast(event.SubjectUserID, MsgTaskUpdate, update)
	log.Printf("fanout %s event=%s user=%s sent=%d", event.Type, event.EventID, event.SubjectUserID, sent)
	return nil
}

func (g *Gateway) fanOutReminder(event contracts.DomainEvent) error {
	var payload contracts.ReminderDuePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", runtime.ErrDiscard, err)
	}
	sent := g.Broadcast(event.SubjectUserID, MsgReminderDue, payload)
	log.Printf("fanout %s event=%s user=%s sent=%d", event.Type, event.EventID, event.SubjectUserID, sent)
	return nil
}

// Completion is a kind of update on the wire; the snapshot carries the
// completed flag.
func fanoutAction(eventType string) string {
	switch eventType {
	case contracts.EventTaskCreated:
		return contracts.ActionCreated
	case contracts.EventTaskDeleted:
		return contracts.ActionDeleted
	default:
		return contracts.ActionUpdated
	}
}
