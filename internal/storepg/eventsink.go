package storepg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
)

// EventSink persists every published event to an append-only event_log
// table, the durable side of the event bus.
type EventSink struct {
	q Executor
}

func NewEventSink(db *DB) *EventSink {
	return &EventSink{q: db.Pool}
}

var _ eventbus.Sink = (*EventSink)(nil)

func (s *EventSink) Append(ctx context.Context, evt eventbus.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	sql, args, err := builder().
		Insert("event_log").
		Columns("topic", "transaction_id", "occurred_at", "payload").
		Values(string(evt.Topic), evt.TransactionID, evt.Timestamp, payload).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert event: %w", err)
	}

	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
