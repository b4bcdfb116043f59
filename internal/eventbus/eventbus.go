// Package eventbus is the in-process pub/sub hub, with a durable log sink
// so every published event is also recorded for observability.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Topic names are part of the external contract; downstream consumers
// match on them verbatim.
type Topic string

const (
	TransactionCreated             Topic = "transaction.created"
	TransactionStatusChanged       Topic = "transaction.status_changed"
	TransactionRetryScheduled      Topic = "transaction.retry_scheduled"
	TransactionRetryStarted        Topic = "transaction.retry_started"
	TransactionCompletedAfterRetry Topic = "transaction.completed_after_retry"
	TransactionFailedAfterRetry    Topic = "transaction.failed_after_retry"
	TransactionRecoveryStarted     Topic = "transaction.recovery_started"
	TransactionRecoveryCompleted   Topic = "transaction.recovery_completed"
	TransactionMovedToDLQ          Topic = "transaction.moved_to_dlq"
	TransactionReprocessing        Topic = "transaction.reprocessing"
	TransactionCompensated         Topic = "transaction.compensated"
	TransactionCompensationPartial Topic = "transaction.compensation_partial"
	TransactionCompensationFailed  Topic = "transaction.compensation_failed"
	TransactionStalePending        Topic = "transaction.stale_pending"
	IdempotencyDuplicateRequest    Topic = "idempotency.duplicate_request"
	IdempotencyReplayDetected      Topic = "idempotency.replay_detected"
	IdempotencyKeyCreated          Topic = "idempotency.key_created"
	IdempotencyLockReleased        Topic = "idempotency.lock_released"
	LockAcquired                   Topic = "lock.acquired"
	LockReleased                   Topic = "lock.released"
	LockExpired                    Topic = "lock.expired"
	LockUpgraded                   Topic = "lock.upgraded"
	ReconciliationMismatchFound    Topic = "reconciliation.mismatch_found"
)

// Event is the payload every publish carries. TransactionID is set where
// applicable; Timestamp is always ISO-8601 (RFC3339).
type Event struct {
	Topic         Topic
	TransactionID string
	Timestamp     time.Time
	Payload       map[string]any
}

// Sink durably records every published event, independent of whether any
// subscriber is listening. A Postgres-backed Sink lives in internal/storepg;
// tests use an in-memory one.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine's call to Publish by default via Bus.Subscribe;
// long-running handlers should hand off to their own goroutine.
type Handler func(ctx context.Context, evt Event)

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]Handler
	sink        Sink
}

// New constructs a Bus. sink may be nil, in which case events are not
// durably recorded (acceptable only in tests).
func New(sink Sink) *Bus {
	return &Bus{
		subscribers: make(map[Topic][]Handler),
		sink:        sink,
	}
}

// Subscribe registers h to be invoked for every event published to topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// Publish records evt in the durable sink, then fans it out to
// subscribers. Callers must only invoke Publish after their own Store
// mutation has committed, so observers never see an event ahead of the
// state it reports; Publish itself does not defer.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if b.sink != nil {
		if err := b.sink.Append(ctx, evt); err != nil {
			return err
		}
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[evt.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
	return nil
}

// MemorySink is an in-process Sink for tests, recording events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

// Events returns a copy of everything appended so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
