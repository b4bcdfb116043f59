package eventbus

import (
	"context"
	"testing"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := New(NewMemorySink())
	var received []Event
	bus.Subscribe(TransactionCreated, func(ctx context.Context, evt Event) {
		received = append(received, evt)
	})

	err := bus.Publish(context.Background(), Event{Topic: TransactionCreated, TransactionID: "t-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 1 || received[0].TransactionID != "t-1" {
		t.Fatalf("expected one event for t-1, got %+v", received)
	}
}

func TestPublishRecordsToSink(t *testing.T) {
	sink := NewMemorySink()
	bus := New(sink)

	_ = bus.Publish(context.Background(), Event{Topic: LockAcquired, TransactionID: "t-2"})

	events := sink.Events()
	if len(events) != 1 || events[0].Topic != LockAcquired {
		t.Fatalf("expected sink to record event, got %+v", events)
	}
}

func TestPublishStampsTimestampWhenZero(t *testing.T) {
	bus := New(nil)
	var got Event
	bus.Subscribe(IdempotencyKeyCreated, func(ctx context.Context, evt Event) {
		got = evt
	})
	_ = bus.Publish(context.Background(), Event{Topic: IdempotencyKeyCreated})
	if got.Timestamp.IsZero() {
		t.Fatal("expected Publish to stamp a timestamp")
	}
}

func TestSubscribersIsolatedByTopic(t *testing.T) {
	bus := New(nil)
	var calls int
	bus.Subscribe(LockReleased, func(ctx context.Context, evt Event) { calls++ })

	_ = bus.Publish(context.Background(), Event{Topic: LockAcquired})
	if calls != 0 {
		t.Fatalf("expected LockReleased subscriber not to fire for LockAcquired, got %d calls", calls)
	}
}
