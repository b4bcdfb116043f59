// Package dlq implements a durable bin for transactions that exhausted
// automated recovery, plus a reprocess API for operator-driven re-runs.
// Entries are uniquely keyed by transaction id.
package dlq

import (
	"context"
	"fmt"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// Queue is the dead-letter bin.
type Queue struct {
	store store.Store
	clk   clock.Clock
	bus   *eventbus.Bus
}

func New(st store.Store, bus *eventbus.Bus, clk clock.Clock) *Queue {
	return &Queue{store: st, clk: clk, bus: bus}
}

// Enqueue records snapshot as the dead-lettered state of txnID, overwriting
// any prior entry for the same transaction (a transaction can only be
// dead-lettered once at a time; reprocess removes the entry before any
// subsequent failure re-enqueues it).
func (q *Queue) Enqueue(ctx context.Context, txnID string, snapshot []byte, kind errs.Kind) error {
	entry := &domain.DeadLetterEntry{
		TransactionID: txnID,
		Snapshot:      snapshot,
		ErrorKind:     string(kind),
		EnqueuedAt:    q.clk.Now(),
	}
	if err := q.store.SaveDeadLetterEntry(ctx, entry); err != nil {
		return fmt.Errorf("save dead letter entry: %w", err)
	}
	q.publish(ctx, eventbus.TransactionMovedToDLQ, txnID)
	return nil
}

// Get returns the dead-letter entry for txnID, or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, txnID string) (*domain.DeadLetterEntry, error) {
	return q.store.GetDeadLetterEntry(ctx, txnID)
}

// List returns every entry currently dead-lettered, for operator review.
func (q *Queue) List(ctx context.Context) ([]*domain.DeadLetterEntry, error) {
	return q.store.QueryAllDeadLetterEntries(ctx)
}

// Reprocess removes txnID's entry from the dead-letter bin and returns it
// so the caller (TransactionManager) can re-drive the transaction from its
// snapshot. The entry is removed before the caller acts on it: a
// reprocess attempt that fails again re-enqueues through Enqueue, it does
// not find a stale entry still sitting in the bin.
func (q *Queue) Reprocess(ctx context.Context, txnID string) (*domain.DeadLetterEntry, error) {
	entry, err := q.store.GetDeadLetterEntry(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if err := q.store.DeleteDeadLetterEntry(ctx, txnID); err != nil {
		return nil, fmt.Errorf("delete dead letter entry: %w", err)
	}
	q.publish(ctx, eventbus.TransactionReprocessing, txnID)
	return entry, nil
}

func (q *Queue) publish(ctx context.Context, topic eventbus.Topic, txnID string) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish(ctx, eventbus.Event{Topic: topic, TransactionID: txnID})
}
