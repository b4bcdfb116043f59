package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

func newTestQueue() *Queue {
	fx := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(store.NewMemory(), nil, fx)
}

func TestEnqueueThenGet(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, "txn-1", []byte(`{"status":"FAILED"}`), errs.KindRecoveryLimitExceeded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, err := q.Get(ctx, "txn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ErrorKind != string(errs.KindRecoveryLimitExceeded) {
		t.Fatalf("unexpected error kind: %s", entry.ErrorKind)
	}
}

func TestListReturnsAllEntries(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	_ = q.Enqueue(ctx, "txn-1", nil, errs.KindRecoveryLimitExceeded)
	_ = q.Enqueue(ctx, "txn-2", nil, errs.KindRetryLimitExceeded)

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestReprocessRemovesEntryAndReturnsIt(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	_ = q.Enqueue(ctx, "txn-1", []byte(`{"status":"FAILED"}`), errs.KindRecoveryLimitExceeded)

	entry, err := q.Reprocess(ctx, "txn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.TransactionID != "txn-1" {
		t.Fatalf("unexpected transaction id: %s", entry.TransactionID)
	}

	if _, err := q.Get(ctx, "txn-1"); err != store.ErrNotFound {
		t.Fatalf("expected entry removed from dlq, got err=%v", err)
	}
}

func TestReprocessUnknownEntryReturnsNotFound(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if _, err := q.Reprocess(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
