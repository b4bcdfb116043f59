package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

func newTestManager() (*Manager, *clock.Fixed) {
	fx := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(store.NewMemory(), nil, fx), fx
}

func TestCheckAndLockFreshKey(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	d, err := m.CheckAndLock(ctx, "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != Fresh {
		t.Fatalf("expected Fresh, got %v", d.Outcome)
	}
}

func TestCheckAndLockInProgressDuplicate(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.CheckAndLock(ctx, "key-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := m.CheckAndLock(ctx, "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != InProgress {
		t.Fatalf("expected InProgress, got %v", d.Outcome)
	}
}

func TestCheckAndLockMismatch(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.CheckAndLock(ctx, "key-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := m.CheckAndLock(ctx, "key-1", "fp-2")
	if err == nil {
		t.Fatal("expected error for fingerprint mismatch")
	}
	if d.Outcome != Mismatch {
		t.Fatalf("expected Mismatch, got %v", d.Outcome)
	}
}

func TestCheckAndLockReplayAfterComplete(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.CheckAndLock(ctx, "key-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Complete(ctx, "key-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := m.CheckAndLock(ctx, "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != Replay {
		t.Fatalf("expected Replay, got %v", d.Outcome)
	}
	if string(d.CachedResponse) != `{"ok":true}` {
		t.Fatalf("unexpected cached response: %s", d.CachedResponse)
	}
}

func TestCheckAndLockReclaimsExpiredLock(t *testing.T) {
	m, fx := newTestManager()
	ctx := context.Background()

	if _, err := m.CheckAndLock(ctx, "key-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fx.Advance(DefaultTTL + time.Second)

	d, err := m.CheckAndLock(ctx, "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != Reclaimed {
		t.Fatalf("expected Reclaimed, got %v", d.Outcome)
	}
}

func TestReleaseLockAllowsFreshRetry(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.CheckAndLock(ctx, "key-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.ReleaseLock(ctx, "key-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := m.CheckAndLock(ctx, "key-1", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != Reclaimed {
		t.Fatalf("expected Reclaimed after released lock, got %v", d.Outcome)
	}
}

func TestSweepUnlocksExpiredRecords(t *testing.T) {
	m, fx := newTestManager()
	ctx := context.Background()

	if _, err := m.CheckAndLock(ctx, "key-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fx.Advance(DefaultTTL + time.Second)

	swept, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept record, got %d", swept)
	}
}

func TestStatsCountsRecords(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, _ = m.CheckAndLock(ctx, "key-1", "fp-1")
	_, _ = m.CheckAndLock(ctx, "key-2", "fp-2")
	_ = m.Complete(ctx, "key-2", []byte("{}"))

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 || stats.Locked != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
