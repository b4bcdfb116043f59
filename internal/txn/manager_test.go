package txn

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/compensation"
	"github.com/crowka/paycomponent-module-sub000/internal/dlq"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/idempotency"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/recovery"
	"github.com/crowka/paycomponent-module-sub000/internal/retry"
	"github.com/crowka/paycomponent-module-sub000/internal/retryqueue"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// stack bundles a fully wired Manager plus the collaborators tests need
// to reach into (the store, the fake provider): cross-component behavior
// exercised against the real locking/idempotency/retry/recovery
// implementations, not mocks of them.
type stack struct {
	mgr   *Manager
	store store.Store
	fake  *provider.Fake
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewRealClock()
	l := lock.New(st, nil, clk)
	idem := idempotency.New(st, nil, clk)
	q := retryqueue.New(st, clk)
	retryMgr := retry.New(st, q, l, nil, clk, retry.DefaultPolicy())
	dl := dlq.New(st, nil, clk)
	recoveryMgr := recovery.New(st, l, retryMgr, dl, nil, clk, []recovery.Strategy{recovery.NewGeneralRecovery()})
	fake := provider.NewFake(clk)
	comp := compensation.New(st, l, nil, clk, compensation.DefaultHandlers(fake))

	mgr := New(st, l, idem, retryMgr, recoveryMgr, comp, fake, nil, clk)
	retryMgr.SetDispatcher(mgr)

	return &stack{mgr: mgr, store: st, fake: fake}
}

func beginInput(key string) BeginInput {
	return BeginInput{
		Type:             domain.TypePayment,
		Amount:           decimal.NewFromInt(500),
		Currency:         "USD",
		CustomerID:       "cust-1",
		PaymentMethodRef: "pm-1",
		IdempotencyKey:   key,
	}
}

func TestBeginCreatesAndCompletesTransaction(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	txn, err := s.mgr.Begin(ctx, beginInput("idem-key-001"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", txn.Status)
	}
	if txn.Metadata.ExternalRef == "" {
		t.Fatalf("expected externalRef to be recorded")
	}
}

func TestBeginRejectsMalformedIdempotencyKey(t *testing.T) {
	s := newStack(t)
	_, err := s.mgr.Begin(context.Background(), beginInput("short"))
	if err == nil {
		t.Fatalf("expected error for a too-short idempotency key")
	}
}

func TestBeginReplaysOnSameKey(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	in := beginInput("idem-key-002")

	first, err := s.mgr.Begin(ctx, in)
	if err != nil {
		t.Fatalf("first Begin: %v", err)
	}

	second, err := s.mgr.Begin(ctx, in)
	if err != nil {
		t.Fatalf("replayed Begin: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected replay to return the same transaction, got %s vs %s", second.ID, first.ID)
	}
}

func TestBeginRejectsMismatchedReplay(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	in := beginInput("idem-key-003")

	if _, err := s.mgr.Begin(ctx, in); err != nil {
		t.Fatalf("first Begin: %v", err)
	}

	mutated := in
	mutated.Amount = decimal.NewFromInt(999)
	if _, err := s.mgr.Begin(ctx, mutated); err == nil {
		t.Fatalf("expected mismatch error for a reused key with a different payload")
	}
}

func TestBeginSchedulesRetryOnRetryableProviderError(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.fake.FailNextCreate = errs.New(errs.KindProviderCommunication, "connection reset", nil)

	txn, err := s.mgr.Begin(ctx, beginInput("idem-key-004"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Status != domain.StatusRecoveryPending {
		t.Fatalf("expected RECOVERY_PENDING after a retryable failure, got %s", txn.Status)
	}
	if txn.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", txn.RetryCount)
	}
}

func TestBeginRunsRecoveryOnRecoverableNonRetryableError(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.fake.FailNextCreate = errs.New(errs.KindProviderCommunication, "ambiguous failure", nil).WithRetryable(false)

	txn, err := s.mgr.Begin(ctx, beginInput("idem-key-005"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED once the general recovery strategy exhausts its checks, got %s", txn.Status)
	}
}

func TestBeginFailsOutrightOnNonRetryableNonRecoverableError(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.fake.FailNextCreate = errs.New(errs.KindProviderDecline, "card declined", nil)

	txn, err := s.mgr.Begin(ctx, beginInput("idem-key-006"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", txn.Status)
	}
	if txn.Error == nil || txn.Error.Kind != errs.KindProviderDecline {
		t.Fatalf("expected recorded PROVIDER_DECLINE error, got %+v", txn.Error)
	}
}

func TestRollbackRejectsTerminalTransaction(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	txn, err := s.mgr.Begin(ctx, beginInput("idem-key-007"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.mgr.Rollback(ctx, txn.ID); err == nil {
		t.Fatalf("expected rollback of a COMPLETED transaction to be rejected")
	}
}

func TestReattemptRoutesThroughTheSameOutcomeHandling(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	txn, err := s.mgr.Begin(ctx, beginInput("idem-key-008"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Force the row back into PROCESSING so Reattempt has something legal
	// to re-drive, the state RetryManager.dispatchOne leaves a row in
	// before calling Reattempt.
	if _, err := s.store.CompareAndSwapStatus(ctx, txn.ID, domain.StatusCompleted, domain.StatusProcessing, func(*domain.Transaction) {}); err != nil {
		t.Fatalf("force back to PROCESSING: %v", err)
	}

	if err := s.mgr.Reattempt(ctx, txn.ID); err != nil {
		t.Fatalf("Reattempt: %v", err)
	}
}

func TestDuplicateWhileInFlightReportsInProgress(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	in := beginInput("idem-key-010")

	// Fail the provider call so the first submission parks in
	// RECOVERY_PENDING with its idempotency record still locked.
	s.fake.FailNextCreate = errs.New(errs.KindProviderCommunication, "connection reset", nil)
	if _, err := s.mgr.Begin(ctx, in); err != nil {
		t.Fatalf("first Begin: %v", err)
	}

	_, err := s.mgr.Begin(ctx, in)
	if !errs.IsKind(err, errs.KindDuplicateRequest) {
		t.Fatalf("expected DUPLICATE_REQUEST for an in-flight duplicate, got %v", err)
	}
}

func TestCompletedAfterRetryEventEmittedOnReattempt(t *testing.T) {
	st := store.NewMemory()
	clk := clock.NewRealClock()
	bus := eventbus.New(eventbus.NewMemorySink())
	l := lock.New(st, nil, clk)
	idem := idempotency.New(st, nil, clk)
	q := retryqueue.New(st, clk)
	retryMgr := retry.New(st, q, l, nil, clk, retry.DefaultPolicy())
	dl := dlq.New(st, nil, clk)
	recoveryMgr := recovery.New(st, l, retryMgr, dl, nil, clk, []recovery.Strategy{recovery.NewGeneralRecovery()})
	fake := provider.NewFake(clk)
	comp := compensation.New(st, l, nil, clk, compensation.DefaultHandlers(fake))
	mgr := New(st, l, idem, retryMgr, recoveryMgr, comp, fake, bus, clk)
	retryMgr.SetDispatcher(mgr)

	var afterRetry int
	bus.Subscribe(eventbus.TransactionCompletedAfterRetry, func(ctx context.Context, evt eventbus.Event) {
		afterRetry++
	})

	ctx := context.Background()
	fake.FailNextCreate = errs.New(errs.KindProviderCommunication, "connection reset", nil)
	txn, err := mgr.Begin(ctx, beginInput("idem-key-011"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Status != domain.StatusRecoveryPending {
		t.Fatalf("expected RECOVERY_PENDING, got %s", txn.Status)
	}

	// Drive the due retry the way the dispatch loop would: back to
	// PROCESSING, then re-attempt against a now-healthy provider.
	if _, err := st.CompareAndSwapStatus(ctx, txn.ID, domain.StatusRecoveryPending, domain.StatusProcessing, nil); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := mgr.Reattempt(ctx, txn.ID); err != nil {
		t.Fatalf("Reattempt: %v", err)
	}

	got, err := st.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED after reattempt, got %s", got.Status)
	}
	if afterRetry != 1 {
		t.Fatalf("expected one completed_after_retry event, got %d", afterRetry)
	}
}

func TestScanStalePendingFlagsOldPendingTransactions(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	fixed := clock.NewFixed(time.Now())
	s.mgr.clk = fixed

	stuck := &domain.Transaction{
		ID:         "stuck-1",
		Type:       domain.TypePayment,
		Status:     domain.StatusPending,
		Amount:     decimal.NewFromInt(10),
		Currency:   "USD",
		CustomerID: "cust-2",
		CreatedAt:  fixed.Now(),
		UpdatedAt:  fixed.Now(),
	}
	if err := s.store.SaveTransaction(ctx, stuck); err != nil {
		t.Fatalf("save stuck transaction: %v", err)
	}

	fixed.Advance(DefaultStaleThreshold + time.Minute)
	stale, err := s.mgr.ScanStalePending(ctx)
	if err != nil {
		t.Fatalf("ScanStalePending: %v", err)
	}
	if len(stale) != 1 || stale[0] != "stuck-1" {
		t.Fatalf("expected [stuck-1], got %v", stale)
	}
}

func TestGetReturnsNotFoundForUnknownID(t *testing.T) {
	s := newStack(t)
	if _, err := s.mgr.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("expected a not-found error")
	}
}
