package retry

import (
	"context"
	"testing"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/retryqueue"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
	"github.com/shopspring/decimal"
)

type fakeDispatcher struct {
	calls []string
}

func (f *fakeDispatcher) Reattempt(ctx context.Context, txnID string) error {
	f.calls = append(f.calls, txnID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, store.Store, clock.Clock) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewRealClock()
	q := retryqueue.New(st, clk)
	l := lock.New(st, nil, clk)
	m := New(st, q, l, nil, clk, DefaultPolicy())
	return m, st, clk
}

func newTestTxn(id string, status domain.Status, retryCount int) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		Type:       domain.TypePayment,
		Status:     status,
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		CustomerID: "cust-1",
		RetryCount: retryCount,
	}
}

func TestScheduleEnqueuesAndMarksRecoveryPending(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	txn := newTestTxn("txn-1", domain.StatusProcessing, 0)
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cause := errs.New(errs.KindProviderCommunication, "connection reset", nil)
	if err := m.Schedule(ctx, txn, cause); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := st.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Status != domain.StatusRecoveryPending {
		t.Fatalf("expected RECOVERY_PENDING, got %s", saved.Status)
	}
	if saved.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", saved.RetryCount)
	}
	if saved.NextRetryAt == nil {
		t.Fatal("expected nextRetryAt to be set")
	}
}

func TestScheduleFailsTransactionWhenAttemptsExhausted(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	txn := newTestTxn("txn-1", domain.StatusProcessing, 3)
	_ = st.SaveTransaction(ctx, txn)

	if err := m.Schedule(ctx, txn, errs.New(errs.KindProviderCommunication, "down", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := st.GetTransaction(ctx, "txn-1")
	if saved.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", saved.Status)
	}
	if saved.Error == nil || saved.Error.Kind != errs.KindRetryLimitExceeded {
		t.Fatalf("expected RETRY_LIMIT_EXCEEDED error, got %+v", saved.Error)
	}
}

func TestCancelRetryRemovesEntryAndFailsTransaction(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	txn := newTestTxn("txn-1", domain.StatusProcessing, 0)
	_ = st.SaveTransaction(ctx, txn)
	if err := m.Schedule(ctx, txn, errs.New(errs.KindTimeout, "slow", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.CancelRetry(ctx, "txn-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := st.GetTransaction(ctx, "txn-1")
	if saved.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", saved.Status)
	}
	if !saved.Metadata.RetryCancelled {
		t.Fatal("expected retryCancelled marker")
	}
}

func TestIsRetryableUsesErrorTaxonomy(t *testing.T) {
	if !IsRetryable(errs.New(errs.KindProviderCommunication, "x", nil)) {
		t.Fatal("expected provider communication error to be retryable")
	}
	if IsRetryable(errs.New(errs.KindValidation, "x", nil)) {
		t.Fatal("expected validation error to not be retryable")
	}
}

func TestRunDispatchInvokesDispatcherWhenDue(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	txn := newTestTxn("txn-1", domain.StatusProcessing, 0)
	_ = st.SaveTransaction(ctx, txn)

	policy := Policy{MaxAttempts: 3, Backoff: BackoffFixed, InitialDelay: 5 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0}
	m.policy = policy
	disp := &fakeDispatcher{}
	m.SetDispatcher(disp)

	if err := m.Schedule(ctx, txn, errs.New(errs.KindTimeout, "slow", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.RunDispatch(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if len(disp.calls) != 1 || disp.calls[0] != "txn-1" {
		t.Fatalf("expected dispatcher called once with txn-1, got %v", disp.calls)
	}

	saved, _ := st.GetTransaction(ctx, "txn-1")
	if saved.Status != domain.StatusProcessing {
		t.Fatalf("expected PROCESSING after dispatch, got %s", saved.Status)
	}
}
