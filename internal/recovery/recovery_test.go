package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/dlq"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

type fakeScheduler struct {
	calls []string
}

func (f *fakeScheduler) Schedule(ctx context.Context, txn *domain.Transaction, cause error) error {
	f.calls = append(f.calls, txn.ID)
	return nil
}

func newTestTxn(id string, status domain.Status) *domain.Transaction {
	now := time.Now()
	return &domain.Transaction{
		ID:         id,
		Type:       domain.TypePayment,
		Status:     status,
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		CustomerID: "cust-1",
		Metadata:   domain.Metadata{ExternalRef: "ext-1"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newTestManager(t *testing.T, strategies []Strategy) (*Manager, store.Store, *fakeScheduler, *dlq.Queue) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewRealClock()
	l := lock.New(st, nil, clk)
	sched := &fakeScheduler{}
	dl := dlq.New(st, nil, clk)
	m := New(st, l, sched, dl, nil, clk, strategies)
	return m, st, sched, dl
}

func TestRunDelegatesRetryableErrorsToScheduler(t *testing.T) {
	m, st, sched, _ := newTestManager(t, nil)
	ctx := context.Background()

	txn := newTestTxn("t-1", domain.StatusProcessing)
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("save: %v", err)
	}

	cause := errs.New(errs.KindProviderCommunication, "network blip", nil)
	if err := m.Run(ctx, txn, cause); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sched.calls) != 1 || sched.calls[0] != "t-1" {
		t.Fatalf("expected scheduler delegated to, got %+v", sched.calls)
	}
}

func TestRunSendsNonRecoverableErrorsToDLQ(t *testing.T) {
	m, st, sched, dl := newTestManager(t, nil)
	ctx := context.Background()

	txn := newTestTxn("t-1", domain.StatusProcessing)
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("save: %v", err)
	}

	cause := errs.New(errs.KindProviderDecline, "card declined", nil)
	if err := m.Run(ctx, txn, cause); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("did not expect scheduler call, got %+v", sched.calls)
	}

	entry, err := dl.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get dlq entry: %v", err)
	}
	if entry.ErrorKind != string(errs.KindProviderDecline) {
		t.Fatalf("unexpected dlq entry kind: %s", entry.ErrorKind)
	}

	got, err := st.GetTransaction(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

func TestRunSendsToDLQWhenRecoveryAttemptsExhausted(t *testing.T) {
	m, st, _, dl := newTestManager(t, []Strategy{NewGeneralRecovery()})
	ctx := context.Background()

	txn := newTestTxn("t-1", domain.StatusProcessing)
	txn.Metadata.RecoveryAttempts = DefaultMaxAttempts
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("save: %v", err)
	}

	cause := errs.New(errs.KindTimeout, "slow provider", nil).WithRetryable(false)
	if err := m.Run(ctx, txn, cause); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry, err := dl.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get dlq entry: %v", err)
	}
	if entry.ErrorKind != string(errs.KindRecoveryLimitExceeded) {
		t.Fatalf("unexpected dlq entry kind: %s", entry.ErrorKind)
	}
}

func TestRunCompletesTransactionWhenStrategyRecovers(t *testing.T) {
	fake := provider.NewFake(clock.NewRealClock())
	created, err := fake.CreatePayment(context.Background(), provider.CreateInput{TransactionID: "t-1"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	fake.SetStatus(created.ExternalRef, "completed")

	m, st, _, _ := newTestManager(t, []Strategy{NewNetworkRecovery(fake)})
	ctx := context.Background()

	txn := newTestTxn("t-1", domain.StatusRecoveryPending)
	txn.Metadata.ExternalRef = created.ExternalRef
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("save: %v", err)
	}

	cause := errs.New(errs.KindProviderCommunication, "network blip", nil).WithRetryable(false).WithRecoverable(true)
	if err := m.Run(ctx, txn, cause); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetTransaction(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.Metadata.RecoveredAt == nil {
		t.Fatal("expected RecoveredAt to be set")
	}
}

func TestRunSendsToDLQWhenStrategyFailsToRecover(t *testing.T) {
	fake := provider.NewFake(clock.NewRealClock())
	m, st, _, dl := newTestManager(t, []Strategy{NewNetworkRecovery(fake)})
	ctx := context.Background()

	txn := newTestTxn("t-1", domain.StatusRecoveryPending)
	txn.Metadata.ExternalRef = "unknown-ref"
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("save: %v", err)
	}

	cause := errs.New(errs.KindProviderCommunication, "network blip", nil).WithRetryable(false).WithRecoverable(true)
	if err := m.Run(ctx, txn, cause); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry, err := dl.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get dlq entry: %v", err)
	}
	if entry.ErrorKind != string(errs.KindRecoveryExecutionError) {
		t.Fatalf("unexpected dlq entry kind: %s", entry.ErrorKind)
	}
}

func TestSelectStrategyPrefersSpecificOverGeneral(t *testing.T) {
	fake := provider.NewFake(clock.NewRealClock())
	net := NewNetworkRecovery(fake)
	general := NewGeneralRecovery()
	m, _, _, _ := newTestManager(t, []Strategy{general, net})

	ce := errs.New(errs.KindProviderCommunication, "x", nil)
	got := m.selectStrategy(ce)
	if got.Type() != "network" {
		t.Fatalf("expected network strategy selected first, got %s", got.Type())
	}

	ceOther := errs.New(errs.KindInternal, "x", nil)
	got = m.selectStrategy(ceOther)
	if got.Type() != "general" {
		t.Fatalf("expected general strategy fallback, got %s", got.Type())
	}
}

func TestSelectStrategyReturnsNilWhenNoneMatch(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)
	if got := m.selectStrategy(errs.New(errs.KindInternal, "x", nil)); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestRunWrapsPlainErrorsAsInternal(t *testing.T) {
	m, st, _, dl := newTestManager(t, nil)
	ctx := context.Background()

	txn := newTestTxn("t-1", domain.StatusProcessing)
	if err := st.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := m.Run(ctx, txn, errors.New("boom")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entry, err := dl.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get dlq entry: %v", err)
	}
	if entry.ErrorKind != string(errs.KindInternal) {
		t.Fatalf("unexpected dlq entry kind: %s", entry.ErrorKind)
	}
}
