package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestTxn(id string, status domain.Status) *domain.Transaction {
	return &domain.Transaction{
		ID:             id,
		Type:           domain.TypePayment,
		Status:         status,
		Amount:         decimal.NewFromFloat(5.00),
		Currency:       "USD",
		CustomerID:     "cust-1",
		IdempotencyKey: "idem-" + id,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSaveAndGetTransaction(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txn := newTestTxn("t-1", domain.StatusPending)

	if err := m.SaveTransaction(ctx, txn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := m.GetTransaction(ctx, "t-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "t-1" || got.Status != domain.StatusPending {
		t.Fatalf("unexpected txn: %+v", got)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindTransactionByIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txn := newTestTxn("t-2", domain.StatusPending)
	_ = m.SaveTransaction(ctx, txn)

	got, err := m.FindTransactionByIdempotencyKey(ctx, "idem-t-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "t-2" {
		t.Fatalf("expected t-2, got %s", got.ID)
	}
}

func TestCompareAndSwapStatusSucceedsOnMatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txn := newTestTxn("t-3", domain.StatusPending)
	_ = m.SaveTransaction(ctx, txn)

	ok, err := m.CompareAndSwapStatus(ctx, "t-3", domain.StatusPending, domain.StatusProcessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected swap to succeed")
	}
	got, _ := m.GetTransaction(ctx, "t-3")
	if got.Status != domain.StatusProcessing {
		t.Fatalf("expected status Processing, got %s", got.Status)
	}
}

func TestCompareAndSwapStatusFailsOnMismatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txn := newTestTxn("t-4", domain.StatusProcessing)
	_ = m.SaveTransaction(ctx, txn)

	ok, err := m.CompareAndSwapStatus(ctx, "t-4", domain.StatusPending, domain.StatusCompleted, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected swap to be rejected on status mismatch")
	}
}

func TestQueryTransactionsFiltersByStatusAndCustomer(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := newTestTxn("t-5", domain.StatusPending)
	a.CustomerID = "cust-a"
	b := newTestTxn("t-6", domain.StatusCompleted)
	b.CustomerID = "cust-a"
	c := newTestTxn("t-7", domain.StatusPending)
	c.CustomerID = "cust-b"
	_ = m.SaveTransaction(ctx, a)
	_ = m.SaveTransaction(ctx, b)
	_ = m.SaveTransaction(ctx, c)

	got, err := m.QueryTransactions(ctx, "cust-a", Filter{Status: []domain.Status{domain.StatusPending}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t-5" {
		t.Fatalf("expected only t-5, got %+v", got)
	}
}

func TestIdempotencyRecordRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := &domain.IdempotencyRecord{Key: "k-1", Locked: true}
	if err := m.SaveIdempotencyRecord(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := m.GetIdempotencyRecord(ctx, "k-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Locked {
		t.Fatal("expected record to be locked")
	}
	if err := m.DeleteIdempotencyRecord(ctx, "k-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.GetIdempotencyRecord(ctx, "k-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLockRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	l := &domain.Lock{ResourceType: "transaction", ResourceID: "t-1", Level: domain.LockExclusive, OwnerTxn: "t-1"}
	if err := m.SaveLock(ctx, l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := m.GetLock(ctx, "transaction", "t-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OwnerTxn != "t-1" {
		t.Fatalf("unexpected lock: %+v", got)
	}
	byTxn, err := m.QueryLocksByTxn(ctx, "t-1")
	if err != nil || len(byTxn) != 1 {
		t.Fatalf("expected one lock for t-1, got %+v err=%v", byTxn, err)
	}
}

func TestCompensatingOperationUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	op := &domain.CompensatingOperation{ID: "op-1", TransactionID: "t-1", Kind: domain.CompPaymentAuthorize}
	_ = m.SaveCompensatingOperation(ctx, op)
	op.Status = domain.CompCompleted
	_ = m.SaveCompensatingOperation(ctx, op)

	ops, err := m.QueryCompensatingOperations(ctx, "t-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != domain.CompCompleted {
		t.Fatalf("expected upsert not append, got %+v", ops)
	}
}
