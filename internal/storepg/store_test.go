package storepg_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
	"github.com/crowka/paycomponent-module-sub000/internal/storepg"
	"github.com/crowka/paycomponent-module-sub000/internal/storepg/testhelpers"
)

func newTestTxn(id string) *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:             id,
		Type:           domain.TypePayment,
		Status:         domain.StatusPending,
		Amount:         decimal.NewFromFloat(42.50),
		Currency:       "USD",
		CustomerID:     "cust-1",
		IdempotencyKey: "idem-" + id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestStoreSaveAndGetTransaction(t *testing.T) {
	td := testhelpers.SetupTestDatabase(t)
	defer td.Cleanup(t)
	s := storepg.New(td.DB)
	ctx := context.Background()

	txn := newTestTxn("pg-t-1")
	require.NoError(t, s.SaveTransaction(ctx, txn))

	got, err := s.GetTransaction(ctx, "pg-t-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.True(t, got.Amount.Equal(decimal.NewFromFloat(42.50)))
}

func TestStoreGetTransactionNotFound(t *testing.T) {
	td := testhelpers.SetupTestDatabase(t)
	defer td.Cleanup(t)
	s := storepg.New(td.DB)

	_, err := s.GetTransaction(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreCompareAndSwapStatus(t *testing.T) {
	td := testhelpers.SetupTestDatabase(t)
	defer td.Cleanup(t)
	s := storepg.New(td.DB)
	ctx := context.Background()

	txn := newTestTxn("pg-t-2")
	require.NoError(t, s.SaveTransaction(ctx, txn))

	ok, err := s.CompareAndSwapStatus(ctx, "pg-t-2", domain.StatusPending, domain.StatusProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetTransaction(ctx, "pg-t-2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, got.Status)

	ok, err = s.CompareAndSwapStatus(ctx, "pg-t-2", domain.StatusPending, domain.StatusCompleted, nil)
	require.NoError(t, err)
	require.False(t, ok, "swap against stale expected status must be rejected")
}

func TestStoreFindByIdempotencyKey(t *testing.T) {
	td := testhelpers.SetupTestDatabase(t)
	defer td.Cleanup(t)
	s := storepg.New(td.DB)
	ctx := context.Background()

	txn := newTestTxn("pg-t-3")
	require.NoError(t, s.SaveTransaction(ctx, txn))

	got, err := s.FindTransactionByIdempotencyKey(ctx, "idem-pg-t-3")
	require.NoError(t, err)
	require.Equal(t, "pg-t-3", got.ID)
}

func TestStoreIdempotencyRecordRoundTrip(t *testing.T) {
	td := testhelpers.SetupTestDatabase(t)
	defer td.Cleanup(t)
	s := storepg.New(td.DB)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &domain.IdempotencyRecord{
		Key:                "k-1",
		Locked:             true,
		RequestFingerprint: "fp-1",
		AcquiredAt:         now,
		ExpiresAt:          now.Add(time.Minute),
		LastAttemptAt:      now,
	}
	require.NoError(t, s.SaveIdempotencyRecord(ctx, rec))

	got, err := s.GetIdempotencyRecord(ctx, "k-1")
	require.NoError(t, err)
	require.True(t, got.Locked)
	require.Equal(t, "fp-1", got.RequestFingerprint)
}

func TestStoreLockRoundTrip(t *testing.T) {
	td := testhelpers.SetupTestDatabase(t)
	defer td.Cleanup(t)
	s := storepg.New(td.DB)
	ctx := context.Background()
	now := time.Now().UTC()

	l := &domain.Lock{
		ResourceType: "transaction",
		ResourceID:   "pg-t-1",
		Level:        domain.LockExclusive,
		OwnerTxn:     "pg-t-1",
		AcquiredAt:   now,
		ExpiresAt:    now.Add(time.Minute),
		LastRenewed:  now,
	}
	require.NoError(t, s.SaveLock(ctx, l))

	got, err := s.GetLock(ctx, "transaction", "pg-t-1")
	require.NoError(t, err)
	require.Equal(t, domain.LockExclusive, got.Level)

	require.NoError(t, s.DeleteLock(ctx, "transaction", "pg-t-1"))
	_, err = s.GetLock(ctx, "transaction", "pg-t-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
