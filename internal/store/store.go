// Package store defines the persistence port: CRUD for Transaction,
// IdempotencyRecord, Lock, CompensatingOperation, DeadLetterEntry and
// RetryEntry. The core treats any Store implementation interchangeably.
package store

import (
	"context"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
)

// Filter narrows a Query/QueryAll scan. Zero-value fields are unfiltered.
type Filter struct {
	Status    []domain.Status
	Type      []domain.TransactionType
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit     int
	Offset    int
}

// Store is the single persistence port the core consumes. Production must
// use a durable backing (internal/storepg); the in-memory implementation
// in this package is for tests only.
type Store interface {
	// Transaction rows.
	SaveTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	QueryTransactions(ctx context.Context, customerID string, filter Filter) ([]*domain.Transaction, error)
	QueryAllTransactions(ctx context.Context, filter Filter) ([]*domain.Transaction, error)

	// CompareAndSwapStatus atomically transitions a Transaction's status,
	// rejecting the write (ok=false, err=nil) if the row's current status
	// no longer matches expected, so lost updates never land.
	// Implementations stamp UpdatedAt on every successful swap, after the
	// update callback runs.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.Status, update func(*domain.Transaction)) (ok bool, err error)

	// Idempotency records.
	SaveIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	DeleteIdempotencyRecord(ctx context.Context, key string) error
	QueryAllIdempotencyRecords(ctx context.Context) ([]*domain.IdempotencyRecord, error)

	// Lock rows (the durable cache RecordLocker mirrors its in-memory table to).
	SaveLock(ctx context.Context, l *domain.Lock) error
	GetLock(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error)
	DeleteLock(ctx context.Context, resourceType, resourceID string) error
	QueryLocksByTxn(ctx context.Context, txnID string) ([]*domain.Lock, error)

	// Compensating operations, owned per-txn.
	SaveCompensatingOperation(ctx context.Context, op *domain.CompensatingOperation) error
	QueryCompensatingOperations(ctx context.Context, txnID string) ([]*domain.CompensatingOperation, error)

	// Dead-letter entries.
	SaveDeadLetterEntry(ctx context.Context, e *domain.DeadLetterEntry) error
	GetDeadLetterEntry(ctx context.Context, txnID string) (*domain.DeadLetterEntry, error)
	DeleteDeadLetterEntry(ctx context.Context, txnID string) error
	QueryAllDeadLetterEntries(ctx context.Context) ([]*domain.DeadLetterEntry, error)

	// Retry entries.
	SaveRetryEntry(ctx context.Context, e *domain.RetryEntry) error
	DeleteRetryEntry(ctx context.Context, txnID string) error
	QueryAllRetryEntries(ctx context.Context) ([]*domain.RetryEntry, error)
}

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
