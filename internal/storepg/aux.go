package storepg

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

type idempotencyRow struct {
	Key                string     `db:"key"`
	Locked             bool       `db:"locked"`
	RequestFingerprint string     `db:"request_fingerprint"`
	ResourceRef        string     `db:"resource_ref"`
	CachedResponse     []byte     `db:"cached_response"`
	Attempts           int        `db:"attempts"`
	AcquiredAt         time.Time  `db:"acquired_at"`
	ExpiresAt          time.Time  `db:"expires_at"`
	LastAttemptAt      time.Time  `db:"last_attempt_at"`
}

var idempotencyColumns = []string{
	"key", "locked", "request_fingerprint", "resource_ref", "cached_response",
	"attempts", "acquired_at", "expires_at", "last_attempt_at",
}

func (r *idempotencyRow) toDomain() *domain.IdempotencyRecord {
	return &domain.IdempotencyRecord{
		Key:                r.Key,
		Locked:             r.Locked,
		RequestFingerprint: r.RequestFingerprint,
		ResourceRef:        r.ResourceRef,
		CachedResponse:     r.CachedResponse,
		Attempts:           r.Attempts,
		AcquiredAt:         r.AcquiredAt,
		ExpiresAt:          r.ExpiresAt,
		LastAttemptAt:      r.LastAttemptAt,
	}
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	sql, args, err := builder().
		Insert("idempotency_records").
		Columns(idempotencyColumns...).
		Values(rec.Key, rec.Locked, rec.RequestFingerprint, rec.ResourceRef, rec.CachedResponse,
			rec.Attempts, rec.AcquiredAt, rec.ExpiresAt, rec.LastAttemptAt).
		Suffix(`ON CONFLICT (key) DO UPDATE SET
			locked = EXCLUDED.locked, resource_ref = EXCLUDED.resource_ref,
			cached_response = EXCLUDED.cached_response, attempts = EXCLUDED.attempts,
			expires_at = EXCLUDED.expires_at, last_attempt_at = EXCLUDED.last_attempt_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert idempotency record: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	sql, args, err := builder().Select(idempotencyColumns...).From("idempotency_records").Where(squirrel.Eq{"key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select idempotency record: %w", err)
	}
	var row idempotencyRow
	if err := pgxscan.Get(ctx, s.q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	sql, args, err := builder().Delete("idempotency_records").Where(squirrel.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete idempotency record: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) QueryAllIdempotencyRecords(ctx context.Context) ([]*domain.IdempotencyRecord, error) {
	sql, args, err := builder().Select(idempotencyColumns...).From("idempotency_records").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select all idempotency records: %w", err)
	}
	var rows []idempotencyRow
	if err := pgxscan.Select(ctx, s.q, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query all idempotency records: %w", err)
	}
	out := make([]*domain.IdempotencyRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

type lockRow struct {
	ResourceType  string    `db:"resource_type"`
	ResourceID    string    `db:"resource_id"`
	Level         string    `db:"level"`
	OwnerInstance string    `db:"owner_instance"`
	OwnerTxn      string    `db:"owner_txn"`
	LockID        string    `db:"lock_id"`
	AcquiredAt    time.Time `db:"acquired_at"`
	ExpiresAt     time.Time `db:"expires_at"`
	LastRenewed   time.Time `db:"last_renewed"`
}

var lockColumns = []string{
	"resource_type", "resource_id", "level", "owner_instance", "owner_txn",
	"lock_id", "acquired_at", "expires_at", "last_renewed",
}

func (r *lockRow) toDomain() *domain.Lock {
	return &domain.Lock{
		ResourceType:  r.ResourceType,
		ResourceID:    r.ResourceID,
		Level:         domain.LockLevel(r.Level),
		OwnerInstance: r.OwnerInstance,
		OwnerTxn:      r.OwnerTxn,
		LockID:        r.LockID,
		AcquiredAt:    r.AcquiredAt,
		ExpiresAt:     r.ExpiresAt,
		LastRenewed:   r.LastRenewed,
	}
}

func (s *Store) SaveLock(ctx context.Context, l *domain.Lock) error {
	sql, args, err := builder().
		Insert("locks").
		Columns(lockColumns...).
		Values(l.ResourceType, l.ResourceID, string(l.Level), l.OwnerInstance, l.OwnerTxn,
			l.LockID, l.AcquiredAt, l.ExpiresAt, l.LastRenewed).
		Suffix(`ON CONFLICT (resource_type, resource_id) DO UPDATE SET
			level = EXCLUDED.level, owner_instance = EXCLUDED.owner_instance,
			owner_txn = EXCLUDED.owner_txn, lock_id = EXCLUDED.lock_id,
			expires_at = EXCLUDED.expires_at, last_renewed = EXCLUDED.last_renewed`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert lock: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) GetLock(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error) {
	sql, args, err := builder().Select(lockColumns...).From("locks").
		Where(squirrel.Eq{"resource_type": resourceType, "resource_id": resourceID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select lock: %w", err)
	}
	var row lockRow
	if err := pgxscan.Get(ctx, s.q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteLock(ctx context.Context, resourceType, resourceID string) error {
	sql, args, err := builder().Delete("locks").
		Where(squirrel.Eq{"resource_type": resourceType, "resource_id": resourceID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete lock: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) QueryLocksByTxn(ctx context.Context, txnID string) ([]*domain.Lock, error) {
	sql, args, err := builder().Select(lockColumns...).From("locks").Where(squirrel.Eq{"owner_txn": txnID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select locks by txn: %w", err)
	}
	var rows []lockRow
	if err := pgxscan.Select(ctx, s.q, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query locks by txn: %w", err)
	}
	out := make([]*domain.Lock, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

type compensatingOperationRow struct {
	ID             string    `db:"id"`
	TransactionID  string    `db:"transaction_id"`
	Kind           string    `db:"kind"`
	Params         []byte    `db:"params"`
	OriginalState  []byte    `db:"original_state"`
	ExecutionOrder int       `db:"execution_order"`
	Dependencies   []string  `db:"dependencies"`
	Status         string    `db:"status"`
	RetryCount     int       `db:"retry_count"`
	MaxRetries     int       `db:"max_retries"`
	RegisteredAt   time.Time `db:"registered_at"`
	ExecutedAt     *time.Time `db:"executed_at"`
}

var compensatingOperationColumns = []string{
	"id", "transaction_id", "kind", "params", "original_state", "execution_order",
	"dependencies", "status", "retry_count", "max_retries", "registered_at", "executed_at",
}

func (r *compensatingOperationRow) toDomain() *domain.CompensatingOperation {
	return &domain.CompensatingOperation{
		ID:             r.ID,
		TransactionID:  r.TransactionID,
		Kind:           domain.CompensationKind(r.Kind),
		Params:         r.Params,
		OriginalState:  r.OriginalState,
		ExecutionOrder: r.ExecutionOrder,
		Dependencies:   r.Dependencies,
		Status:         domain.CompensationStatus(r.Status),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		RegisteredAt:   r.RegisteredAt,
		ExecutedAt:     r.ExecutedAt,
	}
}

func (s *Store) SaveCompensatingOperation(ctx context.Context, op *domain.CompensatingOperation) error {
	sql, args, err := builder().
		Insert("compensating_operations").
		Columns(compensatingOperationColumns...).
		Values(op.ID, op.TransactionID, string(op.Kind), op.Params, op.OriginalState, op.ExecutionOrder,
			op.Dependencies, string(op.Status), op.RetryCount, op.MaxRetries, op.RegisteredAt, op.ExecutedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, retry_count = EXCLUDED.retry_count, executed_at = EXCLUDED.executed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert compensating operation: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) QueryCompensatingOperations(ctx context.Context, txnID string) ([]*domain.CompensatingOperation, error) {
	sql, args, err := builder().Select(compensatingOperationColumns...).From("compensating_operations").
		Where(squirrel.Eq{"transaction_id": txnID}).OrderBy("execution_order ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select compensating operations: %w", err)
	}
	var rows []compensatingOperationRow
	if err := pgxscan.Select(ctx, s.q, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query compensating operations: %w", err)
	}
	out := make([]*domain.CompensatingOperation, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

type dlqRow struct {
	TransactionID string    `db:"transaction_id"`
	Snapshot      []byte    `db:"snapshot"`
	ErrorKind     string    `db:"error_kind"`
	EnqueuedAt    time.Time `db:"enqueued_at"`
}

var dlqColumns = []string{"transaction_id", "snapshot", "error_kind", "enqueued_at"}

func (r *dlqRow) toDomain() *domain.DeadLetterEntry {
	return &domain.DeadLetterEntry{
		TransactionID: r.TransactionID,
		Snapshot:      r.Snapshot,
		ErrorKind:     r.ErrorKind,
		EnqueuedAt:    r.EnqueuedAt,
	}
}

func (s *Store) SaveDeadLetterEntry(ctx context.Context, e *domain.DeadLetterEntry) error {
	sql, args, err := builder().
		Insert("dead_letter_entries").
		Columns(dlqColumns...).
		Values(e.TransactionID, e.Snapshot, e.ErrorKind, e.EnqueuedAt).
		Suffix(`ON CONFLICT (transaction_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot, error_kind = EXCLUDED.error_kind, enqueued_at = EXCLUDED.enqueued_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert dead letter entry: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) GetDeadLetterEntry(ctx context.Context, txnID string) (*domain.DeadLetterEntry, error) {
	sql, args, err := builder().Select(dlqColumns...).From("dead_letter_entries").Where(squirrel.Eq{"transaction_id": txnID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select dead letter entry: %w", err)
	}
	var row dlqRow
	if err := pgxscan.Get(ctx, s.q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter entry: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteDeadLetterEntry(ctx context.Context, txnID string) error {
	sql, args, err := builder().Delete("dead_letter_entries").Where(squirrel.Eq{"transaction_id": txnID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete dead letter entry: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) QueryAllDeadLetterEntries(ctx context.Context) ([]*domain.DeadLetterEntry, error) {
	sql, args, err := builder().Select(dlqColumns...).From("dead_letter_entries").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select all dead letter entries: %w", err)
	}
	var rows []dlqRow
	if err := pgxscan.Select(ctx, s.q, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query all dead letter entries: %w", err)
	}
	out := make([]*domain.DeadLetterEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

type retryEntryRow struct {
	TransactionID string    `db:"transaction_id"`
	DueAt         time.Time `db:"due_at"`
	Attempt       int       `db:"attempt"`
}

var retryEntryColumns = []string{"transaction_id", "due_at", "attempt"}

func (r *retryEntryRow) toDomain() *domain.RetryEntry {
	return &domain.RetryEntry{TransactionID: r.TransactionID, DueAt: r.DueAt, Attempt: r.Attempt}
}

func (s *Store) SaveRetryEntry(ctx context.Context, e *domain.RetryEntry) error {
	sql, args, err := builder().
		Insert("retry_entries").
		Columns(retryEntryColumns...).
		Values(e.TransactionID, e.DueAt, e.Attempt).
		Suffix(`ON CONFLICT (transaction_id) DO UPDATE SET due_at = EXCLUDED.due_at, attempt = EXCLUDED.attempt`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert retry entry: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) DeleteRetryEntry(ctx context.Context, txnID string) error {
	sql, args, err := builder().Delete("retry_entries").Where(squirrel.Eq{"transaction_id": txnID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete retry entry: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) QueryAllRetryEntries(ctx context.Context) ([]*domain.RetryEntry, error) {
	sql, args, err := builder().Select(retryEntryColumns...).From("retry_entries").OrderBy("due_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select all retry entries: %w", err)
	}
	var rows []retryEntryRow
	if err := pgxscan.Select(ctx, s.q, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query all retry entries: %w", err)
	}
	out := make([]*domain.RetryEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}
