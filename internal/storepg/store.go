package storepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// Store is the Postgres-backed store.Store implementation. q is either
// the pool itself or a transaction, so the same queries run standalone or
// inside a CAS transaction.
type Store struct {
	pool *DB
	q    Executor
}

// New builds a Store bound directly to the pool.
func New(db *DB) *Store {
	return &Store{pool: db, q: db.Pool}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

var _ store.Store = (*Store)(nil)

// transactionRow mirrors the transactions table for scany scanning; it is
// converted to/from domain.Transaction because the wire metadata shape
// (domain.Metadata) doesn't map one-to-one onto flat columns.
type transactionRow struct {
	ID               string          `db:"id"`
	Type             string          `db:"type"`
	Status           string          `db:"status"`
	Amount           decimal.Decimal `db:"amount"`
	Currency         string          `db:"currency"`
	CustomerID       string          `db:"customer_id"`
	PaymentMethodRef string          `db:"payment_method_ref"`
	IdempotencyKey   string          `db:"idempotency_key"`
	RetryCount       int             `db:"retry_count"`
	Metadata         []byte          `db:"metadata"`
	ErrorKind        *string         `db:"error_kind"`
	ErrorMessage     *string         `db:"error_message"`
	NextRetryAt      *time.Time      `db:"next_retry_at"`
	LastRetryAt      *time.Time      `db:"last_retry_at"`
	RetryReason      string          `db:"retry_reason"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
	FailedAt         *time.Time      `db:"failed_at"`
}

var transactionColumns = []string{
	"id", "type", "status", "amount", "currency", "customer_id", "payment_method_ref",
	"idempotency_key", "retry_count", "metadata", "error_kind", "error_message",
	"next_retry_at", "last_retry_at", "retry_reason", "created_at", "updated_at",
	"completed_at", "failed_at",
}

func toRow(t *domain.Transaction) (*transactionRow, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	row := &transactionRow{
		ID:               t.ID,
		Type:             string(t.Type),
		Status:           string(t.Status),
		Amount:           t.Amount,
		Currency:         t.Currency,
		CustomerID:       t.CustomerID,
		PaymentMethodRef: t.PaymentMethodRef,
		IdempotencyKey:   t.IdempotencyKey,
		RetryCount:       t.RetryCount,
		Metadata:         meta,
		NextRetryAt:      t.NextRetryAt,
		LastRetryAt:      t.LastRetryAt,
		RetryReason:      t.RetryReason,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
		FailedAt:         t.FailedAt,
	}
	if t.Error != nil {
		kind := string(t.Error.Kind)
		row.ErrorKind = &kind
		row.ErrorMessage = &t.Error.Message
	}
	return row, nil
}

func fromRow(r *transactionRow) (*domain.Transaction, error) {
	t := &domain.Transaction{
		ID:               r.ID,
		Type:             domain.TransactionType(r.Type),
		Status:           domain.Status(r.Status),
		Amount:           r.Amount,
		Currency:         r.Currency,
		CustomerID:       r.CustomerID,
		PaymentMethodRef: r.PaymentMethodRef,
		IdempotencyKey:   r.IdempotencyKey,
		RetryCount:       r.RetryCount,
		NextRetryAt:      r.NextRetryAt,
		LastRetryAt:      r.LastRetryAt,
		RetryReason:      r.RetryReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		CompletedAt:      r.CompletedAt,
		FailedAt:         r.FailedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if r.ErrorKind != nil {
		msg := ""
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		t.Error = &domain.ErrorInfo{Kind: errs.Kind(*r.ErrorKind), Message: msg}
	}
	return t, nil
}

func (s *Store) SaveTransaction(ctx context.Context, txn *domain.Transaction) error {
	row, err := toRow(txn)
	if err != nil {
		return err
	}

	values := []any{
		row.ID, row.Type, row.Status, row.Amount, row.Currency, row.CustomerID,
		row.PaymentMethodRef, row.IdempotencyKey, row.RetryCount, row.Metadata,
		row.ErrorKind, row.ErrorMessage, row.NextRetryAt, row.LastRetryAt,
		row.RetryReason, row.CreatedAt, row.UpdatedAt, row.CompletedAt, row.FailedAt,
	}

	sql, args, err := builder().
		Insert("transactions").
		Columns(transactionColumns...).
		Values(values...).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, amount = EXCLUDED.amount, currency = EXCLUDED.currency,
			customer_id = EXCLUDED.customer_id, payment_method_ref = EXCLUDED.payment_method_ref,
			retry_count = EXCLUDED.retry_count, metadata = EXCLUDED.metadata,
			error_kind = EXCLUDED.error_kind, error_message = EXCLUDED.error_message,
			next_retry_at = EXCLUDED.next_retry_at, last_retry_at = EXCLUDED.last_retry_at,
			retry_reason = EXCLUDED.retry_reason, updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at, failed_at = EXCLUDED.failed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert transaction: %w", err)
	}

	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("transaction violates a unique constraint: %w", err)
		}
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	sql, args, err := builder().Select(transactionColumns...).From("transactions").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select transaction: %w", err)
	}

	var row transactionRow
	if err := pgxscan.Get(ctx, s.q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return fromRow(&row)
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	sql, args, err := builder().Delete("transactions").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete transaction: %w", err)
	}
	_, err = s.q.Exec(ctx, sql, args...)
	return err
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	sql, args, err := builder().Select(transactionColumns...).From("transactions").Where(squirrel.Eq{"idempotency_key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select by idempotency key: %w", err)
	}

	var row transactionRow
	if err := pgxscan.Get(ctx, s.q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find transaction by idempotency key: %w", err)
	}
	return fromRow(&row)
}

func applyFilter(q squirrel.SelectBuilder, f store.Filter) squirrel.SelectBuilder {
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, st := range f.Status {
			statuses[i] = string(st)
		}
		q = q.Where(squirrel.Eq{"status": statuses})
	}
	if len(f.Type) > 0 {
		types := make([]string, len(f.Type))
		for i, ty := range f.Type {
			types[i] = string(ty)
		}
		q = q.Where(squirrel.Eq{"type": types})
	}
	if !f.CreatedAfter.IsZero() {
		q = q.Where(squirrel.GtOrEq{"created_at": f.CreatedAfter})
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where(squirrel.LtOrEq{"created_at": f.CreatedBefore})
	}
	q = q.OrderBy("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func (s *Store) queryTransactions(ctx context.Context, q squirrel.SelectBuilder) ([]*domain.Transaction, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query transactions: %w", err)
	}

	var rows []transactionRow
	if err := pgxscan.Select(ctx, s.q, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	out := make([]*domain.Transaction, 0, len(rows))
	for i := range rows {
		t, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) QueryTransactions(ctx context.Context, customerID string, filter store.Filter) ([]*domain.Transaction, error) {
	q := builder().Select(transactionColumns...).From("transactions").Where(squirrel.Eq{"customer_id": customerID})
	return s.queryTransactions(ctx, applyFilter(q, filter))
}

func (s *Store) QueryAllTransactions(ctx context.Context, filter store.Filter) ([]*domain.Transaction, error) {
	q := builder().Select(transactionColumns...).From("transactions")
	return s.queryTransactions(ctx, applyFilter(q, filter))
}

// CompareAndSwapStatus performs the update in a single row-locked
// transaction (SELECT ... FOR UPDATE) so the read-modify-write the update
// callback needs stays atomic against concurrent callers.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.Status, update func(*domain.Transaction)) (bool, error) {
	pool, ok := s.q.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return false, fmt.Errorf("compare-and-swap requires a pool-backed store, not a nested transaction")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin cas transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txStore := &Store{pool: s.pool, q: tx}

	sql, args, err := builder().
		Select(transactionColumns...).
		From("transactions").
		Where(squirrel.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build select for update: %w", err)
	}

	var row transactionRow
	if err := pgxscan.Get(ctx, tx, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("select for update: %w", err)
	}

	if domain.Status(row.Status) != expected {
		return false, nil
	}

	current, err := fromRow(&row)
	if err != nil {
		return false, err
	}
	current.Status = next
	if update != nil {
		update(current)
	}
	current.UpdatedAt = time.Now().UTC()

	if err := txStore.SaveTransaction(ctx, current); err != nil {
		return false, fmt.Errorf("save swapped transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit cas transaction: %w", err)
	}
	return true, nil
}

func notFoundOrErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
