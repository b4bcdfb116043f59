// Package txn implements the transaction manager, the authoritative
// owner of Transaction rows. Every operation follows the same control
// flow: idempotency check, exclusive lock, forward provider call, then
// route the outcome through the state machine.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/compensation"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/idempotency"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/recovery"
	"github.com/crowka/paycomponent-module-sub000/internal/retry"
	"github.com/crowka/paycomponent-module-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BeginInput is everything Begin needs to open a new Transaction.
type BeginInput struct {
	Type             domain.TransactionType
	Amount           decimal.Decimal
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string
}

// Manager is the transaction manager.
type Manager struct {
	store    store.Store
	locker   *lock.Locker
	idem     *idempotency.Manager
	retryMgr *retry.Manager
	recovery *recovery.Manager
	comp     *compensation.Ledger
	provider provider.Port
	bus      *eventbus.Bus
	clk      clock.Clock

	// staleThreshold is ScanStalePending's cutoff.
	staleThreshold time.Duration

	// maxCompRetries is the default MaxRetries passed to comp.Register.
	maxCompRetries int
}

// DefaultStaleThreshold is the window after which a PENDING transaction
// counts as stuck.
const DefaultStaleThreshold = 15 * time.Minute

func New(st store.Store, l *lock.Locker, idem *idempotency.Manager, retryMgr *retry.Manager, recoveryMgr *recovery.Manager, comp *compensation.Ledger, p provider.Port, bus *eventbus.Bus, clk clock.Clock) *Manager {
	return &Manager{
		store:          st,
		locker:         l,
		idem:           idem,
		retryMgr:       retryMgr,
		recovery:       recoveryMgr,
		comp:           comp,
		provider:       p,
		bus:            bus,
		clk:            clk,
		staleThreshold: DefaultStaleThreshold,
		maxCompRetries: compensation.DefaultMaxRetries,
	}
}

// WithCompensationRetries overrides the default MaxRetries registered for
// each compensating operation, for callers (internal/config) that source it
// from the environment instead of accepting compensation.DefaultMaxRetries.
func (m *Manager) WithCompensationRetries(maxRetries int) *Manager {
	if maxRetries > 0 {
		m.maxCompRetries = maxRetries
	}
	return m
}

// compensationKindFor maps a transaction type to the CompensationLedger
// kind its forward side effect should be registered under. Chargebacks
// have no merchant-initiated inverse, so they are not registered.
func compensationKindFor(t domain.TransactionType) (domain.CompensationKind, bool) {
	switch t {
	case domain.TypePayment:
		return domain.CompPaymentAuthorize, true
	case domain.TypeRefund:
		return domain.CompRefundInitiate, true
	default:
		return "", false
	}
}

// Begin opens a new money movement: idempotency check, create the row in
// PENDING, acquire the exclusive lock, register the compensating inverse,
// dispatch to the provider, then route whatever the provider returned
// through the normal state machine.
func (m *Manager) Begin(ctx context.Context, in BeginInput) (*domain.Transaction, error) {
	if err := idempotency.ValidateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}

	fingerprint, err := idempotency.Fingerprint(in)
	if err != nil {
		return nil, fmt.Errorf("fingerprint request: %w", err)
	}

	decision, err := m.idem.CheckAndLock(ctx, in.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, err
	}
	switch decision.Outcome {
	case idempotency.Mismatch:
		return nil, errs.New(errs.KindIdempotencyReplay, "idempotency key reused with a different request", nil)
	case idempotency.InProgress:
		return nil, errs.New(errs.KindDuplicateRequest, "request with this idempotency key is already in progress", nil)
	case idempotency.Replay:
		existing, err := m.store.GetTransaction(ctx, decision.ResourceRef)
		if err != nil {
			return nil, fmt.Errorf("load existing transaction for replay: %w", err)
		}
		return existing, nil
	}

	txn := &domain.Transaction{
		ID:               uuid.New().String(),
		Type:             in.Type,
		Status:           domain.StatusPending,
		Amount:           in.Amount,
		Currency:         in.Currency,
		CustomerID:       in.CustomerID,
		PaymentMethodRef: in.PaymentMethodRef,
		IdempotencyKey:   in.IdempotencyKey,
		CreatedAt:        m.clk.Now(),
		UpdatedAt:        m.clk.Now(),
	}
	if err := txn.Validate(); err != nil {
		_ = m.idem.ReleaseLock(ctx, in.IdempotencyKey)
		return nil, err
	}
	if err := m.store.SaveTransaction(ctx, txn); err != nil {
		_ = m.idem.ReleaseLock(ctx, in.IdempotencyKey)
		return nil, fmt.Errorf("save transaction: %w", err)
	}

	if _, err := m.locker.Acquire(ctx, "transaction", txn.ID, domain.LockExclusive, txn.ID); err != nil {
		return nil, fmt.Errorf("acquire transaction lock: %w", err)
	}
	defer m.locker.Release(ctx, "transaction", txn.ID, txn.ID)

	m.publish(ctx, eventbus.TransactionCreated, txn.ID)

	if kind, ok := compensationKindFor(txn.Type); ok {
		if _, err := m.comp.Register(ctx, txn.ID, kind, nil, nil, 1, nil, m.maxCompRetries); err != nil {
			return nil, fmt.Errorf("register compensation: %w", err)
		}
	}

	ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, domain.StatusPending, domain.StatusProcessing, func(*domain.Transaction) {})
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		return nil, errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	m.publish(ctx, eventbus.TransactionStatusChanged, txn.ID)

	res, callErr := m.provider.CreatePayment(ctx, provider.CreateInput{
		TransactionID:    txn.ID,
		Type:             txn.Type,
		Amount:           txn.Amount,
		Currency:         txn.Currency,
		CustomerID:       txn.CustomerID,
		PaymentMethodRef: txn.PaymentMethodRef,
		IdempotencyKey:   in.IdempotencyKey,
	})
	if err := m.routeProviderOutcome(ctx, txn.ID, res, callErr); err != nil {
		return nil, err
	}

	return m.store.GetTransaction(ctx, txn.ID)
}

// routeProviderOutcome applies a ProviderPort call's result to the
// transaction's state machine: success completes it, a failed call goes
// through HandleError's retry/recovery/fail decision tree.
func (m *Manager) routeProviderOutcome(ctx context.Context, txnID string, res *provider.Result, callErr error) error {
	if callErr != nil {
		txn, err := m.store.GetTransaction(ctx, txnID)
		if err != nil {
			return fmt.Errorf("load transaction to handle error: %w", err)
		}
		return m.HandleError(ctx, txn, callErr)
	}

	if res == nil || !res.Success {
		txn, err := m.store.GetTransaction(ctx, txnID)
		if err != nil {
			return fmt.Errorf("load transaction to handle decline: %w", err)
		}
		declineErr := error(errs.New(errs.KindProviderDecline, "provider declined the operation", nil))
		if res != nil && res.Err != nil {
			declineErr = res.Err
		}
		return m.HandleError(ctx, txn, declineErr)
	}

	retried := false
	ok, err := m.store.CompareAndSwapStatus(ctx, txnID, domain.StatusProcessing, domain.StatusCompleted, func(t *domain.Transaction) {
		now := m.clk.Now()
		t.CompletedAt = &now
		t.Metadata.ExternalRef = res.ExternalRef
		retried = t.RetryCount > 0
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	m.releaseTerminal(ctx, txnID)
	m.publish(ctx, eventbus.TransactionStatusChanged, txnID)
	if retried {
		m.publish(ctx, eventbus.TransactionCompletedAfterRetry, txnID)
	}
	return nil
}

// UpdateStatus applies a validated transition, the entry point webhooks
// use to report an out-of-band status change.
func (m *Manager) UpdateStatus(ctx context.Context, id string, newStatus domain.Status, errInfo *domain.ErrorInfo) error {
	if _, err := m.locker.Acquire(ctx, "transaction", id, domain.LockExclusive, id); err != nil {
		return fmt.Errorf("acquire transaction lock: %w", err)
	}
	defer m.locker.Release(ctx, "transaction", id, id)

	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.KindTransactionNotFound, "transaction not found", nil)
		}
		return err
	}
	if err := txn.CanTransitionTo(newStatus); err != nil {
		return err
	}

	ok, err := m.store.CompareAndSwapStatus(ctx, id, txn.Status, newStatus, func(t *domain.Transaction) {
		if errInfo != nil {
			t.Error = errInfo
		}
		now := m.clk.Now()
		switch newStatus {
		case domain.StatusCompleted:
			t.CompletedAt = &now
		case domain.StatusFailed, domain.StatusRolledBack:
			t.FailedAt = &now
		}
	})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	m.publish(ctx, eventbus.TransactionStatusChanged, id)

	if newStatus.IsTerminal() {
		m.releaseTerminal(ctx, id)
	}
	return nil
}

// HandleError routes a failed forward call: retryable errors with
// attempts remaining go to the retry scheduler, recoverable ones to the
// recovery manager, everything else fails the transaction.
func (m *Manager) HandleError(ctx context.Context, txn *domain.Transaction, cause error) error {
	var ce *errs.Error
	if !errors.As(cause, &ce) {
		ce = errs.New(errs.KindInternal, cause.Error(), cause)
	}

	if ce.Retryable() && txn.RetryCount < m.retryMgr.Policy().MaxAttempts {
		return m.retryMgr.Schedule(ctx, txn, cause)
	}
	if ce.Recoverable() {
		if txn.Status == domain.StatusRecoveryPending {
			return m.recovery.Run(ctx, txn, cause)
		}
		if err := m.parkForRecovery(ctx, txn, ce); err != nil {
			return err
		}
		parked, err := m.store.GetTransaction(ctx, txn.ID)
		if err != nil {
			return fmt.Errorf("reload transaction after parking for recovery: %w", err)
		}
		return m.recovery.Run(ctx, parked, cause)
	}
	return m.UpdateStatus(ctx, txn.ID, domain.StatusFailed, &domain.ErrorInfo{Kind: ce.Kind, Message: ce.Message})
}

// parkForRecovery moves txn into RECOVERY_PENDING ahead of handing it to
// the recovery manager: the state machine only allows
// RECOVERY_IN_PROGRESS from RECOVERY_PENDING, never directly from
// PROCESSING, so recovery never runs against a row still in PROCESSING.
func (m *Manager) parkForRecovery(ctx context.Context, txn *domain.Transaction, ce *errs.Error) error {
	ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, txn.Status, domain.StatusRecoveryPending, func(t *domain.Transaction) {
		now := m.clk.Now()
		t.LastRetryAt = &now
		t.RetryReason = string(ce.Kind)
	})
	if err != nil {
		return fmt.Errorf("park for recovery: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	return nil
}

// Rollback undoes a non-terminal transaction: forbidden in terminal
// states, dispatches to the compensation ledger, which moves it to
// ROLLED_BACK only when every compensating operation resolves; after a
// partial compensation the status is left as it was.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.KindTransactionNotFound, "transaction not found", nil)
		}
		return err
	}
	if txn.Status.IsTerminal() {
		return errs.New(errs.KindTransactionInvalidState, "cannot roll back a terminal transaction", nil)
	}
	if err := m.comp.ExecuteCompensation(ctx, id); err != nil {
		return err
	}
	m.releaseTerminal(ctx, id)
	return nil
}

// Reattempt implements retry.Dispatcher: re-drive the provider-facing
// call for a transaction whose retry has come due, then route the
// outcome through the same path Begin uses.
func (m *Manager) Reattempt(ctx context.Context, txnID string) error {
	txn, err := m.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	res, callErr := m.provider.CreatePayment(ctx, provider.CreateInput{
		TransactionID:    txn.ID,
		Type:             txn.Type,
		Amount:           txn.Amount,
		Currency:         txn.Currency,
		CustomerID:       txn.CustomerID,
		PaymentMethodRef: txn.PaymentMethodRef,
		IdempotencyKey:   txn.IdempotencyKey,
	})
	return m.routeProviderOutcome(ctx, txnID, res, callErr)
}

// Get looks up a single transaction by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.KindTransactionNotFound, "transaction not found", nil)
		}
		return nil, err
	}
	return txn, nil
}

// List returns a customer's transactions, narrowed by filter.
func (m *Manager) List(ctx context.Context, customerID string, filter store.Filter) ([]*domain.Transaction, error) {
	return m.store.QueryTransactions(ctx, customerID, filter)
}

// ScanStalePending flags PENDING transactions stuck past staleThreshold
// for manual reconciliation, without mutating them.
func (m *Manager) ScanStalePending(ctx context.Context) ([]string, error) {
	txns, err := m.store.QueryAllTransactions(ctx, store.Filter{Status: []domain.Status{domain.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}

	cutoff := m.clk.Now().Add(-m.staleThreshold)
	var stale []string
	for _, t := range txns {
		if t.UpdatedAt.Before(cutoff) {
			stale = append(stale, t.ID)
			m.publish(ctx, eventbus.TransactionStalePending, t.ID)
		}
	}
	return stale, nil
}

// releaseTerminal releases the record lock and settles the idempotency
// record once a transaction reaches a terminal state. Associating the key
// with its transaction happens only here: while the transaction is still
// in flight the record stays locked-but-unassociated, so a concurrent
// duplicate sees InProgress and a crashed holder's key can be reclaimed
// after expiry.
func (m *Manager) releaseTerminal(ctx context.Context, id string) {
	_ = m.locker.ReleaseTxn(ctx, id)
	if txn, err := m.store.GetTransaction(ctx, id); err == nil && txn.IdempotencyKey != "" {
		_ = m.idem.Associate(ctx, txn.IdempotencyKey, id)
		_ = m.idem.Complete(ctx, txn.IdempotencyKey, nil)
	}
}

func (m *Manager) publish(ctx context.Context, topic eventbus.Topic, txnID string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventbus.Event{Topic: topic, TransactionID: txnID})
}

var _ retry.Dispatcher = (*Manager)(nil)
