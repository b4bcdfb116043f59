// Package recovery handles errors where the true outcome is unknown
// (e.g. a network blip mid-provider-call): pluggable Strategy values,
// selected by error kind, query the provider for the true status and map
// it to a local decision.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/dlq"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// Scheduler is the narrow retry capability Run delegates to when an
// error turns out to be retryable after all, so retry and recovery never
// double up on the same transaction. retry.Manager satisfies this.
type Scheduler interface {
	Schedule(ctx context.Context, txn *domain.Transaction, cause error) error
}

// Manager routes transactions with unknown outcomes through strategies.
type Manager struct {
	store       store.Store
	locker      *lock.Locker
	scheduler   Scheduler
	dlq         *dlq.Queue
	bus         *eventbus.Bus
	clk         clock.Clock
	strategies  []Strategy
	maxAttempts int
}

// DefaultMaxAttempts bounds recoveryAttempts before RECOVERY_LIMIT_EXCEEDED.
const DefaultMaxAttempts = 3

func New(st store.Store, l *lock.Locker, sched Scheduler, dl *dlq.Queue, bus *eventbus.Bus, clk clock.Clock, strategies []Strategy) *Manager {
	return &Manager{
		store:       st,
		locker:      l,
		scheduler:   sched,
		dlq:         dl,
		bus:         bus,
		clk:         clk,
		strategies:  strategies,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Run decides what happens to a transaction whose forward call failed
// ambiguously: delegate retryable errors, dead-letter unrecoverable ones,
// otherwise execute the first matching strategy under the record lock.
func (m *Manager) Run(ctx context.Context, txn *domain.Transaction, cause error) error {
	var ce *errs.Error
	if !errors.As(cause, &ce) {
		ce = errs.New(errs.KindInternal, cause.Error(), cause)
	}

	if ce.Retryable() {
		return m.scheduler.Schedule(ctx, txn, cause)
	}

	if !ce.Recoverable() {
		return m.sendToDLQ(ctx, txn, ce)
	}

	if txn.Metadata.RecoveryAttempts >= m.maxAttempts {
		return m.sendToDLQ(ctx, txn, errs.New(errs.KindRecoveryLimitExceeded, "recovery attempts exhausted", nil))
	}

	if err := txn.CanTransitionTo(domain.StatusRecoveryInProgress); err != nil {
		return err
	}

	if _, err := m.locker.Acquire(ctx, "transaction", txn.ID, domain.LockExclusive, txn.ID); err != nil {
		return fmt.Errorf("acquire lock for recovery: %w", err)
	}
	defer m.locker.Release(ctx, "transaction", txn.ID, txn.ID)

	ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, txn.Status, domain.StatusRecoveryInProgress, func(t *domain.Transaction) {
		t.Metadata.RecoveryAttempts++
	})
	if err != nil {
		return fmt.Errorf("mark recovery in progress: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	m.publish(ctx, eventbus.TransactionRecoveryStarted, txn.ID)

	strategy := m.selectStrategy(ce)
	if strategy == nil {
		return m.sendToDLQ(ctx, txn, ce)
	}

	outcome, execErr := strategy.Execute(ctx, txn)
	if execErr != nil {
		return m.sendToDLQ(ctx, txn, errs.New(errs.KindRecoveryExecutionError, execErr.Error(), execErr))
	}
	if !outcome.Recovered {
		return m.sendToDLQ(ctx, txn, errs.New(errs.KindRecoveryExecutionError, "recovery strategy could not confirm outcome", nil))
	}

	ok, err = m.store.CompareAndSwapStatus(ctx, txn.ID, domain.StatusRecoveryInProgress, domain.StatusCompleted, func(t *domain.Transaction) {
		now := m.clk.Now()
		t.CompletedAt = &now
		t.Metadata.RecoveredAt = &now
	})
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	m.publish(ctx, eventbus.TransactionRecoveryCompleted, txn.ID)
	return nil
}

// selectStrategy picks the first CanHandle match among non-general
// strategies, else the first general strategy, else nil (caller
// dead-letters).
func (m *Manager) selectStrategy(ce *errs.Error) Strategy {
	for _, s := range m.strategies {
		if !s.IsGeneral() && s.CanHandle(ce) {
			return s
		}
	}
	for _, s := range m.strategies {
		if s.IsGeneral() {
			return s
		}
	}
	return nil
}

func (m *Manager) sendToDLQ(ctx context.Context, txn *domain.Transaction, cause *errs.Error) error {
	current, err := m.store.GetTransaction(ctx, txn.ID)
	if err != nil {
		return fmt.Errorf("load transaction for dead-letter: %w", err)
	}

	snapshot, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("snapshot transaction for dead-letter: %w", err)
	}
	if err := m.dlq.Enqueue(ctx, txn.ID, snapshot, cause.Kind); err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}

	if current.Status.IsTerminal() {
		return nil
	}
	ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, current.Status, domain.StatusFailed, func(t *domain.Transaction) {
		now := m.clk.Now()
		t.FailedAt = &now
		t.Error = &domain.ErrorInfo{Kind: cause.Kind, Message: cause.Message}
	})
	if err != nil {
		return fmt.Errorf("mark failed after dead-letter: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, topic eventbus.Topic, txnID string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventbus.Event{Topic: topic, TransactionID: txnID})
}
