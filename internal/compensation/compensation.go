// Package compensation implements the per-transaction saga log: inverse
// operations registered before each forward mutation, undone in reverse
// dependency order on rollback. A capture that depends on an authorize
// must be undone before the authorize itself is.
package compensation

import (
	"context"
	"sync"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// Handler undoes a single CompensatingOperation's forward effect. Handlers
// must be idempotent: ExecuteCompensation may call one more than once
// across retries or after a crash.
type Handler func(ctx context.Context, op *domain.CompensatingOperation) error

// DefaultMaxRetries is used by Register when the caller passes 0.
const DefaultMaxRetries = 3

// RetryDelay is the backoff base between compensation retries, doubled
// per attempt.
const RetryDelay = 500 * time.Millisecond

// Ledger is the per-transaction compensation log.
type Ledger struct {
	store    store.Store
	locker   *lock.Locker
	bus      *eventbus.Bus
	clk      clock.Clock
	handlers map[domain.CompensationKind]Handler
}

func New(st store.Store, l *lock.Locker, bus *eventbus.Bus, clk clock.Clock, handlers map[domain.CompensationKind]Handler) *Ledger {
	return &Ledger{store: st, locker: l, bus: bus, clk: clk, handlers: handlers}
}

// Register logs a compensating operation before the forward mutation it
// inverts runs.
func (l *Ledger) Register(ctx context.Context, txnID string, kind domain.CompensationKind, params, originalState []byte, executionOrder int, dependencies []string, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	op := &domain.CompensatingOperation{
		ID:             clock.NewID().String(),
		TransactionID:  txnID,
		Kind:           kind,
		Params:         params,
		OriginalState:  originalState,
		ExecutionOrder: executionOrder,
		Dependencies:   dependencies,
		Status:         domain.CompPending,
		MaxRetries:     maxRetries,
		RegisteredAt:   l.clk.Now(),
	}
	if err := l.store.SaveCompensatingOperation(ctx, op); err != nil {
		return "", err
	}
	return op.ID, nil
}

// ExecuteCompensation undoes every registered operation for txnID in
// reverse dependency order and, if all of them resolve, marks the
// transaction ROLLED_BACK.
func (l *Ledger) ExecuteCompensation(ctx context.Context, txnID string) error {
	if _, err := l.locker.Acquire(ctx, "transaction", txnID, domain.LockExclusive, txnID); err != nil {
		return err
	}
	defer l.locker.Release(ctx, "transaction", txnID, txnID)

	txn, err := l.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Status.IsTerminal() {
		return nil
	}

	ops, err := l.store.QueryCompensatingOperations(ctx, txnID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return l.finishRollback(ctx, txn)
	}

	byID := make(map[string]*domain.CompensatingOperation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	// waiters[x] = ops that named x as a forward dependency. In the
	// rollback DAG those must undo first, since x's forward effect
	// depends on them having run.
	waiters := make(map[string][]string)
	for _, op := range ops {
		for _, dep := range op.Dependencies {
			waiters[dep] = append(waiters[dep], op.ID)
		}
	}

	resolved := func(id string) bool {
		op, ok := byID[id]
		return !ok || op.Status == domain.CompCompleted || op.Status == domain.CompSkipped
	}

	for {
		var ready []*domain.CompensatingOperation
		for _, op := range ops {
			if op.Status != domain.CompPending {
				continue
			}
			allWaitersResolved := true
			for _, w := range waiters[op.ID] {
				if !resolved(w) {
					allWaitersResolved = false
					break
				}
			}
			if allWaitersResolved {
				ready = append(ready, op)
			}
		}
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		results := make(chan struct {
			op  *domain.CompensatingOperation
			err error
		}, len(ready))
		for _, op := range ready {
			op.Status = domain.CompExecuting
			wg.Add(1)
			go func(op *domain.CompensatingOperation) {
				defer wg.Done()
				err := l.executeWithRetry(ctx, op)
				results <- struct {
					op  *domain.CompensatingOperation
					err error
				}{op, err}
			}(op)
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.err == nil {
				r.op.Status = domain.CompCompleted
				now := l.clk.Now()
				r.op.ExecutedAt = &now
				_ = l.store.SaveCompensatingOperation(ctx, r.op)
				continue
			}
			r.op.Status = domain.CompFailed
			_ = l.store.SaveCompensatingOperation(ctx, r.op)
			l.publish(ctx, eventbus.TransactionCompensationFailed, txnID)
			l.skipDependencies(ctx, r.op, byID)
		}
	}

	anyFailed := false
	for _, op := range ops {
		if op.Status == domain.CompFailed || op.Status == domain.CompPending || op.Status == domain.CompExecuting {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		l.publish(ctx, eventbus.TransactionCompensationPartial, txnID)
		return nil
	}
	return l.finishRollback(ctx, txn)
}

// skipDependencies marks op's own forward dependencies SKIPPED, since
// their rollback is unsafe or pointless once op itself failed to undo,
// e.g. a failed refund means the authorize it depended on should not be
// voided next.
func (l *Ledger) skipDependencies(ctx context.Context, op *domain.CompensatingOperation, byID map[string]*domain.CompensatingOperation) {
	stack := append([]string(nil), op.Dependencies...)
	seen := make(map[string]bool)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true

		dep, ok := byID[id]
		if !ok || dep.Status != domain.CompPending {
			continue
		}
		dep.Status = domain.CompSkipped
		_ = l.store.SaveCompensatingOperation(ctx, dep)
		stack = append(stack, dep.Dependencies...)
	}
}

func (l *Ledger) executeWithRetry(ctx context.Context, op *domain.CompensatingOperation) error {
	handler, ok := l.handlers[op.Kind]
	if !ok {
		return errs.New(errs.KindInternal, "no compensation handler registered for kind "+string(op.Kind), nil)
	}

	delay := RetryDelay
	var lastErr error
	for attempt := 0; attempt <= op.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
		if err := handler(ctx, op); err != nil {
			lastErr = err
			op.RetryCount = attempt + 1
			continue
		}
		return nil
	}
	return lastErr
}

func (l *Ledger) finishRollback(ctx context.Context, txn *domain.Transaction) error {
	ok, err := l.store.CompareAndSwapStatus(ctx, txn.ID, txn.Status, domain.StatusRolledBack, func(t *domain.Transaction) {
		now := l.clk.Now()
		t.FailedAt = &now
	})
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}
	l.publish(ctx, eventbus.TransactionCompensated, txn.ID)
	return nil
}

func (l *Ledger) publish(ctx context.Context, topic eventbus.Topic, txnID string) {
	if l.bus == nil {
		return
	}
	_ = l.bus.Publish(ctx, eventbus.Event{Topic: topic, TransactionID: txnID})
}
