// Package retry implements the bounded-retry policy with exponential
// backoff and jitter, and the dispatch loop that drains the retry queue.
// Scheduling parks a transaction and enqueues a due time instead of
// sleeping inline; dispatch re-reads current state, re-validates
// eligibility and updates atomically before re-driving the provider call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/lock"
	"github.com/crowka/paycomponent-module-sub000/internal/retryqueue"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// Backoff selects the delay shape Policy.computeDelay applies.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy is the retry schedule.
type Policy struct {
	MaxAttempts  int
	Backoff      Backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultPolicy returns the stock schedule: three attempts, exponential
// backoff from one second, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.1,
	}
}

// computeDelay derives the wait before an attempt: exponential (or fixed)
// base, additive uniform jitter in [-base*jitter, +base*jitter], clamped
// to maxDelay.
func (p Policy) computeDelay(attempt int) time.Duration {
	base := p.InitialDelay
	if p.Backoff == BackoffExponential && attempt > 1 {
		base = p.InitialDelay * time.Duration(int64(1)<<uint(attempt-1))
	}

	jitterRange := float64(base) * p.JitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d := base + time.Duration(jitter)

	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Dispatcher is the narrow capability the dispatch loop needs to re-drive
// a transaction once its retry comes due: perform the provider-facing
// re-attempt and route the outcome through the normal state machine.
// txn.Manager implements this; depending on the interface rather than the
// concrete type keeps the ownership graph a DAG.
type Dispatcher interface {
	Reattempt(ctx context.Context, txnID string) error
}

// Manager schedules and dispatches bounded retries.
type Manager struct {
	store      store.Store
	queue      *retryqueue.Queue
	locker     *lock.Locker
	bus        *eventbus.Bus
	clk        clock.Clock
	policy     Policy
	dispatcher Dispatcher
}

func New(st store.Store, q *retryqueue.Queue, l *lock.Locker, bus *eventbus.Bus, clk clock.Clock, policy Policy) *Manager {
	return &Manager{store: st, queue: q, locker: l, bus: bus, clk: clk, policy: policy}
}

// SetDispatcher wires the Dispatcher after construction, breaking the
// initialization cycle between RetryManager and TransactionManager (both
// must exist before either can hold a reference to the other).
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// Policy returns the schedule this Manager enforces, so callers outside
// the package (TransactionManager's HandleError) can apply the same
// maxAttempts bound without duplicating the constant.
func (m *Manager) Policy() Policy {
	return m.policy
}

// IsRetryable reports whether err should be retried: an explicit
// Retryable() verdict takes priority, falling back to the Kind taxonomy's
// default for network/timeout/provider-communication classes of error.
func IsRetryable(err error) bool {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Schedule books the next attempt: exhausted attempts fail the
// transaction outright, otherwise it's bumped into RECOVERY_PENDING and
// enqueued for its due time.
func (m *Manager) Schedule(ctx context.Context, txn *domain.Transaction, cause error) error {
	if txn.RetryCount >= m.policy.MaxAttempts {
		ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, txn.Status, domain.StatusFailed, func(t *domain.Transaction) {
			now := m.clk.Now()
			t.FailedAt = &now
			t.Error = &domain.ErrorInfo{Kind: errs.KindRetryLimitExceeded, Message: "retry attempts exhausted"}
		})
		if err != nil {
			return fmt.Errorf("mark retry limit exceeded: %w", err)
		}
		if !ok {
			return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
		}
		m.publish(ctx, eventbus.TransactionFailedAfterRetry, txn.ID)
		return nil
	}

	nextAttempt := txn.RetryCount + 1
	delay := m.policy.computeDelay(nextAttempt)
	dueAt := m.clk.Now().Add(delay)

	reason := ""
	if ce := (*errs.Error)(nil); errors.As(cause, &ce) {
		reason = string(ce.Kind)
	}

	ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, txn.Status, domain.StatusRecoveryPending, func(t *domain.Transaction) {
		t.RetryCount = nextAttempt
		now := m.clk.Now()
		t.NextRetryAt = &dueAt
		t.LastRetryAt = &now
		t.RetryReason = reason
	})
	if err != nil {
		return fmt.Errorf("mark recovery pending: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction status changed concurrently", nil)
	}

	if err := m.queue.Enqueue(ctx, txn.ID, dueAt, nextAttempt); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	m.publish(ctx, eventbus.TransactionRetryScheduled, txn.ID)
	return nil
}

// CancelRetry removes txnID's pending retry entry and transitions it
// RECOVERY_PENDING→FAILED with a retryCancelled marker.
func (m *Manager) CancelRetry(ctx context.Context, txnID string) error {
	if err := m.queue.Remove(ctx, txnID); err != nil {
		return fmt.Errorf("remove retry entry: %w", err)
	}

	ok, err := m.store.CompareAndSwapStatus(ctx, txnID, domain.StatusRecoveryPending, domain.StatusFailed, func(t *domain.Transaction) {
		t.Metadata.RetryCancelled = true
		now := m.clk.Now()
		t.FailedAt = &now
		t.Error = &domain.ErrorInfo{Kind: errs.KindRetryLimitExceeded, Message: "retry cancelled"}
	})
	if err != nil {
		return fmt.Errorf("cancel retry: %w", err)
	}
	if !ok {
		return errs.New(errs.KindTransactionInvalidState, "transaction is not pending retry", nil)
	}
	m.publish(ctx, eventbus.TransactionFailedAfterRetry, txnID)
	return nil
}

// RunDispatch drains RetryQueue until ctx is cancelled, dispatching each
// due entry in turn.
func (m *Manager) RunDispatch(ctx context.Context) {
	for {
		entry, err := m.queue.Next(ctx)
		if err != nil {
			return
		}
		m.dispatchOne(ctx, entry)
	}
}

// dispatchOne drives a single due entry: acquire the transaction's
// exclusive lock, re-read state (another actor may have moved it since it
// was enqueued), and only proceed if it is still RECOVERY_PENDING.
func (m *Manager) dispatchOne(ctx context.Context, entry *domain.RetryEntry) {
	lockID, err := m.locker.Acquire(ctx, "transaction", entry.TransactionID, domain.LockExclusive, entry.TransactionID)
	if err != nil {
		return
	}
	defer m.locker.Release(ctx, "transaction", entry.TransactionID, entry.TransactionID)
	_ = lockID

	txn, err := m.store.GetTransaction(ctx, entry.TransactionID)
	if err != nil {
		return
	}
	if txn.Status != domain.StatusRecoveryPending {
		return
	}

	ok, err := m.store.CompareAndSwapStatus(ctx, txn.ID, domain.StatusRecoveryPending, domain.StatusProcessing, func(*domain.Transaction) {})
	if err != nil || !ok {
		return
	}
	m.publish(ctx, eventbus.TransactionRetryStarted, txn.ID)

	if m.dispatcher == nil {
		return
	}
	_ = m.dispatcher.Reattempt(ctx, txn.ID)
}

func (m *Manager) publish(ctx context.Context, topic eventbus.Topic, txnID string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventbus.Event{Topic: topic, TransactionID: txnID})
}
