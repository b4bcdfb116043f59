// Package lock implements the record locker: per-resource shared and
// exclusive locks with expiry, FIFO waiters and waits-for-graph deadlock
// detection. The in-memory table is a cache over the durable lock rows in
// Store; expiry bounds how long a crashed holder can wedge a record, so
// the table is safe to rebuild from empty on restart.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// DefaultTTL is how long a lock is held before it's eligible for expiry if
// its owner never releases or renews it.
const DefaultTTL = 30 * time.Second

type waitReq struct {
	txnID string
	level domain.LockLevel
	grant chan error
}

type resourceState struct {
	holders  map[string]domain.LockLevel // ownerTxn -> level
	lockID   string
	waiters  []*waitReq
	expires  map[string]time.Time // ownerTxn -> expiry
}

func newResourceState() *resourceState {
	return &resourceState{
		holders: make(map[string]domain.LockLevel),
		expires: make(map[string]time.Time),
	}
}

func (rs *resourceState) compatible(level domain.LockLevel, requester string) bool {
	for holder, held := range rs.holders {
		if holder == requester {
			continue
		}
		if !held.Compatible(level) {
			return false
		}
	}
	return true
}

// Locker is an in-memory lock table that mirrors every
// grant/release to store.Store for observability and crash recovery, and
// publishes lock.* events on the bus.
type Locker struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	graph     *waitsForGraph
	store     store.Store
	bus       *eventbus.Bus
	clk       clock.Clock
	ttl       time.Duration
}

func New(st store.Store, bus *eventbus.Bus, clk clock.Clock) *Locker {
	return &Locker{
		resources: make(map[string]*resourceState),
		graph:     newWaitsForGraph(),
		store:     st,
		bus:       bus,
		clk:       clk,
		ttl:       DefaultTTL,
	}
}

// WithTTL overrides the lock expiry duration, for callers (internal/config)
// that source it from the environment instead of accepting DefaultTTL.
func (l *Locker) WithTTL(ttl time.Duration) *Locker {
	l.ttl = ttl
	return l
}

func resourceKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

// Acquire blocks until the requested lock is granted, ctx is cancelled, or
// a deadlock is detected against the current holders, whichever comes
// first. The returned lockID identifies this specific grant for Release.
func (l *Locker) Acquire(ctx context.Context, resourceType, resourceID string, level domain.LockLevel, ownerTxn string) (string, error) {
	key := resourceKey(resourceType, resourceID)

	for {
		l.mu.Lock()
		rs := l.resources[key]
		if rs == nil {
			rs = newResourceState()
			l.resources[key] = rs
		}
		l.expireLocked(key, rs)

		if existing, ok := rs.holders[ownerTxn]; ok && existing == level {
			l.mu.Unlock()
			return rs.lockID, nil
		}

		if rs.compatible(level, ownerTxn) {
			return l.grantLocked(ctx, resourceType, resourceID, key, rs, level, ownerTxn)
		}

		for holder := range rs.holders {
			if holder != ownerTxn {
				l.graph.addEdge(ownerTxn, holder)
			}
		}
		if l.graph.hasCycle(ownerTxn) {
			l.graph.removeWaiter(ownerTxn)
			l.mu.Unlock()
			return "", errs.New(errs.KindDeadlockDetected, fmt.Sprintf("acquiring %s lock on %s would deadlock", level, key), nil)
		}

		req := &waitReq{txnID: ownerTxn, level: level, grant: make(chan error, 1)}
		rs.waiters = append(rs.waiters, req)
		l.mu.Unlock()

		select {
		case err := <-req.grant:
			if err != nil {
				return "", err
			}
			// Woken because the resource may now be compatible; loop re-checks holders/lockID under lock.
			continue
		case <-ctx.Done():
			l.mu.Lock()
			l.removeWaiterLocked(rs, req)
			l.graph.removeWaiter(ownerTxn)
			l.mu.Unlock()
			return "", errs.New(errs.KindLockTimeout, fmt.Sprintf("timed out waiting for %s lock on %s", level, key), ctx.Err())
		}
	}
}

// grantLocked assumes l.mu is held and rs is compatible with level for
// ownerTxn; it commits the grant, mirrors it to Store, publishes
// LockAcquired, and releases l.mu before returning.
func (l *Locker) grantLocked(ctx context.Context, resourceType, resourceID, key string, rs *resourceState, level domain.LockLevel, ownerTxn string) (string, error) {
	now := l.clk.Now()
	lockID := clock.NewID().String()
	rs.holders[ownerTxn] = level
	rs.expires[ownerTxn] = now.Add(l.ttl)
	rs.lockID = lockID
	l.graph.removeWaiter(ownerTxn)
	l.mu.Unlock()

	rec := &domain.Lock{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Level:        level,
		OwnerTxn:     ownerTxn,
		LockID:       lockID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(l.ttl),
		LastRenewed:  now,
	}
	if l.store != nil {
		_ = l.store.SaveLock(ctx, rec)
	}
	if l.bus != nil {
		_ = l.bus.Publish(ctx, eventbus.Event{
			Topic:         eventbus.LockAcquired,
			TransactionID: ownerTxn,
			Payload:       map[string]any{"resource": key, "level": string(level)},
		})
	}
	return lockID, nil
}

// Release drops ownerTxn's hold on the resource and wakes the next
// compatible waiter(s), FIFO.
func (l *Locker) Release(ctx context.Context, resourceType, resourceID, ownerTxn string) error {
	key := resourceKey(resourceType, resourceID)

	l.mu.Lock()
	rs := l.resources[key]
	if rs == nil {
		l.mu.Unlock()
		return nil
	}
	delete(rs.holders, ownerTxn)
	delete(rs.expires, ownerTxn)
	if len(rs.holders) == 0 {
		rs.lockID = ""
	}
	l.wakeWaitersLocked(rs)
	l.mu.Unlock()

	if l.store != nil {
		_ = l.store.DeleteLock(ctx, resourceType, resourceID)
	}
	if l.bus != nil {
		_ = l.bus.Publish(ctx, eventbus.Event{
			Topic:         eventbus.LockReleased,
			TransactionID: ownerTxn,
			Payload:       map[string]any{"resource": key},
		})
	}
	return nil
}

// ReleaseTxn releases every resource ownerTxn currently holds, used when a
// transaction completes, fails terminally, or rolls back.
func (l *Locker) ReleaseTxn(ctx context.Context, ownerTxn string) error {
	l.mu.Lock()
	var toRelease []string
	for key, rs := range l.resources {
		if _, ok := rs.holders[ownerTxn]; ok {
			toRelease = append(toRelease, key)
		}
	}
	l.mu.Unlock()

	for _, key := range toRelease {
		resType, resID := splitKey(key)
		if err := l.Release(ctx, resType, resID, ownerTxn); err != nil {
			return err
		}
	}
	return nil
}

// Upgrade promotes ownerTxn's shared hold to exclusive, failing if any
// other txn also holds the resource.
func (l *Locker) Upgrade(ctx context.Context, resourceType, resourceID, ownerTxn string) error {
	key := resourceKey(resourceType, resourceID)

	l.mu.Lock()
	rs := l.resources[key]
	if rs == nil {
		l.mu.Unlock()
		return errs.New(errs.KindTransactionLocked, "no lock held to upgrade", nil)
	}
	if _, ok := rs.holders[ownerTxn]; !ok {
		l.mu.Unlock()
		return errs.New(errs.KindTransactionLocked, "owner does not hold this resource", nil)
	}
	if len(rs.holders) > 1 {
		l.mu.Unlock()
		return errs.New(errs.KindLockTimeout, "cannot upgrade while other shared holders exist", nil)
	}
	rs.holders[ownerTxn] = domain.LockExclusive
	l.mu.Unlock()

	if l.bus != nil {
		_ = l.bus.Publish(ctx, eventbus.Event{
			Topic:         eventbus.LockUpgraded,
			TransactionID: ownerTxn,
			Payload:       map[string]any{"resource": key},
		})
	}
	return nil
}

// ForceRelease is the administrative override that drops a lock regardless
// of owner, used by recovery when a holder's process is known dead.
func (l *Locker) ForceRelease(ctx context.Context, resourceType, resourceID string) error {
	key := resourceKey(resourceType, resourceID)

	l.mu.Lock()
	rs := l.resources[key]
	if rs == nil {
		l.mu.Unlock()
		return nil
	}
	rs.holders = make(map[string]domain.LockLevel)
	rs.expires = make(map[string]time.Time)
	rs.lockID = ""
	l.wakeWaitersLocked(rs)
	l.mu.Unlock()

	if l.store != nil {
		_ = l.store.DeleteLock(ctx, resourceType, resourceID)
	}
	return nil
}

// Renew extends ownerTxn's hold on the resource by the Locker's TTL
// (DefaultTTL unless overridden with WithTTL).
func (l *Locker) Renew(ctx context.Context, resourceType, resourceID, ownerTxn string) error {
	key := resourceKey(resourceType, resourceID)

	l.mu.Lock()
	rs := l.resources[key]
	if rs == nil {
		l.mu.Unlock()
		return errs.New(errs.KindTransactionLocked, "no lock held to renew", nil)
	}
	if _, ok := rs.holders[ownerTxn]; !ok {
		l.mu.Unlock()
		return errs.New(errs.KindTransactionLocked, "owner does not hold this resource", nil)
	}
	now := l.clk.Now()
	rs.expires[ownerTxn] = now.Add(l.ttl)
	l.mu.Unlock()

	if l.store != nil {
		if rec, err := l.store.GetLock(ctx, resourceType, resourceID); err == nil {
			rec.ExpiresAt = now.Add(l.ttl)
			rec.LastRenewed = now
			_ = l.store.SaveLock(ctx, rec)
		}
	}
	return nil
}

// expireLocked drops any holder whose TTL has passed, waking waiters as
// resources free up. Callers must already hold l.mu.
func (l *Locker) expireLocked(key string, rs *resourceState) {
	now := l.clk.Now()
	expired := false
	for txn, exp := range rs.expires {
		if now.After(exp) {
			delete(rs.holders, txn)
			delete(rs.expires, txn)
			expired = true
		}
	}
	if expired {
		if len(rs.holders) == 0 {
			rs.lockID = ""
		}
		l.wakeWaitersLocked(rs)
		if l.bus != nil {
			go l.bus.Publish(context.Background(), eventbus.Event{
				Topic:   eventbus.LockExpired,
				Payload: map[string]any{"resource": key},
			})
		}
	}
}

// wakeWaitersLocked signals, in FIFO order, every waiter whose level is
// compatible with the current holders; it does not grant the lock itself
// or check waiters against each other. Callers must already hold l.mu;
// woken waiters re-enter Acquire's loop, which re-checks compatibility and
// either grants the lock or queues the waiter again.
func (l *Locker) wakeWaitersLocked(rs *resourceState) {
	var remaining []*waitReq
	for _, w := range rs.waiters {
		if rs.compatible(w.level, w.txnID) {
			w.grant <- nil
		} else {
			remaining = append(remaining, w)
		}
	}
	rs.waiters = remaining
}

func (l *Locker) removeWaiterLocked(rs *resourceState, target *waitReq) {
	var remaining []*waitReq
	for _, w := range rs.waiters {
		if w != target {
			remaining = append(remaining, w)
		}
	}
	rs.waiters = remaining
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// RunCleanup periodically sweeps every resource for expired holders until
// ctx is cancelled. Intended to run as a single background goroutine per
// process.
func (l *Locker) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, rs := range l.resources {
				l.expireLocked(key, rs)
			}
			l.mu.Unlock()
		}
	}
}
