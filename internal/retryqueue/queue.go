// Package retryqueue implements a delay queue ordered by (dueAt, id),
// persisted via Store and claimed one entry at a time by Next. The heap
// is only a cache over the durable RetryEntry rows; entries are removed
// under a per-entry claim, and the claim is the queue's own mutex rather
// than a row lock because the heap is the only reader of itself.
package retryqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

type entryHeap []*domain.RetryEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].TransactionID < h[j].TransactionID
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*domain.RetryEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the pending-retry delay queue.
type Queue struct {
	mu     sync.Mutex
	items  entryHeap
	index  map[string]*domain.RetryEntry
	store  store.Store
	clk    clock.Clock
	wakeCh chan struct{}
}

func New(st store.Store, clk clock.Clock) *Queue {
	return &Queue{
		store:  st,
		clk:    clk,
		index:  make(map[string]*domain.RetryEntry),
		wakeCh: make(chan struct{}, 1),
	}
}

// Load rebuilds the in-memory heap from Store. Call once at startup;
// the heap is a cache over the durable rows and can always be rebuilt
// from empty.
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.store.QueryAllRetryEntries(ctx)
	if err != nil {
		return fmt.Errorf("load retry entries: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(entryHeap, 0, len(entries))
	q.index = make(map[string]*domain.RetryEntry, len(entries))
	for _, e := range entries {
		q.items = append(q.items, e)
		q.index[e.TransactionID] = e
	}
	heap.Init(&q.items)
	return nil
}

// Enqueue schedules (or reschedules, replacing any pending entry for the
// same transaction) a retry attempt.
func (q *Queue) Enqueue(ctx context.Context, txnID string, dueAt time.Time, attempt int) error {
	entry := &domain.RetryEntry{TransactionID: txnID, DueAt: dueAt, Attempt: attempt}
	if err := q.store.SaveRetryEntry(ctx, entry); err != nil {
		return fmt.Errorf("save retry entry: %w", err)
	}

	q.mu.Lock()
	if existing, ok := q.index[txnID]; ok {
		q.removeLocked(existing)
	}
	heap.Push(&q.items, entry)
	q.index[txnID] = entry
	q.mu.Unlock()

	q.wake()
	return nil
}

// Remove cancels a pending retry entry, used by RetryManager.CancelRetry.
func (q *Queue) Remove(ctx context.Context, txnID string) error {
	q.mu.Lock()
	if entry, ok := q.index[txnID]; ok {
		q.removeLocked(entry)
	}
	q.mu.Unlock()

	if err := q.store.DeleteRetryEntry(ctx, txnID); err != nil {
		return fmt.Errorf("delete retry entry: %w", err)
	}
	return nil
}

// removeLocked assumes q.mu is held.
func (q *Queue) removeLocked(entry *domain.RetryEntry) {
	delete(q.index, entry.TransactionID)
	for i, e := range q.items {
		if e == entry {
			heap.Remove(&q.items, i)
			return
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Next blocks until the earliest entry's dueAt has arrived, claims it by
// removing it from both the heap and Store, and returns it. A newly
// enqueued entry with an earlier dueAt preempts an in-progress wait. Next
// returns ctx.Err() if ctx is cancelled before an entry comes due.
func (q *Queue) Next(ctx context.Context) (*domain.RetryEntry, error) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.wakeCh:
				continue
			}
		}

		top := q.items[0]
		now := q.clk.Now()
		if now.Before(top.DueAt) {
			wait := top.DueAt.Sub(now)
			q.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-q.wakeCh:
				timer.Stop()
				continue
			case <-timer.C:
				continue
			}
		}

		claimed := heap.Pop(&q.items).(*domain.RetryEntry)
		delete(q.index, claimed.TransactionID)
		q.mu.Unlock()

		if err := q.store.DeleteRetryEntry(ctx, claimed.TransactionID); err != nil {
			return nil, fmt.Errorf("claim retry entry %s: %w", claimed.TransactionID, err)
		}
		return claimed, nil
	}
}

// Len reports the number of pending retries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
