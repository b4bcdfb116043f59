package store

import (
	"context"
	"sync"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
)

// Memory is an in-process Store for tests: mutex-guarded maps covering
// every aggregate the port serves.
type Memory struct {
	mu sync.Mutex

	transactions map[string]*domain.Transaction
	idempotency  map[string]*domain.IdempotencyRecord
	locks        map[string]*domain.Lock // key: resourceType+"/"+resourceID
	compensating map[string][]*domain.CompensatingOperation
	dlq          map[string]*domain.DeadLetterEntry
	retries      map[string]*domain.RetryEntry
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[string]*domain.Transaction),
		idempotency:  make(map[string]*domain.IdempotencyRecord),
		locks:        make(map[string]*domain.Lock),
		compensating: make(map[string][]*domain.CompensatingOperation),
		dlq:          make(map[string]*domain.DeadLetterEntry),
		retries:      make(map[string]*domain.RetryEntry),
	}
}

func lockKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func copyTxn(t *domain.Transaction) *domain.Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (m *Memory) SaveTransaction(ctx context.Context, txn *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[txn.ID] = copyTxn(txn)
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTxn(t), nil
}

func (m *Memory) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transactions, id)
	return nil
}

func (m *Memory) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.IdempotencyKey == key {
			return copyTxn(t), nil
		}
	}
	return nil, ErrNotFound
}

func matchesFilter(t *domain.Transaction, f Filter) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Type) > 0 {
		found := false
		for _, ty := range f.Type {
			if t.Type == ty {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

func (m *Memory) QueryTransactions(ctx context.Context, customerID string, filter Filter) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, t := range m.transactions {
		if t.CustomerID != customerID {
			continue
		}
		if matchesFilter(t, filter) {
			out = append(out, copyTxn(t))
		}
	}
	return applyLimitOffset(out, filter), nil
}

func (m *Memory) QueryAllTransactions(ctx context.Context, filter Filter) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, t := range m.transactions {
		if matchesFilter(t, filter) {
			out = append(out, copyTxn(t))
		}
	}
	return applyLimitOffset(out, filter), nil
}

func applyLimitOffset(txns []*domain.Transaction, f Filter) []*domain.Transaction {
	if f.Offset > 0 {
		if f.Offset >= len(txns) {
			return nil
		}
		txns = txns[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(txns) {
		txns = txns[:f.Limit]
	}
	return txns
}

func (m *Memory) CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.Status, update func(*domain.Transaction)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != expected {
		return false, nil
	}
	cp := copyTxn(t)
	cp.Status = next
	if update != nil {
		update(cp)
	}
	cp.UpdatedAt = time.Now().UTC()
	m.transactions[id] = cp
	return true, nil
}

func (m *Memory) SaveIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.idempotency[rec.Key] = &cp
	return nil
}

func (m *Memory) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

func (m *Memory) QueryAllIdempotencyRecords(ctx context.Context) ([]*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.IdempotencyRecord, 0, len(m.idempotency))
	for _, r := range m.idempotency {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveLock(ctx context.Context, l *domain.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.locks[lockKey(l.ResourceType, l.ResourceID)] = &cp
	return nil
}

func (m *Memory) GetLock(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockKey(resourceType, resourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) DeleteLock(ctx context.Context, resourceType, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, lockKey(resourceType, resourceID))
	return nil
}

func (m *Memory) QueryLocksByTxn(ctx context.Context, txnID string) ([]*domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Lock
	for _, l := range m.locks {
		if l.OwnerTxn == txnID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SaveCompensatingOperation(ctx context.Context, op *domain.CompensatingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	ops := m.compensating[op.TransactionID]
	for i, existing := range ops {
		if existing.ID == op.ID {
			ops[i] = &cp
			return nil
		}
	}
	m.compensating[op.TransactionID] = append(ops, &cp)
	return nil
}

func (m *Memory) QueryCompensatingOperations(ctx context.Context, txnID string) ([]*domain.CompensatingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.compensating[txnID]
	out := make([]*domain.CompensatingOperation, len(ops))
	for i, op := range ops {
		cp := *op
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) SaveDeadLetterEntry(ctx context.Context, e *domain.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.dlq[e.TransactionID] = &cp
	return nil
}

func (m *Memory) GetDeadLetterEntry(ctx context.Context, txnID string) (*domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[txnID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) DeleteDeadLetterEntry(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dlq, txnID)
	return nil
}

func (m *Memory) QueryAllDeadLetterEntries(ctx context.Context) ([]*domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.DeadLetterEntry, 0, len(m.dlq))
	for _, e := range m.dlq {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveRetryEntry(ctx context.Context, e *domain.RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.retries[e.TransactionID] = &cp
	return nil
}

func (m *Memory) DeleteRetryEntry(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, txnID)
	return nil
}

func (m *Memory) QueryAllRetryEntries(ctx context.Context) ([]*domain.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.RetryEntry, 0, len(m.retries))
	for _, e := range m.retries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
