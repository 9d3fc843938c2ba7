package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	txs   map[string]*Transaction
	byRef map[string]string // external ref -> transaction id
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:   make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(tx)
}

func (m *MemoryStore) CreateCommitted(ctx context.Context, tx *Transaction, cap int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pending rows count: a concurrent outflow that has not yet been
	// confirmed by the gateway still reserves its amount.
	var outflow int64
	for _, t := range m.txs {
		if t.AccountID == tx.AccountID && t.Outflow() && t.Status != StatusFailed {
			outflow += t.Amount
		}
	}
	if outflow+tx.Amount > cap {
		return ErrCapExceeded
	}
	return m.insert(tx)
}

// insert assumes m.mu is held.
func (m *MemoryStore) insert(tx *Transaction) error {
	if tx.ExternalRef != "" {
		if _, exists := m.byRef[tx.ExternalRef]; exists {
			return ErrDuplicateReference
		}
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	if tx.ExternalRef != "" {
		m.byRef[tx.ExternalRef] = tx.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByExternalRef(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status == status {
		return nil
	}
	if tx.Status != StatusPending {
		return ErrAlreadyResolved
	}
	tx.Status = status
	tx.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetExternalRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if existing, taken := m.byRef[ref]; taken && existing != id {
		return ErrDuplicateReference
	}
	if tx.ExternalRef != "" {
		delete(m.byRef, tx.ExternalRef)
	}
	tx.ExternalRef = ref
	tx.UpdatedAt = time.Now()
	m.byRef[ref] = id
	return nil
}

func (m *MemoryStore) OutflowTotal(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, t := range m.txs {
		if t.AccountID == accountID && t.Outflow() && t.Status != StatusFailed {
			total += t.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) CompletedTotal(ctx context.Context, accountID string, typ Type) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, t := range m.txs {
		if t.AccountID == accountID && t.Type == typ && t.Status == StatusCompleted {
			total += t.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.AccountID == accountID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
