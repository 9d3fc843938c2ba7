package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	byIntent   map[string]string // payment intent id -> account id
	milestones map[string][]*Milestone
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		byIntent:   make(map[string]string),
		milestones: make(map[string][]*Milestone),
	}
}

func (m *MemoryStore) Create(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One live account per job, matching the partial unique index the
	// Postgres store relies on. Failed accounts do not block re-funding.
	for _, existing := range m.accounts {
		if existing.JobID == account.JobID && existing.Status != StatusFailed {
			return ErrAlreadyFunded
		}
	}

	cp := *account
	m.accounts[account.ID] = &cp
	m.byIntent[account.PaymentIntentID] = account.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIntent[paymentIntentID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) GetByDispute(ctx context.Context, disputeID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, account := range m.accounts {
		if account.DisputeID == disputeID {
			cp := *account
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) Update(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; !ok {
		return ErrAccountNotFound
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, account := range m.accounts {
		if account.ClientID == clientID {
			cp := *account
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

func (m *MemoryStore) ActiveByJob(ctx context.Context, jobID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, account := range m.accounts {
		if account.JobID == jobID && account.Status != StatusFailed {
			cp := *account
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) CreateMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ms
	m.milestones[ms.AccountID] = append(m.milestones[ms.AccountID], &cp)
	return nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, accountID, milestoneID string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ms := range m.milestones[accountID] {
		if ms.ID == milestoneID {
			cp := *ms
			return &cp, nil
		}
	}
	return nil, ErrMilestoneNotFound
}

func (m *MemoryStore) UpdateMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.milestones[ms.AccountID] {
		if existing.ID == ms.ID {
			cp := *ms
			m.milestones[ms.AccountID][i] = &cp
			return nil
		}
	}
	return ErrMilestoneNotFound
}

func (m *MemoryStore) ListMilestones(ctx context.Context, accountID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.milestones[accountID]
	result := make([]*Milestone, len(list))
	for i, ms := range list {
		cp := *ms
		result[i] = &cp
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
