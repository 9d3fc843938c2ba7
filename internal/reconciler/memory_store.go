package reconciler

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory processed-event log for tests and
// single-node development.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*ProcessedEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*ProcessedEvent)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Claim(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[eventID]; ok {
		if existing.Status != StatusFailed {
			return ErrDuplicateEvent
		}
	}
	m.events[eventID] = &ProcessedEvent{
		EventID:   eventID,
		EventType: eventType,
		Status:    StatusClaimed,
		ClaimedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, eventID, result string) error {
	return m.finalize(eventID, StatusProcessed, result, "")
}

func (m *MemoryStore) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	return m.finalize(eventID, StatusFailed, "", errMsg)
}

func (m *MemoryStore) finalize(eventID, status, result, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now()
	ev.Status = status
	ev.Result = result
	ev.ErrorMessage = errMsg
	ev.ProcessedAt = &now
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}
