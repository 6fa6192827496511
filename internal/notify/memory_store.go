package notify

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items []*Notification
	byID  map[string]*Notification
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Notification)}
}

func (m *MemoryStore) Append(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.items = append(m.items, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

// ListPending returns pending notifications, oldest first.
func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.items {
		if n.Status != StatusPending {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if n.Status == StatusSent {
		return nil
	}
	n.Status = StatusSent
	n.SentAt = &at
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if n.Status == StatusPending {
		n.Status = StatusFailed
	}
	return nil
}

// All returns every notification for userID in append order.
func (m *MemoryStore) All(userID string) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.items {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}
