package nonceguard

import (
	"context"
	"sync"

	"e2e_core/internal/model"
)

// Memory keeps records in a map. It is the guard used by tests and by clients
// that run without Redis or a data directory.
type Memory struct {
	mu   sync.RWMutex
	used map[record]struct{}
}

var _ Guard = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{used: make(map[record]struct{})}
}

func (m *Memory) HasBeenUsed(_ context.Context, sender model.Identity, nonce model.Nonce) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.used[newRecord(sender, nonce)]
	return ok, nil
}

func (m *Memory) MarkUsed(_ context.Context, sender model.Identity, nonce model.Nonce) (bool, error) {
	r := newRecord(sender, nonce)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[r]; ok {
		return false, nil
	}
	m.used[r] = struct{}{}
	return true, nil
}

func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.used)
}
