package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryStore keeps locks in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Create stores key when absent or expired.
func (m *MemoryStore) Create(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.entries[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete removes key when it still holds token.
func (m *MemoryStore) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.token != token || !m.now().Before(e.expires) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}
