package directory

import (
	"context"
	"sync"

	"github.com/warp/cashwire/core"
)

// Memory is an in-memory UserDirectory for tests and for wiring the
// core against a fixed roster.
type Memory struct {
	mu    sync.RWMutex
	users map[string]core.User
}

func NewMemory(users ...core.User) *Memory {
	m := &Memory{users: make(map[string]core.User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *Memory) Lookup(_ context.Context, userID string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// Put inserts or replaces a user.
func (m *Memory) Put(u core.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SetActive flips a user's active flag.
func (m *Memory) SetActive(userID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Active = active
		m.users[userID] = u
	}
}
