package flow

import (
	"context"
	"log/slog"
	"sync"
)

// Compile-time check that MemoryStateStore implements StateStore.
var _ StateStore = (*MemoryStateStore)(nil)

// MemoryStateStore keeps conversation states in process memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*ConversationState
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*ConversationState)}
}

func (m *MemoryStateStore) Get(_ context.Context, userID string) (*ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[userID].Clone(), nil
}

func (m *MemoryStateStore) Put(_ context.Context, st *ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if existing, ok := m.states[st.UserID]; ok {
		current = existing.Version
	}
	if current != st.Version {
		slog.Debug("MemoryStateStore.Put: version conflict", "userID", st.UserID, "expected", st.Version, "current", current)
		return ErrStateConflict
	}
	st.Version++
	m.states[st.UserID] = st.Clone()
	return nil
}

func (m *MemoryStateStore) Remove(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}

func (m *MemoryStateStore) RemoveIfVersion(_ context.Context, userID string, version int64) (*ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.states[userID]
	if !ok || existing.Version != version {
		return nil, nil
	}
	delete(m.states, userID)
	return existing, nil
}

func (m *MemoryStateStore) List(_ context.Context) ([]ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConversationState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st.Clone())
	}
	return out, nil
}
