package checkpoint

import (
	"context"
	"sync"

	"github.com/mikeboe/product-recommender/pkg/agent"
)

// MemoryStore keeps checkpoints in process memory. State is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*agent.ConversationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*agent.ConversationState)}
}

func (m *MemoryStore) Load(_ context.Context, threadID string) (*agent.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[threadID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, threadID string, state *agent.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[threadID] = state.Clone()
	return nil
}
