package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nugget/statebridge/internal/conversation"
)

// MemoryStore keeps state in a map. States are cloned on the way in and
// out so callers never share memory with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*conversation.State
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*conversation.State)}
}

func (s *MemoryStore) Load(_ context.Context, threadID string) (*conversation.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.states[threadID]; ok {
		return st.Clone(), nil
	}
	return conversation.NewState(threadID), nil
}

func (s *MemoryStore) Commit(_ context.Context, state *conversation.State) error {
	if state == nil || state.ThreadID == "" {
		return errMissingThreadID
	}
	next := state.Clone()
	next.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ThreadID] = next
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, summarize(st))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func summarize(st *conversation.State) Summary {
	return Summary{
		ThreadID:     st.ThreadID,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
		MessageCount: len(st.Messages),
	}
}
