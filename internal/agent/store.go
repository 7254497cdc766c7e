package agent

import (
	"context"
	"sort"
	"sync"
)

// Store persists agents. Update must apply fn atomically with respect to
// other writers of the same record; fn sees the current state and any error
// it returns aborts the write.
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	ListByStatus(ctx context.Context, status Status) ([]*Agent, error)
	Update(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	byHostname map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*Agent),
		byHostname: make(map[string]string),
	}
}

// Create stores a new agent. Hostnames are unique.
func (s *MemoryStore) Create(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHostname[a.Hostname]; exists {
		return ErrAlreadyExists
	}
	if _, exists := s.agents[a.ID]; exists {
		return ErrAlreadyExists
	}

	s.agents[a.ID] = a.Clone()
	s.byHostname[a.Hostname] = a.ID
	return nil
}

// Get returns a copy of the agent with the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// List returns every agent ordered by registration time.
func (s *MemoryStore) List(_ context.Context) ([]*Agent, error) {
	return s.collect(func(*Agent) bool { return true }), nil
}

// ListByStatus returns agents in the given status.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Agent, error) {
	return s.collect(func(a *Agent) bool { return a.Status == status }), nil
}

// Update applies fn to the stored agent under the write lock.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Hostname = current.Hostname

	s.agents[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) collect(keep func(*Agent) bool) []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
