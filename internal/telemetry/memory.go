package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process SampleStore.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]*Sample
	byKey   map[string]string
	byAgent map[string][]*Sample
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[string]*Sample),
		byKey:   make(map[string]string),
		byAgent: make(map[string][]*Sample),
	}
}

// Save stores s unless its DedupKey has been seen.
func (m *MemoryStore) Save(_ context.Context, s *Sample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.DedupKey != "" {
		if _, seen := m.byKey[s.DedupKey]; seen {
			return false, nil
		}
		m.byKey[s.DedupKey] = s.ID
	}

	c := *s
	m.samples[s.ID] = &c
	if s.AgentID != "" {
		m.byAgent[s.AgentID] = append(m.byAgent[s.AgentID], &c)
	}
	return true, nil
}

// Get returns the sample with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.samples[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// History returns the agent's samples in [from, to] ordered by ReceivedAt.
func (m *MemoryStore) History(_ context.Context, agentID string, from, to time.Time) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Sample
	for _, s := range m.byAgent[agentID] {
		if !from.IsZero() && s.ReceivedAt.Before(from) {
			continue
		}
		if !to.IsZero() && s.ReceivedAt.After(to) {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

// Len returns the number of stored samples.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}
