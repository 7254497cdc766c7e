package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

// Save stores a copy of a.
func (m *MemoryStore) Save(_ context.Context, a *Alert) error {
	if a.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *a
	m.alerts[a.ID] = &c
	return nil
}

// Get returns the alert with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// List returns alerts matching f, newest first.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Matches(a) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateStatus sets the triage status of an alert.
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) (*Alert, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Status = status
	c := *a
	return &c, nil
}

// Stats counts alerts by severity and status.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := NewStats()
	for _, a := range m.alerts {
		s.Total++
		s.BySeverity[a.Severity]++
		s.ByStatus[a.Status]++
	}
	return s, nil
}
