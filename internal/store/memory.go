package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ripple/cdr-openehr/internal/cache"
)

// Memory is a process-local Store, used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	mappings map[string]cache.Mapping
	statuses map[string]Status
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		mappings: make(map[string]cache.Mapping),
		statuses: make(map[string]Status),
		now:      time.Now,
	}
}

func (m *Memory) SaveMapping(_ context.Context, mp cache.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mp.DiscoverySourceID] = mp
	return nil
}

func (m *Memory) DeleteMapping(_ context.Context, discoverySourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, discoverySourceID)
	return nil
}

func (m *Memory) ListMappings(_ context.Context, patientID string) ([]cache.Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []cache.Mapping
	for _, mp := range m.mappings {
		if patientID == "" || mp.PatientID == patientID {
			out = append(out, mp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoverySourceID < out[j].DiscoverySourceID })
	return out, nil
}

func (m *Memory) GetStatus(_ context.Context, patientID string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) SaveStatus(_ context.Context, s *Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = m.now()
	m.statuses[s.PatientID] = cp
	return nil
}

func (m *Memory) DeleteStatus(_ context.Context, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, patientID)
	return nil
}
