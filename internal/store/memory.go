package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// NewMemoryStore returns a Store that keeps results in process memory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

type MemoryStore struct {
	mu      sync.RWMutex
	results []types.AggregatedResult
	saveErr error
}

// SetSaveError makes subsequent Save and Ping calls fail with err. Nil restores
// normal behaviour.
func (m *MemoryStore) SetSaveError(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

func (m *MemoryStore) Save(ctx context.Context, res types.AggregatedResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	res = rounded(res)
	res.Probes = nil
	m.results = append(m.results, res)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]types.AggregatedResult, error) {
	f = f.Normalize()

	m.mu.RLock()
	matched := make([]types.AggregatedResult, 0, len(m.results))
	for _, r := range m.results {
		if f.Matches(r) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if f.Offset >= len(matched) {
		return []types.AggregatedResult{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveErr
}

func (m *MemoryStore) Close() error { return nil }
