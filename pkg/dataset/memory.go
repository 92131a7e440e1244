package dataset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemProvider is a threadsafe in-memory provider for tests and single-node
// bootstrapping.
type MemProvider struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
	samples  map[string][]Sample
}

// NewMemProvider returns an empty provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{
		datasets: map[string]*Dataset{},
		samples:  map[string][]Sample{},
	}
}

// Add stores a dataset with its samples, deriving counts and distribution.
// A missing ID is assigned.
func (m *MemProvider) Add(ds Dataset, samples []Sample) *Dataset {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	ds.TotalSamples = len(samples)
	ds.Domains, ds.DomainDistribution = computeStats(ds.Domains, samples)

	kept := make([]Sample, len(samples))
	copy(kept, samples)
	for i := range kept {
		if kept[i].ID == "" {
			kept[i].ID = uuid.NewString()
		}
		kept[i].DatasetID = ds.ID
	}

	m.datasets[ds.ID] = &ds
	m.samples[ds.ID] = kept
	return &ds
}

func (m *MemProvider) Dataset(_ context.Context, id string) (*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *ds
	return &out, nil
}

func (m *MemProvider) Samples(_ context.Context, id string) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples, ok := m.samples[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Sample, len(samples))
	copy(out, samples)
	return out, nil
}

// List returns every stored dataset, newest first.
func (m *MemProvider) List(_ context.Context) ([]Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Dataset, 0, len(m.datasets))
	for _, ds := range m.datasets {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ Provider = (*MemProvider)(nil)
