package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medlit/classify/backend/pkg/classifier"
)

var (
	// ErrNotFound is returned when a model id does not exist.
	ErrNotFound = errors.New("model not found")
	// ErrComparisonNotFound is returned when a comparison id does not exist.
	ErrComparisonNotFound = errors.New("comparison not found")
)

// Store persists models, prediction results and model comparisons.
type Store interface {
	CreateModel(ctx context.Context, in CreateModelInput) (*Model, error)
	GetModel(ctx context.Context, id string) (*Model, error)
	ListModels(ctx context.Context, opts QueryOptions) ([]*Model, error)
	UpdateModel(ctx context.Context, id string, fn func(*Model) error) (*Model, error)
	DeleteModel(ctx context.Context, id string) error

	SaveResult(ctx context.Context, r *Result) (*Result, error)
	ListResults(ctx context.Context, modelID string, limit int) ([]*Result, error)

	SaveComparison(ctx context.Context, c *Comparison) (*Comparison, error)
	GetComparison(ctx context.Context, id string) (*Comparison, error)
	ListComparisons(ctx context.Context) ([]*Comparison, error)
}

// MemStore is an in-memory Store for tests and single-process setups.
type MemStore struct {
	mu          sync.RWMutex
	models      map[string]*Model
	results     map[string][]*Result
	comparisons map[string]*Comparison
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		models:      make(map[string]*Model),
		results:     make(map[string][]*Result),
		comparisons: make(map[string]*Comparison),
	}
}

func (s *MemStore) CreateModel(_ context.Context, in CreateModelInput) (*Model, error) {
	family, err := in.validate()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &Model{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Family:      family,
		DatasetID:   in.DatasetID,
		Config:      classifier.Config(in.Config),
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.models[m.ID] = cloneModel(m)
	s.mu.Unlock()
	return m, nil
}

func (s *MemStore) GetModel(_ context.Context, id string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneModel(m), nil
}

func (s *MemStore) ListModels(_ context.Context, opts QueryOptions) ([]*Model, error) {
	s.mu.RLock()
	all := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		if !matchesQuery(m, opts) {
			continue
		}
		all = append(all, cloneModel(m))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return page(all, opts.Offset, opts.Limit), nil
}

func (s *MemStore) UpdateModel(_ context.Context, id string, fn func(*Model) error) (*Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneModel(m)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = m.ID
	next.CreatedAt = m.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.models[id] = next
	return cloneModel(next), nil
}

func (s *MemStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return ErrNotFound
	}
	delete(s.models, id)
	delete(s.results, id)
	return nil
}

func (s *MemStore) SaveResult(_ context.Context, r *Result) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[r.ModelID]; !ok {
		return nil, ErrNotFound
	}
	saved := *r
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}
	s.results[r.ModelID] = append(s.results[r.ModelID], &saved)
	out := saved
	return &out, nil
}

func (s *MemStore) ListResults(_ context.Context, modelID string, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.models[modelID]; !ok {
		return nil, ErrNotFound
	}
	stored := s.results[modelID]
	out := make([]*Result, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		r := *stored[i]
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemStore) SaveComparison(_ context.Context, c *Comparison) (*Comparison, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *c
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}
	s.comparisons[saved.ID] = &saved
	out := saved
	return &out, nil
}

func (s *MemStore) GetComparison(_ context.Context, id string) (*Comparison, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comparisons[id]
	if !ok {
		return nil, ErrComparisonNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemStore) ListComparisons(_ context.Context) ([]*Comparison, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Comparison, 0, len(s.comparisons))
	for _, c := range s.comparisons {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchesQuery(m *Model, opts QueryOptions) bool {
	if len(opts.Status) > 0 && !containsStatus(opts.Status, m.Status) {
		return false
	}
	if len(opts.Family) > 0 && !containsFamily(opts.Family, m.Family) {
		return false
	}
	return true
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsFamily(set []classifier.Family, f classifier.Family) bool {
	for _, v := range set {
		if v == f {
			return true
		}
	}
	return false
}

func page(items []*Model, offset, limit int) []*Model {
	if offset >= len(items) {
		return []*Model{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneModel(m *Model) *Model {
	out := *m
	if m.Config != nil {
		out.Config = make(classifier.Config, len(m.Config))
		for k, v := range m.Config {
			out.Config[k] = v
		}
	}
	if m.Metrics != nil {
		metrics := *m.Metrics
		out.Metrics = &metrics
	}
	if m.TrainingStartedAt != nil {
		t := *m.TrainingStartedAt
		out.TrainingStartedAt = &t
	}
	if m.TrainingCompletedAt != nil {
		t := *m.TrainingCompletedAt
		out.TrainingCompletedAt = &t
	}
	return &out
}
