package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists jobs. Implementations must keep the one-active-job-per-model
// invariant: GetOrCreate attaches to an existing non-terminal job instead of
// inserting a second one.
type Store interface {
	GetOrCreate(ctx context.Context, modelID string, kind Kind, handle string) (*Job, bool, error)
	Get(ctx context.Context, id string) (*Job, error)
	Active(ctx context.Context, modelID string) (*Job, error)
	Latest(ctx context.Context, modelID string) (*Job, error)
	ListForModel(ctx context.Context, modelID string) ([]*Job, error)
	ListUnfinished(ctx context.Context, olderThan time.Time) ([]*Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	UpdateIf(ctx context.Context, id string, from []Status, fn func(*Job) error) (*Job, error)
}

// MemStore is an in-memory Store for tests and single-process setups.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Job
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Job)}
}

func (s *MemStore) GetOrCreate(_ context.Context, modelID string, kind Kind, handle string) (*Job, bool, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, false, fmt.Errorf("model id is required")
	}
	if kind == "" {
		kind = KindTrain
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.items {
		if j.ModelID != modelID || !j.Active() {
			continue
		}
		if handle != "" && j.TaskHandle != handle {
			j.TaskHandle = handle
			j.UpdatedAt = time.Now().UTC()
		}
		return cloneJob(j), false, nil
	}

	now := time.Now().UTC()
	j := &Job{
		ID:         uuid.NewString(),
		ModelID:    modelID,
		Kind:       kind,
		TaskHandle: handle,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.items[j.ID] = j
	return cloneJob(j), true, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemStore) Active(_ context.Context, modelID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.items {
		if j.ModelID == modelID && j.Active() {
			return cloneJob(j), nil
		}
	}
	return nil, ErrNoActiveJob
}

func (s *MemStore) Latest(_ context.Context, modelID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Job
	for _, j := range s.items {
		if j.ModelID != modelID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) ||
			(j.CreatedAt.Equal(latest.CreatedAt) && j.ID < latest.ID) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneJob(latest), nil
}

func (s *MemStore) ListForModel(_ context.Context, modelID string) ([]*Job, error) {
	s.mu.RLock()
	out := make([]*Job, 0, 4)
	for _, j := range s.items {
		if j.ModelID == modelID {
			out = append(out, cloneJob(j))
		}
	}
	s.mu.RUnlock()

	sortJobs(out)
	return out, nil
}

func (s *MemStore) ListUnfinished(_ context.Context, olderThan time.Time) ([]*Job, error) {
	s.mu.RLock()
	out := make([]*Job, 0, 4)
	for _, j := range s.items {
		if j.Active() && j.CreatedAt.Before(olderThan) {
			out = append(out, cloneJob(j))
		}
	}
	s.mu.RUnlock()

	sortJobs(out)
	return out, nil
}

func (s *MemStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	return s.UpdateIf(ctx, id, nil, fn)
}

func (s *MemStore) UpdateIf(_ context.Context, id string, from []Status, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(from) > 0 && !statusIn(j.Status, from) {
		return nil, ErrConflict
	}

	next := cloneJob(j)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = j.ID
	next.ModelID = j.ModelID
	next.CreatedAt = j.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.items[id] = next
	return cloneJob(next), nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func cloneJob(j *Job) *Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
