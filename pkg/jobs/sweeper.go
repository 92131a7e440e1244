package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/medlit/classify/backend/pkg/metrics"
	"github.com/medlit/classify/backend/pkg/registry"
)

const (
	// DefaultStuckAfter is how old an unfinished job must be before the
	// sweep considers reclaiming it.
	DefaultStuckAfter = 3 * time.Hour
	// DefaultWarnAfter is the age at which a still-running job is logged
	// as long-running without being touched.
	DefaultWarnAfter = time.Hour
	// DefaultSweepInterval is the period between sweeps.
	DefaultSweepInterval = 10 * time.Minute

	reclaimMessage = "training job was stuck or orphaned and was cleaned up automatically"
)

// Sweeper reclaims jobs whose worker died without reaching a terminal state.
// A job older than the stuck threshold whose task handle the execution
// backend no longer reports as active is marked failed, and its model with
// it. When the backend cannot be queried the sweep degrades to reclaiming by
// age alone rather than skipping.
type Sweeper struct {
	jobs    Store
	models  registry.Store
	backend TaskBackend
	logger  Logger

	stuckAfter time.Duration
	warnAfter  time.Duration
	interval   time.Duration
}

type SweeperOption func(*Sweeper)

func SweepEvery(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

func StuckAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.stuckAfter = d }
}

func WarnAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.warnAfter = d }
}

func SweepLogger(l Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func NewSweeper(jobs Store, models registry.Store, backend TaskBackend, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		jobs:       jobs,
		models:     models,
		backend:    backend,
		logger:     nopLogger{},
		stuckAfter: DefaultStuckAfter,
		warnAfter:  DefaultWarnAfter,
		interval:   DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.WarnLongRunning(ctx)
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce reclaims stuck jobs and returns how many it reclaimed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.stuckAfter)
	stale, err := s.jobs.ListUnfinished(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var active map[string]bool
	if s.backend != nil {
		handles, err := s.backend.ActiveHandles(ctx)
		if err != nil {
			s.logger.Error("active task query failed, reclaiming by age alone", "error", err)
		} else {
			active = make(map[string]bool, len(handles))
			for _, h := range handles {
				active[h] = true
			}
		}
	}

	reclaimed := 0
	for _, job := range stale {
		if active != nil && job.TaskHandle != "" && active[job.TaskHandle] {
			continue
		}
		if err := s.reclaim(ctx, job); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			s.logger.Error("reclaim job", "job", job.ID, "error", err)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (s *Sweeper) reclaim(ctx context.Context, job *Job) error {
	completedAt := time.Now().UTC()
	updated, err := s.jobs.UpdateIf(ctx, job.ID, ActiveStatuses, func(j *Job) error {
		j.Status = StatusFailed
		j.ErrorMessage = reclaimMessage
		j.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.models.UpdateModel(ctx, job.ModelID, func(m *registry.Model) error {
		m.Status = registry.StatusFailed
		m.LastError = reclaimMessage
		return nil
	}); err != nil {
		s.logger.Error("mark model failed after reclaim", "model", job.ModelID, "error", err)
	}

	metrics.JobReclaimed()
	metrics.JobFailed(string(updated.Kind))
	s.logger.Warn("reclaimed stuck job",
		"job", updated.ID, "model", updated.ModelID,
		"age", time.Since(updated.CreatedAt).Round(time.Second).String())
	return nil
}

// WarnLongRunning logs jobs that have been active past the warn threshold.
// It never mutates them; reclamation has its own, higher threshold.
func (s *Sweeper) WarnLongRunning(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.warnAfter)
	long, err := s.jobs.ListUnfinished(ctx, cutoff)
	if err != nil {
		s.logger.Error("list long-running jobs", "error", err)
		return
	}
	for _, job := range long {
		s.logger.Warn("job running longer than expected",
			"job", job.ID, "model", job.ModelID, "kind", string(job.Kind),
			"age", time.Since(job.CreatedAt).Round(time.Second).String())
	}
}
