package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medlit/classify/backend/pkg/registry"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Info(string, ...any) {}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func runningJob(t *testing.T, models *registry.MemStore, jobs *MemStore, handle string) (*registry.Model, *Job) {
	t.Helper()
	ctx := context.Background()

	model, err := models.CreateModel(ctx, registry.CreateModelInput{
		Name:      "sweep-" + handle,
		Family:    "feature-based",
		DatasetID: "ds-1",
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if _, err := models.UpdateModel(ctx, model.ID, func(m *registry.Model) error {
		m.Status = registry.StatusTraining
		return nil
	}); err != nil {
		t.Fatalf("mark training: %v", err)
	}

	job, _, err := jobs.GetOrCreate(ctx, model.ID, KindTrain, handle)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err = jobs.Update(ctx, job.ID, func(j *Job) error {
		j.Status = StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	return model, job
}

func TestSweepReclaimsOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	models := registry.NewMemStore()
	jobs := NewMemStore()

	orphanModel, orphanJob := runningJob(t, models, jobs, "gone")
	liveModel, liveJob := runningJob(t, models, jobs, "alive")

	backend := &fakeBackend{active: []string{"alive"}}
	sw := NewSweeper(jobs, models, backend, StuckAfter(0))

	time.Sleep(2 * time.Millisecond)
	reclaimed, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	swept, err := jobs.Get(ctx, orphanJob.ID)
	if err != nil {
		t.Fatalf("get orphan: %v", err)
	}
	if swept.Status != StatusFailed || swept.ErrorMessage != reclaimMessage {
		t.Fatalf("orphan = status %q message %q", swept.Status, swept.ErrorMessage)
	}
	if swept.CompletedAt == nil {
		t.Fatalf("reclaimed job needs a completion timestamp")
	}

	gotModel, err := models.GetModel(ctx, orphanModel.ID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if gotModel.Status != registry.StatusFailed || gotModel.LastError != reclaimMessage {
		t.Fatalf("orphan model = status %q error %q", gotModel.Status, gotModel.LastError)
	}

	untouched, err := jobs.Get(ctx, liveJob.ID)
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if untouched.Status != StatusRunning {
		t.Fatalf("live job status = %q, an active handle must be spared", untouched.Status)
	}
	liveGot, err := models.GetModel(ctx, liveModel.ID)
	if err != nil {
		t.Fatalf("get live model: %v", err)
	}
	if liveGot.Status != registry.StatusTraining {
		t.Fatalf("live model status = %q, want training", liveGot.Status)
	}
}

func TestSweepDegradesToAgeWhenBackendUnavailable(t *testing.T) {
	ctx := context.Background()
	models := registry.NewMemStore()
	jobs := NewMemStore()

	_, job := runningJob(t, models, jobs, "alive")

	logger := &recordingLogger{}
	backend := &fakeBackend{active: []string{"alive"}, activeErr: errors.New("redis unreachable")}
	sw := NewSweeper(jobs, models, backend, StuckAfter(0), SweepLogger(logger))

	time.Sleep(2 * time.Millisecond)
	reclaimed, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1 via age-only fallback", reclaimed)
	}

	swept, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if swept.Status != StatusFailed {
		t.Fatalf("job status = %q, want failed", swept.Status)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errs) == 0 {
		t.Fatalf("degraded sweep must be logged")
	}
}

func TestSweepSparesFreshJobs(t *testing.T) {
	ctx := context.Background()
	models := registry.NewMemStore()
	jobs := NewMemStore()

	_, job := runningJob(t, models, jobs, "")

	sw := NewSweeper(jobs, models, &fakeBackend{}, StuckAfter(time.Hour))
	reclaimed, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed = %d, want 0 for a job inside the threshold", reclaimed)
	}

	got, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("job status = %q, want running", got.Status)
	}
}

func TestWarnLongRunningLeavesJobsAlone(t *testing.T) {
	ctx := context.Background()
	models := registry.NewMemStore()
	jobs := NewMemStore()

	_, job := runningJob(t, models, jobs, "slow")

	logger := &recordingLogger{}
	sw := NewSweeper(jobs, models, &fakeBackend{}, WarnAfter(0), SweepLogger(logger))

	time.Sleep(2 * time.Millisecond)
	sw.WarnLongRunning(ctx)

	logger.mu.Lock()
	warns := len(logger.warns)
	logger.mu.Unlock()
	if warns != 1 {
		t.Fatalf("warns = %d, want 1", warns)
	}

	got, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("monitor must not mutate, job status = %q", got.Status)
	}
}
