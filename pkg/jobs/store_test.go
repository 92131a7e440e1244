package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetOrCreateAttachesToActiveJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	first, created, err := store.GetOrCreate(ctx, "model-1", KindTrain, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected a new job")
	}
	if first.Status != StatusPending {
		t.Fatalf("new job status = %q, want pending", first.Status)
	}

	second, created, err := store.GetOrCreate(ctx, "model-1", KindTrain, "task-9")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if created {
		t.Fatalf("expected attach to existing job, got a second one")
	}
	if second.ID != first.ID {
		t.Fatalf("attached to %s, want %s", second.ID, first.ID)
	}
	if second.TaskHandle != "task-9" {
		t.Fatalf("task handle = %q, want task-9", second.TaskHandle)
	}

	if _, err := store.Update(ctx, first.ID, func(j *Job) error {
		j.Status = StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	third, created, err := store.GetOrCreate(ctx, "model-1", KindTrain, "")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !created {
		t.Fatalf("terminal job should free the slot")
	}
	if third.ID == first.ID {
		t.Fatalf("expected a fresh job after completion")
	}
}

func TestUpdateIfGuardsStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	job, _, err := store.GetOrCreate(ctx, "model-1", KindTrain, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = store.UpdateIf(ctx, job.ID, ActiveStatuses, func(j *Job) error {
		j.Status = StatusCompleted
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %q, cancelled write must not be clobbered", got.Status)
	}

	if _, err := store.UpdateIf(ctx, "missing", nil, func(*Job) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	job, _, err := store.GetOrCreate(ctx, "model-1", KindTrain, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.Update(ctx, job.ID, func(j *Job) error {
		j.ID = "hijacked"
		j.ModelID = "other"
		j.Progress = 40
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != job.ID || updated.ModelID != "model-1" {
		t.Fatalf("identity fields must be immutable, got id=%s model=%s", updated.ID, updated.ModelID)
	}
	if updated.Progress != 40 {
		t.Fatalf("progress = %v, want 40", updated.Progress)
	}
	if !updated.UpdatedAt.After(job.UpdatedAt) && !updated.UpdatedAt.Equal(job.UpdatedAt) {
		t.Fatalf("updated_at went backwards")
	}
}

func TestActiveAndLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	if _, err := store.Active(ctx, "model-1"); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("empty active err = %v, want ErrNoActiveJob", err)
	}
	if _, err := store.Latest(ctx, "model-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty latest err = %v, want ErrNotFound", err)
	}

	first, _, err := store.GetOrCreate(ctx, "model-1", KindTrain, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, first.ID, func(j *Job) error {
		j.Status = StatusFailed
		return nil
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	second, _, err := store.GetOrCreate(ctx, "model-1", KindOptimize, "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	active, err := store.Active(ctx, "model-1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active = %s, want %s", active.ID, second.ID)
	}

	latest, err := store.Latest(ctx, "model-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest = %s, want %s", latest.ID, second.ID)
	}

	history, err := store.ListForModel(ctx, "model-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 || history[0].ID != second.ID {
		t.Fatalf("history should be newest first, got %d entries", len(history))
	}
}

func TestListUnfinishedHonoursCutoff(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	stale, _, err := store.GetOrCreate(ctx, "model-a", KindTrain, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	finished, _, err := store.GetOrCreate(ctx, "model-b", KindTrain, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, finished.ID, func(j *Job) error {
		j.Status = StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)

	if _, _, err := store.GetOrCreate(ctx, "model-c", KindTrain, ""); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	unfinished, err := store.ListUnfinished(ctx, cutoff)
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(unfinished) != 1 || unfinished[0].ID != stale.ID {
		t.Fatalf("unfinished = %d jobs, want only the stale one", len(unfinished))
	}
}
