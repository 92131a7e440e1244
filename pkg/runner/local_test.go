package runner

import (
	"context"
	"testing"
	"time"
)

func TestLocalRunnerExecutesTask(t *testing.T) {
	done := make(chan *Task, 1)
	r := NewLocalRunner(time.Minute, func(_ context.Context, task *Task) {
		done <- task
	})

	handle, err := r.Submit(context.Background(), &Task{ModelID: "m1", Kind: "train"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle == "" {
		t.Fatal("submit returned empty handle")
	}

	select {
	case task := <-done:
		if task.ModelID != "m1" || task.Handle != handle {
			t.Fatalf("executor received %+v", task)
		}
	case <-time.After(time.Second):
		t.Fatal("task never executed")
	}

	r.Wait()
	handles, err := r.ActiveHandles(context.Background())
	if err != nil {
		t.Fatalf("active handles: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("handles still active after completion: %v", handles)
	}
}

func TestLocalRunnerTerminateCancelsContext(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan error, 1)
	r := NewLocalRunner(time.Minute, func(ctx context.Context, _ *Task) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
	})

	handle, err := r.Submit(context.Background(), &Task{ModelID: "m1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	active, err := r.ActiveHandles(context.Background())
	if err != nil {
		t.Fatalf("active handles: %v", err)
	}
	if len(active) != 1 || active[0] != handle {
		t.Fatalf("active handles = %v, want [%s]", active, handle)
	}

	if err := r.Terminate(context.Background(), handle); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case err := <-stopped:
		if err != context.Canceled {
			t.Fatalf("ctx.Err() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("terminate did not cancel the task context")
	}

	// Terminating an unknown handle is a harmless no-op.
	if err := r.Terminate(context.Background(), "missing"); err != nil {
		t.Fatalf("terminate unknown handle: %v", err)
	}
}

func TestLocalRunnerTimeoutExpiresTask(t *testing.T) {
	stopped := make(chan error, 1)
	r := NewLocalRunner(20*time.Millisecond, func(ctx context.Context, _ *Task) {
		<-ctx.Done()
		stopped <- ctx.Err()
	})

	if _, err := r.Submit(context.Background(), &Task{ModelID: "m1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case err := <-stopped:
		if err != context.DeadlineExceeded {
			t.Fatalf("ctx.Err() = %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task context never expired")
	}
}
