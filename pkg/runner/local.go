package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor runs one task to completion, honouring ctx cancellation.
type Executor func(ctx context.Context, task *Task)

// LocalRunner executes tasks in-process, one goroutine per task. It exists
// for single-binary deployments and tests; handles map to live goroutines.
type LocalRunner struct {
	mu      sync.Mutex
	exec    Executor
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
	timeout time.Duration
}

var _ Runner = (*LocalRunner)(nil)

func NewLocalRunner(timeout time.Duration, exec Executor) *LocalRunner {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &LocalRunner{
		exec:    exec,
		active:  make(map[string]context.CancelFunc),
		timeout: timeout,
	}
}

// Submit starts the task on its own goroutine. The task outlives the
// submitting request, so it runs under a fresh deadline context rather than
// the caller's.
func (r *LocalRunner) Submit(_ context.Context, task *Task) (string, error) {
	if task.Handle == "" {
		task.Handle = uuid.NewString()
	}
	task.EnqueuedAt = time.Now().Unix()

	runCtx, cancel := context.WithTimeout(context.Background(), r.timeout)

	r.mu.Lock()
	r.active[task.Handle] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(task.Handle)
		r.exec(runCtx, task)
	}()

	return task.Handle, nil
}

func (r *LocalRunner) finish(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.active[handle]; ok {
		cancel()
		delete(r.active, handle)
	}
}

func (r *LocalRunner) ActiveHandles(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]string, 0, len(r.active))
	for handle := range r.active {
		handles = append(handles, handle)
	}
	sort.Strings(handles)
	return handles, nil
}

// Terminate cancels the handle's context. Unknown handles are a no-op; the
// signal is best-effort by contract.
func (r *LocalRunner) Terminate(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.active[handle]; ok {
		cancel()
	}
	return nil
}

// Wait blocks until every submitted task has returned.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}
