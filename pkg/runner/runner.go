package runner

import (
	"context"
	"time"
)

// DefaultTaskTimeout is the hard wall-clock ceiling for one task. Tasks
// running past it are terminated and left for the reclamation sweep.
const DefaultTaskTimeout = 2 * time.Hour

// Task is one queued unit of training or optimization work.
type Task struct {
	Handle     string         `json:"handle"`
	JobID      string         `json:"job_id,omitempty"`
	ModelID    string         `json:"model_id"`
	Kind       string         `json:"kind"`
	Params     map[string]any `json:"params,omitempty"`
	Trials     int            `json:"trials,omitempty"`
	Metric     string         `json:"metric,omitempty"`
	EnqueuedAt int64          `json:"enqueued_at"`
}

// Runner submits work to an execution backend and controls it through opaque
// handles. ActiveHandles may be best-effort; Terminate is a signal, not a
// guarantee.
type Runner interface {
	Submit(ctx context.Context, task *Task) (string, error)
	ActiveHandles(ctx context.Context) ([]string, error)
	Terminate(ctx context.Context, handle string) error
}
