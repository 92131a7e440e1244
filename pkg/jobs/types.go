package jobs

import (
	"errors"
	"time"
)

// Kind distinguishes what a job is running.
type Kind string

const (
	KindTrain    Kind = "train"
	KindOptimize Kind = "optimize"
)

// Status represents the lifecycle state of a training job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrNoActiveJob is returned when a model has no pending or running job.
	ErrNoActiveJob = errors.New("no active job")
	// ErrConflict is returned when an update's status precondition no longer
	// holds, usually because a cancel and a completion raced.
	ErrConflict = errors.New("job status conflict")
)

// Job is one training or optimization run for a model. At most one
// non-terminal job exists per model; finished jobs remain as history.
type Job struct {
	ID         string `json:"id"`
	ModelID    string `json:"model_id"`
	Kind       Kind   `json:"kind"`
	TaskHandle string `json:"task_handle,omitempty"`
	Status     Status `json:"status"`

	Progress        float64 `json:"progress_percentage"`
	CurrentEpoch    int     `json:"current_epoch"`
	TotalEpochs     int     `json:"total_epochs"`
	CurrentLoss     float64 `json:"current_loss"`
	CurrentAccuracy float64 `json:"current_accuracy"`

	// Optimization outcome, set only on completed jobs of kind optimize.
	BestValue float64 `json:"best_value,omitempty"`
	Trials    int     `json:"trials,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Trace        string `json:"traceback,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the job still occupies the model's training slot.
func (j *Job) Active() bool {
	return !j.Status.Terminal()
}
