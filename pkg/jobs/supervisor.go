package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medlit/classify/backend/pkg/classifier"
	"github.com/medlit/classify/backend/pkg/dataset"
	"github.com/medlit/classify/backend/pkg/hpo"
	"github.com/medlit/classify/backend/pkg/metrics"
	"github.com/medlit/classify/backend/pkg/progress"
	"github.com/medlit/classify/backend/pkg/registry"
)

const tracerName = "medlit/jobs"

// Logger is the subset of *slog.Logger the supervisor needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// TaskBackend is the slice of the execution backend the supervisor talks to:
// liveness of task handles for the reclamation sweep and best-effort
// termination for cancels.
type TaskBackend interface {
	ActiveHandles(ctx context.Context) ([]string, error)
	Terminate(ctx context.Context, handle string) error
}

// ArtifactSink stores trained model bundles.
type ArtifactSink interface {
	ModelPath(modelID string) string
	Mirror(ctx context.Context, path string) error
}

// TrainRequest identifies the model to train and carries per-run overrides
// that are merged over the model's stored hyperparameters.
type TrainRequest struct {
	ModelID string
	Handle  string
	Params  classifier.Config
}

// OptimizeRequest describes one hyperparameter search run.
type OptimizeRequest struct {
	ModelID string
	Handle  string
	Trials  int
	Metric  string
	Timeout time.Duration
	Seed    int64
}

// Supervisor drives jobs through their lifecycle. It is the only writer of
// job and model status during a run; callers observe through the stores and
// the progress channels, never through shared memory.
type Supervisor struct {
	models    registry.Store
	jobs      Store
	datasets  dataset.Provider
	artifacts ArtifactSink
	publisher progress.Publisher
	backend   TaskBackend
	optimizer *hpo.Engine
	generator classifier.Generator
	logger    Logger
}

type SupervisorOption func(*Supervisor)

func WithArtifacts(sink ArtifactSink) SupervisorOption {
	return func(s *Supervisor) { s.artifacts = sink }
}

func WithPublisher(p progress.Publisher) SupervisorOption {
	return func(s *Supervisor) { s.publisher = p }
}

func WithBackend(b TaskBackend) SupervisorOption {
	return func(s *Supervisor) { s.backend = b }
}

func WithOptimizer(e *hpo.Engine) SupervisorOption {
	return func(s *Supervisor) { s.optimizer = e }
}

// WithCompletionBackend wires the text-generation service used by the
// generative family. Without it that family trains against the offline
// heuristic backend.
func WithCompletionBackend(gen classifier.Generator) SupervisorOption {
	return func(s *Supervisor) { s.generator = gen }
}

func WithLogger(l Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

func NewSupervisor(models registry.Store, jobs Store, datasets dataset.Provider, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		models:   models,
		jobs:     jobs,
		datasets: datasets,
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunTraining drives one training job from creation to a terminal state. It
// runs inside the worker that executes the task; cancelling ctx aborts the
// training loop. The returned job reflects the terminal row even when err is
// non-nil.
func (s *Supervisor) RunTraining(ctx context.Context, req TrainRequest) (*Job, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jobs.train")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", req.ModelID))

	model, err := s.models.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}

	job, _, err := s.jobs.GetOrCreate(ctx, model.ID, KindTrain, req.Handle)
	if err != nil {
		return nil, err
	}
	job, err = s.start(ctx, job, model.ID)
	if err != nil {
		return nil, err
	}
	metrics.JobStarted(string(KindTrain))
	s.logger.Info("training started",
		"model", model.ID, "job", job.ID, "family", string(model.Family))

	result, runErr := s.train(ctx, model, job, req.Params)
	if runErr != nil {
		return s.failJob(ctx, job, model.ID, runErr)
	}
	return s.completeTraining(ctx, job, model, result)
}

// start flips the job to running and the model to training. ErrConflict
// means the job was cancelled before it ever started.
func (s *Supervisor) start(ctx context.Context, job *Job, modelID string) (*Job, error) {
	startedAt := time.Now().UTC()
	updated, err := s.jobs.UpdateIf(ctx, job.ID, ActiveStatuses, func(j *Job) error {
		j.Status = StatusRunning
		j.StartedAt = &startedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.models.UpdateModel(ctx, modelID, func(m *registry.Model) error {
		m.Status = registry.StatusTraining
		m.TrainingStartedAt = &startedAt
		m.LastError = ""
		return nil
	}); err != nil {
		return nil, fmt.Errorf("mark model training: %w", err)
	}
	return updated, nil
}

type trainResult struct {
	classifier classifier.Classifier
	metrics    *classifier.Metrics
}

func (s *Supervisor) train(ctx context.Context, model *registry.Model, job *Job, overrides classifier.Config) (res *trainResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	samples, err := s.datasets.Samples(ctx, model.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", model.DatasetID, err)
	}
	texts, labels, err := dataset.TrainingData(samples)
	if err != nil {
		return nil, err
	}

	var copts []classifier.Option
	if s.generator != nil {
		copts = append(copts, classifier.WithGenerator(s.generator))
	}
	clf, err := classifier.New(model.Family, mergeConfig(model.Config, overrides), copts...)
	if err != nil {
		return nil, err
	}

	// The training loop pushes one update per epoch; the relay applies them
	// to the job row in order and rebroadcasts. Draining must outlive Train
	// because its sends block.
	updates := make(chan classifier.ProgressUpdate, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.relayProgress(ctx, job, updates)
	}()

	m, trainErr := clf.Train(ctx, texts, labels, classifier.TrainOptions{Progress: updates})
	close(updates)
	<-done
	if trainErr != nil {
		return nil, trainErr
	}
	return &trainResult{classifier: clf, metrics: m}, nil
}

// relayProgress consumes epoch updates sequentially so epoch N+1 is never
// visible before N. Loss of the running precondition (cancel or reclaim)
// stops row writes but lets training wind down through its own context.
func (s *Supervisor) relayProgress(ctx context.Context, job *Job, updates <-chan classifier.ProgressUpdate) {
	lastPct := -1.0
	warned := false
	for u := range updates {
		pct := 0.0
		if u.TotalEpochs > 0 {
			pct = float64(u.Epoch) / float64(u.TotalEpochs) * 100
		}
		if pct < lastPct {
			continue
		}
		lastPct = pct

		updated, err := s.jobs.UpdateIf(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
			j.Progress = pct
			j.CurrentEpoch = u.Epoch
			j.TotalEpochs = u.TotalEpochs
			j.CurrentLoss = u.Loss
			j.CurrentAccuracy = u.Accuracy
			return nil
		})
		if err != nil {
			if !warned {
				s.logger.Warn("job no longer running, dropping progress updates",
					"job", job.ID, "error", err)
				warned = true
			}
			continue
		}
		s.publish(ctx, updated)
	}
}

// publish pushes a snapshot of the job to the broadcast channels. Failures
// are logged and swallowed; progress delivery never gates training.
func (s *Supervisor) publish(ctx context.Context, j *Job) {
	if s.publisher == nil {
		return
	}
	snap := progress.Snapshot{
		ModelID:      j.ModelID,
		JobID:        j.ID,
		Percentage:   j.Progress,
		CurrentEpoch: j.CurrentEpoch,
		TotalEpochs:  j.TotalEpochs,
		Loss:         j.CurrentLoss,
		Accuracy:     j.CurrentAccuracy,
		Status:       string(j.Status),
	}
	if err := s.publisher.Publish(ctx, snap); err != nil {
		s.logger.Warn("progress publish failed", "job", j.ID, "error", err)
	}
}

func (s *Supervisor) completeTraining(ctx context.Context, job *Job, model *registry.Model, res *trainResult) (*Job, error) {
	artifactPath := ""
	if s.artifacts == nil {
		s.logger.Error("no artifact sink configured, trained model is unservable", "model", model.ID)
	} else {
		path := s.artifacts.ModelPath(model.ID)
		if err := res.classifier.Save(path); err != nil {
			s.logger.Error("artifact save failed, model trained but unservable",
				"model", model.ID, "path", path, "error", err)
		} else {
			artifactPath = path
			if err := s.artifacts.Mirror(ctx, path); err != nil {
				s.logger.Warn("artifact mirror failed", "model", model.ID, "error", err)
			}
		}
	}

	completedAt := time.Now().UTC()
	updated, err := s.jobs.UpdateIf(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
		j.Status = StatusCompleted
		j.Progress = 100
		j.CompletedAt = &completedAt
		return nil
	})
	if errors.Is(err, ErrConflict) {
		// Cancelled while we were saving. The cancel path already reset the
		// model; leave both rows alone.
		s.logger.Info("run finished after cancellation, keeping cancelled state", "job", job.ID)
		return s.jobs.Get(ctx, job.ID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.models.UpdateModel(ctx, model.ID, func(m *registry.Model) error {
		m.Status = registry.StatusTrained
		m.ArtifactPath = artifactPath
		m.Metrics = res.metrics
		m.LastError = ""
		m.TrainingCompletedAt = &completedAt
		return nil
	}); err != nil {
		return nil, fmt.Errorf("mark model trained: %w", err)
	}

	metrics.JobCompleted(string(KindTrain), string(model.Family), res.metrics.TrainingSeconds)
	s.publish(ctx, updated)
	s.logger.Info("training completed",
		"model", model.ID, "job", updated.ID,
		"f1_macro", res.metrics.F1Macro, "artifact", artifactPath)
	return updated, nil
}

// failJob records the failure on the job and model rows. When the job
// already reached a terminal state elsewhere the rows stay untouched; a
// cancellation absorbs the error entirely since the abort was requested.
func (s *Supervisor) failJob(ctx context.Context, job *Job, modelID string, cause error) (*Job, error) {
	msg := cause.Error()
	trace := ""
	var pe *panicError
	if errors.As(cause, &pe) {
		trace = string(pe.stack)
	}

	completedAt := time.Now().UTC()
	updated, err := s.jobs.UpdateIf(ctx, job.ID, ActiveStatuses, func(j *Job) error {
		j.Status = StatusFailed
		j.ErrorMessage = msg
		j.Trace = trace
		j.CompletedAt = &completedAt
		return nil
	})
	if errors.Is(err, ErrConflict) {
		current, getErr := s.jobs.Get(ctx, job.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusCancelled {
			s.logger.Info("run aborted by cancellation", "job", job.ID)
			return current, nil
		}
		return current, cause
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.models.UpdateModel(ctx, modelID, func(m *registry.Model) error {
		m.Status = registry.StatusFailed
		m.LastError = msg
		return nil
	}); err != nil {
		s.logger.Error("mark model failed", "model", modelID, "error", err)
	}

	metrics.JobFailed(string(updated.Kind))
	s.publish(ctx, updated)
	s.logger.Error("run failed", "model", modelID, "job", updated.ID, "error", msg)
	return updated, cause
}

// Cancel stops the model's active job, resets the model so it can be trained
// again, and signals the execution backend to kill the task. The terminal
// write is guarded so a concurrently-completing run is never flipped back;
// the loser of that race sees ErrConflict.
func (s *Supervisor) Cancel(ctx context.Context, modelID string) (*Job, error) {
	job, err := s.jobs.Active(ctx, modelID)
	if err != nil {
		return nil, err
	}

	completedAt := time.Now().UTC()
	updated, err := s.jobs.UpdateIf(ctx, job.ID, ActiveStatuses, func(j *Job) error {
		j.Status = StatusCancelled
		j.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.models.UpdateModel(ctx, modelID, func(m *registry.Model) error {
		m.Status = registry.StatusCreated
		return nil
	}); err != nil {
		s.logger.Error("reset model after cancel", "model", modelID, "error", err)
	}

	if s.backend != nil && updated.TaskHandle != "" {
		if err := s.backend.Terminate(ctx, updated.TaskHandle); err != nil {
			s.logger.Warn("terminate task", "handle", updated.TaskHandle, "error", err)
		}
	}

	metrics.JobCancelled(string(updated.Kind))
	s.publish(ctx, updated)
	s.logger.Info("job cancelled", "model", modelID, "job", updated.ID)
	return updated, nil
}

// RunOptimization drives a hyperparameter search job. On success the best
// parameters are merged into the model's stored configuration and the model
// returns to created; nothing is persisted as a trained artifact.
func (s *Supervisor) RunOptimization(ctx context.Context, req OptimizeRequest) (*Job, error) {
	if s.optimizer == nil {
		return nil, fmt.Errorf("no optimizer configured")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "jobs.optimize")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", req.ModelID))

	model, err := s.models.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}

	job, _, err := s.jobs.GetOrCreate(ctx, model.ID, KindOptimize, req.Handle)
	if err != nil {
		return nil, err
	}
	job, err = s.start(ctx, job, model.ID)
	if err != nil {
		return nil, err
	}
	metrics.JobStarted(string(KindOptimize))
	s.logger.Info("optimization started",
		"model", model.ID, "job", job.ID, "trials", req.Trials)

	outcome, runErr := s.optimize(ctx, model, job, req)
	if runErr != nil {
		return s.failJob(ctx, job, model.ID, runErr)
	}

	completedAt := time.Now().UTC()
	updated, err := s.jobs.UpdateIf(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
		j.Status = StatusCompleted
		j.Progress = 100
		j.BestValue = outcome.BestScore
		j.Trials = outcome.Completed
		j.CompletedAt = &completedAt
		return nil
	})
	if errors.Is(err, ErrConflict) {
		s.logger.Info("search finished after cancellation, keeping cancelled state", "job", job.ID)
		return s.jobs.Get(ctx, job.ID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.models.UpdateModel(ctx, model.ID, func(m *registry.Model) error {
		if len(outcome.BestParams) > 0 {
			m.Config = mergeConfig(m.Config, outcome.BestParams)
		}
		m.Status = registry.StatusCreated
		return nil
	}); err != nil {
		return nil, fmt.Errorf("store best parameters: %w", err)
	}

	metrics.JobCompleted(string(KindOptimize), string(model.Family), runSeconds(updated, completedAt))
	s.publish(ctx, updated)
	s.logger.Info("optimization completed",
		"model", model.ID, "job", updated.ID,
		"best", outcome.BestScore, "trials", outcome.Completed)
	return updated, nil
}

func (s *Supervisor) optimize(ctx context.Context, model *registry.Model, job *Job, req OptimizeRequest) (out *hpo.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	samples, err := s.datasets.Samples(ctx, model.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", model.DatasetID, err)
	}
	texts, labels, err := dataset.TrainingData(samples)
	if err != nil {
		return nil, err
	}

	updates := make(chan hpo.TrialUpdate, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.relayTrials(ctx, job, updates)
	}()

	outcome, runErr := s.optimizer.Run(ctx, hpo.Request{
		Study:    model.ID,
		Family:   model.Family,
		Base:     model.Config,
		Texts:    texts,
		Labels:   labels,
		Trials:   req.Trials,
		Metric:   req.Metric,
		Timeout:  req.Timeout,
		Seed:     req.Seed,
		Progress: updates,
	})
	close(updates)
	<-done
	if runErr != nil {
		return nil, runErr
	}
	return outcome, nil
}

// relayTrials mirrors relayProgress for search runs. The epoch columns carry
// the trial counter so watchers see the same shape for both kinds.
func (s *Supervisor) relayTrials(ctx context.Context, job *Job, updates <-chan hpo.TrialUpdate) {
	n := 0
	for u := range updates {
		n++
		metrics.Trial(u.Failed)
		pct := 0.0
		if u.Total > 0 {
			pct = float64(n) / float64(u.Total) * 100
		}
		updated, err := s.jobs.UpdateIf(ctx, job.ID, []Status{StatusRunning}, func(j *Job) error {
			j.Progress = pct
			j.CurrentEpoch = n
			j.TotalEpochs = u.Total
			j.CurrentAccuracy = u.BestScore
			j.BestValue = u.BestScore
			j.Trials = n
			return nil
		})
		if err != nil {
			continue
		}
		s.publish(ctx, updated)
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("training panic: %v", e.value)
}

func mergeConfig(base, over classifier.Config) classifier.Config {
	merged := make(classifier.Config, len(base)+len(over))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

func runSeconds(j *Job, end time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	return end.Sub(*j.StartedAt).Seconds()
}
