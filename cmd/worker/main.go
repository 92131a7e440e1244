package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/medlit/classify/backend/pkg/artifacts"
	"github.com/medlit/classify/backend/pkg/classifier"
	"github.com/medlit/classify/backend/pkg/config"
	"github.com/medlit/classify/backend/pkg/dataset"
	"github.com/medlit/classify/backend/pkg/hpo"
	"github.com/medlit/classify/backend/pkg/inference"
	"github.com/medlit/classify/backend/pkg/jobs"
	"github.com/medlit/classify/backend/pkg/progress"
	"github.com/medlit/classify/backend/pkg/registry"
	"github.com/medlit/classify/backend/pkg/runner"
	"github.com/medlit/classify/backend/pkg/telemetry"
)

// worker consumes training and optimization tasks from the Redis queue and
// drives them through the supervisor. Job and model rows live in Postgres so
// the API process observes progress without sharing memory with us.
type worker struct {
	cfg        config.Config
	runner     *runner.RedisRunner
	supervisor *jobs.Supervisor
	logger     *slog.Logger

	// cancels maps the handle of each executing task to its context
	// cancel, so termination requests from other processes land here.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Fatalf("worker requires MEDLIT_REDIS_URL")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("worker requires MEDLIT_DATABASE_URL; job state must be shared with the API")
	}

	logger := telemetry.NewLogger(parseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "medlit-worker")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	w, cleanup, err := newWorker(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build worker: %v", err)
	}
	defer cleanup()

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency, "task_timeout", cfg.TaskTimeout.String())
	w.run(ctx)
	logger.Info("worker stopped")
}

func newWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*worker, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	redisRunner, err := runner.NewRedisRunner(cfg.RedisURL)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { _ = redisRunner.Close() })

	models, err := registry.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { _ = models.Close() })
	jobStore, err := jobs.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { _ = jobStore.Close() })

	var datasets dataset.Provider
	if strings.TrimSpace(cfg.DatasetDir) != "" {
		datasets = dataset.NewFileProvider(cfg.DatasetDir)
	} else {
		provider, err := dataset.NewPostgresProvider(cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = provider.Close() })
		datasets = provider
	}

	artifactOpts := []artifacts.Option{artifacts.WithLogger(logger)}
	if cfg.Mirror.Host != "" {
		mirror, err := artifacts.NewSFTPMirror(artifacts.MirrorConfig{
			Host:       cfg.Mirror.Host,
			Port:       cfg.Mirror.Port,
			User:       cfg.Mirror.User,
			Password:   cfg.Mirror.Password,
			PrivateKey: cfg.Mirror.PrivateKey,
			RemoteDir:  cfg.Mirror.RemoteDir,
		})
		if err != nil {
			return nil, cleanup, err
		}
		artifactOpts = append(artifactOpts, artifacts.WithMirror(mirror))
	}
	sink, err := artifacts.NewStore(cfg.ArtifactDir, artifactOpts...)
	if err != nil {
		return nil, cleanup, err
	}

	studies, err := hpo.NewStudyStore(cfg.StudyDir)
	if err != nil {
		return nil, cleanup, err
	}

	bridge, err := progress.NewRedisBridge(cfg.RedisURL)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { _ = bridge.Close() })

	supOpts := []jobs.SupervisorOption{
		jobs.WithArtifacts(sink),
		jobs.WithPublisher(bridge),
		jobs.WithBackend(redisRunner),
		jobs.WithOptimizer(hpo.NewEngine(studies, logger)),
		jobs.WithLogger(logger),
	}
	if cfg.InferenceURL != "" {
		supOpts = append(supOpts, jobs.WithCompletionBackend(inference.NewClient(cfg.InferenceURL)))
	}

	w := &worker{
		cfg:        cfg,
		runner:     redisRunner,
		supervisor: jobs.NewSupervisor(models, jobStore, datasets, supOpts...),
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
	}

	terminations, closeSub := redisRunner.Terminations(ctx)
	closers = append(closers, func() { _ = closeSub() })
	go w.handleTerminations(terminations)

	return w, cleanup, nil
}

// run dequeues until ctx is cancelled, executing up to WorkerConcurrency
// tasks at once, and waits for in-flight tasks before returning.
func (w *worker) run(ctx context.Context) {
	concurrency := w.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		task, err := w.runner.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("dequeue failed", "error", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if task == nil {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down; leave the task for another worker via requeue.
			if _, err := w.runner.Submit(context.Background(), task); err != nil {
				w.logger.Error("requeue task on shutdown", "handle", task.Handle, "error", err)
			}
			continue
		}

		wg.Add(1)
		go func(task *runner.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			w.execute(ctx, task)
		}(task)
	}

	wg.Wait()
}

// execute runs one task under its own deadline, keeping the handle's
// liveness key fresh so the reclamation sweep leaves the job alone.
func (w *worker) execute(parent context.Context, task *runner.Task) {
	// The task must survive parent cancellation long enough to record its
	// terminal state; it runs under its own deadline instead.
	taskCtx, cancel := context.WithTimeout(context.Background(), w.cfg.TaskTimeout)
	defer cancel()

	w.register(task.Handle, cancel)
	defer w.unregister(task.Handle)

	stopBeat := w.keepAlive(taskCtx, task.Handle)
	defer stopBeat()

	w.logger.Info("task started", "handle", task.Handle, "model", task.ModelID, "kind", task.Kind)

	var err error
	switch task.Kind {
	case string(jobs.KindOptimize):
		_, err = w.supervisor.RunOptimization(taskCtx, jobs.OptimizeRequest{
			ModelID: task.ModelID,
			Handle:  task.Handle,
			Trials:  task.Trials,
			Metric:  task.Metric,
		})
	default:
		_, err = w.supervisor.RunTraining(taskCtx, jobs.TrainRequest{
			ModelID: task.ModelID,
			Handle:  task.Handle,
			Params:  classifier.Config(task.Params),
		})
	}
	if err != nil {
		w.logger.Error("task failed", "handle", task.Handle, "model", task.ModelID, "error", err)
	} else {
		w.logger.Info("task finished", "handle", task.Handle, "model", task.ModelID)
	}

	if err := w.runner.ClearActive(parent, task.Handle); err != nil {
		w.logger.Warn("clear active handle", "handle", task.Handle, "error", err)
	}
}

// keepAlive refreshes the handle's TTL registration until stopped. If this
// process dies the key expires and the sweep reclaims the job.
func (w *worker) keepAlive(ctx context.Context, handle string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(runner.ActiveTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.runner.MarkActive(ctx, handle); err != nil {
					w.logger.Warn("refresh active handle", "handle", handle, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *worker) handleTerminations(terminations <-chan string) {
	for handle := range terminations {
		w.mu.Lock()
		cancel, ok := w.cancels[handle]
		w.mu.Unlock()
		if ok {
			w.logger.Info("terminating task on request", "handle", handle)
			cancel()
		}
	}
}

func (w *worker) register(handle string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels[handle] = cancel
}

func (w *worker) unregister(handle string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, handle)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
