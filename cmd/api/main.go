package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/medlit/classify/backend/pkg/artifacts"
	"github.com/medlit/classify/backend/pkg/auth"
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

type server struct {
	cfg        config.Config
	models     registry.Store
	jobs       jobs.Store
	datasets   dataset.Provider
	supervisor *jobs.Supervisor
	predictor  *jobs.Predictor
	runner     runner.Runner
	hub        *progress.Hub
	limiter    *rate.Limiter
	logger     *slog.Logger

	hasDatabase bool
	hasRedis    bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := telemetry.NewLogger(parseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "medlit-api")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	srv, cleanup, err := newServer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	defer cleanup()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Route("/api", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/training/stream", srv.handleGlobalStream)

		r.Get("/comparisons", srv.handleListComparisons)
		r.Get("/comparisons/{comparisonID}", srv.handleGetComparison)

		r.Route("/models", func(r chi.Router) {
			r.Get("/", srv.handleListModels)
			r.Get("/compare", srv.handleCompareModels)
			r.With(auth.RequireKey(cfg.APIKey)).Post("/", srv.handleCreateModel)

			r.Route("/{modelID}", func(r chi.Router) {
				r.Get("/", srv.handleGetModel)
				r.Get("/job", srv.handleGetJob)
				r.Get("/results", srv.handleListResults)
				r.Get("/stream", srv.handleModelStream)
				r.Post("/predict", srv.handlePredict)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireKey(cfg.APIKey))
					r.Delete("/", srv.handleDeleteModel)
					r.Post("/train", srv.handleTrain)
					r.Post("/cancel", srv.handleCancel)
					r.Post("/optimize", srv.handleOptimize)
				})
			})
		})
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}()

	logger.Info("api listening", "addr", cfg.ListenAddr,
		"database", srv.hasDatabase, "redis", srv.hasRedis)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("api listen failed: %v", err)
	}

	<-ctx.Done()
	logger.Info("api stopped")
}

// newServer wires stores, the execution backend, and the supervisor. With a
// Redis URL tasks are queued for external workers; without one they execute
// in-process on a local runner.
func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	srv := &server{
		cfg:     cfg,
		hub:     progress.NewHub(),
		limiter: rate.NewLimiter(rate.Limit(cfg.PredictRate), cfg.PredictBurst),
		logger:  logger,
	}

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		models, err := registry.NewPostgresStore(dsn)
		if err != nil {
			return nil, cleanup, err
		}
		jobStore, err := jobs.NewPostgresStore(dsn)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = models.Close() }, func() { _ = jobStore.Close() })
		srv.models = models
		srv.jobs = jobStore
		srv.hasDatabase = true
	} else {
		srv.models = registry.NewMemStore()
		srv.jobs = jobs.NewMemStore()
	}

	switch {
	case strings.TrimSpace(cfg.DatasetDir) != "":
		srv.datasets = dataset.NewFileProvider(cfg.DatasetDir)
	case srv.hasDatabase:
		provider, err := dataset.NewPostgresProvider(cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = provider.Close() })
		srv.datasets = provider
	default:
		srv.datasets = dataset.NewMemProvider()
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
	engine := hpo.NewEngine(studies, logger)

	var generator classifier.Generator
	if cfg.InferenceURL != "" {
		generator = inference.NewClient(cfg.InferenceURL)
	}

	supOpts := []jobs.SupervisorOption{
		jobs.WithArtifacts(sink),
		jobs.WithOptimizer(engine),
		jobs.WithLogger(logger),
	}
	if generator != nil {
		supOpts = append(supOpts, jobs.WithCompletionBackend(generator))
	}

	var backend jobs.TaskBackend
	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		redisRunner, err := runner.NewRedisRunner(redisURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = redisRunner.Close() })

		bridge, err := progress.NewRedisBridge(redisURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = bridge.Close() })

		// Workers publish over Redis; mirror their stream into the local
		// hub so SSE subscribers on this process see it.
		snaps, closeSub := bridge.SubscribeGlobal(ctx)
		closers = append(closers, func() { _ = closeSub() })
		go func() {
			for snap := range snaps {
				_ = srv.hub.Publish(ctx, snap)
			}
		}()

		// Publish through Redis only; the loopback subscription above
		// feeds the hub, so local SSE clients see our own cancels too.
		srv.runner = redisRunner
		srv.hasRedis = true
		backend = redisRunner
		supOpts = append(supOpts, jobs.WithPublisher(bridge))
	} else {
		// Single-binary mode: tasks run on goroutines in this process. The
		// supervisor variable is assigned before any task can dequeue.
		local := runner.NewLocalRunner(cfg.TaskTimeout, func(taskCtx context.Context, task *runner.Task) {
			srv.execute(taskCtx, task)
		})
		srv.runner = local
		backend = local
		supOpts = append(supOpts, jobs.WithPublisher(srv.hub))
	}
	supOpts = append(supOpts, jobs.WithBackend(backend))

	srv.supervisor = jobs.NewSupervisor(srv.models, srv.jobs, srv.datasets, supOpts...)

	predictorOpts := []jobs.PredictorOption{jobs.WithPredictLogger(logger)}
	if generator != nil {
		predictorOpts = append(predictorOpts, jobs.WithGenerator(generator))
	}
	srv.predictor = jobs.NewPredictor(srv.models, srv.datasets, predictorOpts...)

	sweeper := jobs.NewSweeper(srv.jobs, srv.models, backend,
		jobs.StuckAfter(cfg.StuckAfter),
		jobs.WarnAfter(cfg.WarnAfter),
		jobs.SweepEvery(cfg.SweepInterval),
		jobs.SweepLogger(logger),
	)
	go sweeper.Run(ctx)

	return srv, cleanup, nil
}

// execute runs one task in-process. Failures are already recorded on the
// job row by the supervisor; the error here is only for the log.
func (s *server) execute(ctx context.Context, task *runner.Task) {
	switch task.Kind {
	case string(jobs.KindOptimize):
		if _, err := s.supervisor.RunOptimization(ctx, jobs.OptimizeRequest{
			ModelID: task.ModelID,
			Handle:  task.Handle,
			Trials:  task.Trials,
			Metric:  task.Metric,
		}); err != nil {
			s.logger.Error("optimization task failed", "model", task.ModelID, "error", err)
		}
	default:
		if _, err := s.supervisor.RunTraining(ctx, jobs.TrainRequest{
			ModelID: task.ModelID,
			Handle:  task.Handle,
			Params:  classifier.Config(task.Params),
		}); err != nil {
			s.logger.Error("training task failed", "model", task.ModelID, "error", err)
		}
	}
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
