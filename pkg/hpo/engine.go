package hpo

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/medlit/classify/backend/pkg/classifier"
)

const (
	defaultTrials = 10
	maxTrials     = 100
	defaultMetric = "f1_macro"
	defaultSeed   = 42
)

// Logger is the minimal structured logger the engine needs; *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

// TrialUpdate reports one finished trial to the Progress channel.
type TrialUpdate struct {
	Study     string
	Index     int
	Total     int
	Score     float64
	BestScore float64
	Failed    bool
}

// Request describes one search invocation. Trials counts new trials to run
// on top of whatever the named study already holds.
type Request struct {
	Study    string
	Family   classifier.Family
	Base     classifier.Config
	Texts    []string
	Labels   [][]string
	Trials   int
	Metric   string
	Timeout  time.Duration
	Seed     int64
	Progress chan<- TrialUpdate
}

// Outcome summarises the search after this invocation.
type Outcome struct {
	Study      *Study
	BestParams map[string]any
	BestScore  float64
	Completed  int
}

// Engine runs hyperparameter searches against a fixed dataset, persisting
// study state after every trial so interrupted searches resume.
type Engine struct {
	studies *StudyStore
	logger  Logger
}

func NewEngine(studies *StudyStore, logger Logger) *Engine {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Engine{studies: studies, logger: logger}
}

// Run executes the requested trials. A failed trial scores 0 and the search
// continues; only infrastructure errors (study store, cancellation) abort.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	trials := req.Trials
	if trials <= 0 {
		trials = defaultTrials
	}
	if trials > maxTrials {
		trials = maxTrials
	}
	metric := req.Metric
	if metric == "" {
		metric = defaultMetric
	}
	seed := req.Seed
	if seed == 0 {
		seed = defaultSeed
	}

	study, err := e.studies.LoadOrCreate(req.Study, req.Family, metric)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	completed := 0
	for i := 0; i < trials; i++ {
		if err := ctx.Err(); err != nil {
			if req.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
				e.logger.Info("search timed out", "study", study.Name, "completed", completed)
				break
			}
			return nil, err
		}

		idx := len(study.Trials)
		rng := rand.New(rand.NewSource(seed + int64(idx)))
		params, err := sampleParams(req.Family, rng)
		if err != nil {
			return nil, err
		}

		trial := Trial{Index: idx, Params: params}
		start := time.Now()
		score, trainErr := e.runTrial(ctx, req, params, metric)
		trial.DurationSeconds = time.Since(start).Seconds()

		if trainErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !(req.Timeout > 0 && errors.Is(ctxErr, context.DeadlineExceeded)) {
				return nil, ctxErr
			}
			trial.Failed = true
			trial.Error = trainErr.Error()
			e.logger.Warn("trial failed", "study", study.Name, "trial", idx, "error", trainErr)
		} else {
			trial.Score = score
		}

		study.record(trial)
		if err := e.studies.Save(study); err != nil {
			return nil, err
		}
		completed++

		if req.Progress != nil {
			update := TrialUpdate{
				Study:     study.Name,
				Index:     idx,
				Total:     trials,
				Score:     trial.Score,
				BestScore: study.BestScore,
				Failed:    trial.Failed,
			}
			select {
			case req.Progress <- update:
			case <-ctx.Done():
				if !(req.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
					return nil, ctx.Err()
				}
			}
		}
	}

	return &Outcome{
		Study:      study,
		BestParams: study.BestParams,
		BestScore:  study.BestScore,
		Completed:  completed,
	}, nil
}

func (e *Engine) runTrial(ctx context.Context, req Request, params map[string]any, metric string) (float64, error) {
	cfg := make(classifier.Config, len(req.Base)+len(params))
	for k, v := range req.Base {
		cfg[k] = v
	}
	for k, v := range params {
		cfg[k] = v
	}

	clf, err := classifier.New(req.Family, cfg)
	if err != nil {
		return 0, err
	}
	metrics, err := clf.Train(ctx, req.Texts, req.Labels, classifier.TrainOptions{})
	if err != nil {
		return 0, err
	}
	return metricValue(metrics, metric), nil
}

func metricValue(m *classifier.Metrics, metric string) float64 {
	switch metric {
	case "accuracy":
		return m.Accuracy
	case "f1_micro":
		return m.F1Micro
	case "precision":
		return m.Precision
	case "recall":
		return m.Recall
	default:
		return m.F1Macro
	}
}
