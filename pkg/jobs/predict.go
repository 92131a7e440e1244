package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medlit/classify/backend/pkg/classifier"
	"github.com/medlit/classify/backend/pkg/dataset"
	"github.com/medlit/classify/backend/pkg/metrics"
	"github.com/medlit/classify/backend/pkg/registry"
)

// Predictor is the stateless serving path. It loads the model's persisted
// artifact and scores texts against it; when no artifact exists or loading
// or scoring fails it degrades to the keyword fallback instead of erroring.
// Every degraded prediction is flagged, never silently passed off as a
// model's answer.
type Predictor struct {
	models    registry.Store
	datasets  dataset.Provider
	generator classifier.Generator
	logger    Logger

	// Loaded classifiers are read-only after Load, so one instance can
	// serve concurrent predictions. The cache key changes on retrain.
	mu     sync.RWMutex
	loaded map[string]classifier.Classifier
}

type PredictorOption func(*Predictor)

// WithGenerator wires the completion backend used when a generative-family
// artifact is loaded.
func WithGenerator(gen classifier.Generator) PredictorOption {
	return func(p *Predictor) { p.generator = gen }
}

func WithPredictLogger(l Logger) PredictorOption {
	return func(p *Predictor) { p.logger = l }
}

func NewPredictor(models registry.Store, datasets dataset.Provider, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		models:   models,
		datasets: datasets,
		logger:   nopLogger{},
		loaded:   make(map[string]classifier.Classifier),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Predict scores texts with the model's trained artifact, or with the
// fallback predictor when the artifact cannot serve. The returned bool
// reports whether the fallback path was used. It fails only on unknown
// models or empty input; the serving path itself never errors.
func (p *Predictor) Predict(ctx context.Context, modelID string, texts []string, threshold float64) ([]classifier.Prediction, bool, error) {
	if len(texts) == 0 {
		return nil, false, fmt.Errorf("no texts to classify")
	}
	if threshold <= 0 {
		threshold = classifier.DefaultThreshold
	}

	model, err := p.models.GetModel(ctx, modelID)
	if err != nil {
		return nil, false, err
	}

	started := time.Now()
	if preds, err := p.predictTrained(ctx, model, texts, threshold); err == nil {
		for i := range preds {
			preds[i].ModelID = model.ID
		}
		metrics.Prediction(false, time.Since(started).Seconds())
		return preds, false, nil
	} else {
		p.logger.Warn("trained path unavailable, serving fallback",
			"model", model.ID, "error", err)
	}

	preds := p.fallback(ctx, model, texts, threshold)
	metrics.Prediction(true, time.Since(started).Seconds())
	return preds, true, nil
}

func (p *Predictor) predictTrained(ctx context.Context, model *registry.Model, texts []string, threshold float64) ([]classifier.Prediction, error) {
	if !model.Trained() {
		return nil, fmt.Errorf("model status is %s", model.Status)
	}
	if model.ArtifactPath == "" {
		return nil, fmt.Errorf("model has no artifact reference")
	}

	clf, err := p.load(model)
	if err != nil {
		return nil, err
	}
	return clf.Predict(ctx, texts, threshold)
}

// load returns the cached classifier for the model's current artifact,
// loading it on first use. The key carries the completion timestamp so a
// retrain that reuses the artifact path is not served stale.
func (p *Predictor) load(model *registry.Model) (classifier.Classifier, error) {
	key := model.ID + "|" + model.ArtifactPath
	if model.TrainingCompletedAt != nil {
		key += "|" + model.TrainingCompletedAt.UTC().Format(time.RFC3339Nano)
	}

	p.mu.RLock()
	clf, ok := p.loaded[key]
	p.mu.RUnlock()
	if ok {
		return clf, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if clf, ok := p.loaded[key]; ok {
		return clf, nil
	}

	var opts []classifier.Option
	if p.generator != nil {
		opts = append(opts, classifier.WithGenerator(p.generator))
	}
	clf, err := classifier.New(model.Family, model.Config, opts...)
	if err != nil {
		return nil, err
	}
	if err := clf.Load(model.ArtifactPath); err != nil {
		return nil, err
	}

	// Evict entries for older artifacts of the same model.
	prefix := model.ID + "|"
	for k := range p.loaded {
		if k != key && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(p.loaded, k)
		}
	}
	p.loaded[key] = clf
	return clf, nil
}

// fallback scores against the dataset's domain list, or the built-in keyword
// vocabulary when the dataset cannot be read either.
func (p *Predictor) fallback(ctx context.Context, model *registry.Model, texts []string, threshold float64) []classifier.Prediction {
	var domains []string
	if p.datasets != nil && model.DatasetID != "" {
		if ds, err := p.datasets.Dataset(ctx, model.DatasetID); err == nil {
			domains = ds.Domains
		}
	}

	preds := classifier.NewFallbackPredictor(domains).Predict(texts, threshold)
	for i := range preds {
		preds[i].ModelID = model.ID
	}
	return preds
}
