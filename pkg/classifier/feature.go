package classifier

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Feature-based algorithm names. The factory also accepts the legacy
// aliases svm, logistic_regression, and random_forest.
const (
	AlgorithmMargin   = "margin"
	AlgorithmForest   = "tree-ensemble"
	AlgorithmLogistic = "linear-probabilistic"
)

// FeatureConfig tunes the TF-IDF vectorizer and the per-label learners.
type FeatureConfig struct {
	Algorithm    string  `json:"algorithm"`
	MaxFeatures  int     `json:"max_features"`
	NgramMax     int     `json:"ngram_max"`
	C            float64 `json:"c"`
	Estimators   int     `json:"estimators"`
	MaxDepth     int     `json:"max_depth"`
	Iterations   int     `json:"iterations"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

func (c *FeatureConfig) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmLogistic
	}
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = 10000
	}
	if c.NgramMax <= 0 {
		c.NgramMax = 2
	}
	if c.C <= 0 {
		c.C = 1.0
	}
	if c.Estimators <= 0 {
		c.Estimators = 100
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 10
	}
	if c.Iterations <= 0 {
		c.Iterations = 200
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.5
	}
	if c.Seed == 0 {
		c.Seed = splitSeed
	}
}

// FeatureClassifier fits a sparse TF-IDF vectorizer and one independent
// binary learner per vocabulary label.
type FeatureClassifier struct {
	cfg        FeatureConfig
	labels     []string
	vectorizer *tfidfVectorizer
	linear     []linearModel
	forests    []*forestModel
	trained    bool
}

// NewFeatureClassifier builds an untrained feature-based classifier.
func NewFeatureClassifier(cfg FeatureConfig) *FeatureClassifier {
	cfg.applyDefaults()
	return &FeatureClassifier{cfg: cfg}
}

func (f *FeatureClassifier) Family() Family   { return FamilyFeature }
func (f *FeatureClassifier) Labels() []string { return append([]string(nil), f.labels...) }

func (f *FeatureClassifier) Train(ctx context.Context, texts []string, labelSets [][]string, opts TrainOptions) (*Metrics, error) {
	started := time.Now()
	vocab, err := checkTrainingData(texts, labelSets)
	if err != nil {
		return nil, err
	}
	f.labels = vocab

	trainIdx, valIdx := splitTrainValidation(len(texts))
	truth := labelMatrix(labelSets, vocab)

	f.vectorizer = newTFIDFVectorizer(f.cfg.MaxFeatures, f.cfg.NgramMax)
	trainTexts := make([]string, len(trainIdx))
	for i, idx := range trainIdx {
		trainTexts[i] = texts[idx]
	}
	f.vectorizer.fit(trainTexts)

	vectors := make([]sparseVec, len(texts))
	for i, text := range texts {
		vectors[i] = f.vectorizer.transform(text)
	}

	trainX := make([]sparseVec, len(trainIdx))
	trainY := make([][]bool, len(trainIdx))
	for i, idx := range trainIdx {
		trainX[i] = vectors[idx]
		trainY[i] = truth[idx]
	}

	if err := f.fitLearners(ctx, trainX, trainY); err != nil {
		return nil, err
	}
	f.trained = true

	valScores := make([][]float64, len(valIdx))
	valTruth := make([][]bool, len(valIdx))
	for i, idx := range valIdx {
		valScores[i] = f.scoreVector(vectors[idx])
		valTruth[i] = truth[idx]
	}

	metrics := evaluateScores(valScores, valTruth, vocab)
	metrics.SampleCount = len(texts)
	metrics.TrainSamples = len(trainIdx)
	metrics.ValidationSamples = len(valIdx)
	metrics.TrainingSeconds = time.Since(started).Seconds()
	metrics.Epochs = 1
	metrics.FineTuned = true

	if opts.Progress != nil {
		select {
		case opts.Progress <- ProgressUpdate{
			Epoch:       1,
			TotalEpochs: 1,
			Loss:        meanBCE(valScores, valTruth),
			Accuracy:    metrics.Accuracy,
		}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return metrics, nil
}

// fitLearners trains one binary model per label. The per-label loop checks
// ctx so a cancelled training task stops between labels rather than at the
// end of the full one-vs-rest pass.
func (f *FeatureClassifier) fitLearners(ctx context.Context, X []sparseVec, truth [][]bool) error {
	dim := f.vectorizer.dim()
	switch f.cfg.Algorithm {
	case AlgorithmLogistic, AlgorithmMargin:
		f.linear = make([]linearModel, len(f.labels))
		for j := range f.labels {
			if err := ctx.Err(); err != nil {
				return err
			}
			y := labelColumn(truth, j)
			f.linear[j] = fitLinear(f.cfg, dim, X, y)
		}
	case AlgorithmForest:
		f.forests = make([]*forestModel, len(f.labels))
		for j := range f.labels {
			if err := ctx.Err(); err != nil {
				return err
			}
			y := labelColumn(truth, j)
			f.forests[j] = fitForest(f.cfg, dim, X, y, f.cfg.Seed+int64(j))
		}
	default:
		return fmt.Errorf("unknown feature algorithm: %s", f.cfg.Algorithm)
	}
	return nil
}

func labelColumn(truth [][]bool, j int) []bool {
	col := make([]bool, len(truth))
	for i := range truth {
		col[i] = truth[i][j]
	}
	return col
}

func (f *FeatureClassifier) scoreVector(x sparseVec) []float64 {
	scores := make([]float64, len(f.labels))
	for j := range f.labels {
		switch f.cfg.Algorithm {
		case AlgorithmForest:
			scores[j] = f.forests[j].prob(x)
		default:
			scores[j] = f.linear[j].prob(x)
		}
	}
	return scores
}

func (f *FeatureClassifier) Predict(ctx context.Context, texts []string, threshold float64) ([]Prediction, error) {
	if !f.trained {
		return nil, ErrNotTrained
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	out := make([]Prediction, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()
		scores := f.scoreVector(f.vectorizer.transform(text))
		out[i] = buildPrediction(text, f.labels, scores, threshold, started)
	}
	return out, nil
}

// featureState is the persisted form of a trained feature classifier.
type featureState struct {
	Config     FeatureConfig    `json:"config"`
	Labels     []string         `json:"labels"`
	Vectorizer *tfidfVectorizer `json:"vectorizer"`
	Linear     []linearModel    `json:"linear_models,omitempty"`
	Forests    []*forestModel   `json:"forest_models,omitempty"`
}

func (f *FeatureClassifier) Save(path string) error {
	if !f.trained {
		return ErrNotTrained
	}
	state := featureState{
		Config:     f.cfg,
		Labels:     f.labels,
		Vectorizer: f.vectorizer,
		Linear:     f.linear,
		Forests:    f.forests,
	}
	return writeBundle(path, FamilyFeature, state)
}

func (f *FeatureClassifier) Load(path string) error {
	var state featureState
	if err := readBundle(path, FamilyFeature, &state); err != nil {
		return err
	}
	if state.Vectorizer == nil || len(state.Labels) == 0 {
		return &ArtifactCorruptError{Path: path, Reason: "missing vectorizer or labels"}
	}
	state.Config.applyDefaults()
	switch state.Config.Algorithm {
	case AlgorithmForest:
		if len(state.Forests) != len(state.Labels) {
			return &ArtifactCorruptError{Path: path, Reason: "forest count does not match labels"}
		}
	default:
		if len(state.Linear) != len(state.Labels) {
			return &ArtifactCorruptError{Path: path, Reason: "model count does not match labels"}
		}
	}
	f.cfg = state.Config
	f.labels = state.Labels
	f.vectorizer = state.Vectorizer
	f.linear = state.Linear
	f.forests = state.Forests
	f.trained = true
	return nil
}

// buildPrediction assembles the caller-facing result for one input.
func buildPrediction(text string, labels []string, scores []float64, threshold float64, started time.Time) Prediction {
	all := make(map[string]float64, len(labels))
	confidences := make(map[string]float64)
	var predicted []string
	for j, label := range labels {
		score := clamp01(scores[j])
		all[label] = score
		if score >= threshold {
			predicted = append(predicted, label)
			confidences[label] = score
		}
	}
	sort.Strings(predicted)
	return Prediction{
		Text:             text,
		PredictedDomains: predicted,
		Confidences:      confidences,
		AllScores:        all,
		Threshold:        threshold,
		InferenceMS:      float64(time.Since(started).Microseconds()) / 1000,
	}
}

// meanBCE is a coarse loss proxy over probability outputs, used for the
// single completion progress update of non-epoch families.
func meanBCE(scores [][]float64, truth [][]bool) float64 {
	var sum float64
	var n int
	for i := range scores {
		for j := range scores[i] {
			p := math.Min(math.Max(scores[i][j], 1e-7), 1-1e-7)
			if truth[i][j] {
				sum += -math.Log(p)
			} else {
				sum += -math.Log(1 - p)
			}
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
