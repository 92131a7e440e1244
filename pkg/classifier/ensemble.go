package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EnsembleConfig pairs a sequence-model classifier with a feature-based one
// and fuses their scores by weighted average.
type EnsembleConfig struct {
	Sequence       SequenceConfig `json:"sequence"`
	Feature        FeatureConfig  `json:"feature"`
	SequenceWeight float64        `json:"sequence_weight"`
	FeatureWeight  float64        `json:"feature_weight"`
}

func (c *EnsembleConfig) applyDefaults() {
	c.Sequence.applyDefaults()
	c.Feature.applyDefaults()

	// Fusion weights must sum to 1: a lone weight is complemented, a
	// configured pair is normalised.
	switch {
	case c.SequenceWeight <= 0 && c.FeatureWeight <= 0:
		c.SequenceWeight = 0.7
		c.FeatureWeight = 0.3
	case c.FeatureWeight <= 0:
		if c.SequenceWeight > 1 {
			c.SequenceWeight = 1
		}
		c.FeatureWeight = 1 - c.SequenceWeight
	case c.SequenceWeight <= 0:
		if c.FeatureWeight > 1 {
			c.FeatureWeight = 1
		}
		c.SequenceWeight = 1 - c.FeatureWeight
	default:
		total := c.SequenceWeight + c.FeatureWeight
		c.SequenceWeight /= total
		c.FeatureWeight /= total
	}
}

// EnsembleClassifier trains both members on the same split and predicts with
// the weighted average of their label scores.
type EnsembleClassifier struct {
	cfg      EnsembleConfig
	sequence *SequenceClassifier
	feature  *FeatureClassifier
	trained  bool
}

// NewEnsembleClassifier builds an untrained ensemble.
func NewEnsembleClassifier(cfg EnsembleConfig) *EnsembleClassifier {
	cfg.applyDefaults()
	return &EnsembleClassifier{
		cfg:      cfg,
		sequence: NewSequenceClassifier(cfg.Sequence),
		feature:  NewFeatureClassifier(cfg.Feature),
	}
}

func (e *EnsembleClassifier) Family() Family   { return FamilyEnsemble }
func (e *EnsembleClassifier) Labels() []string { return e.sequence.Labels() }

func (e *EnsembleClassifier) Train(ctx context.Context, texts []string, labelSets [][]string, opts TrainOptions) (*Metrics, error) {
	started := time.Now()
	vocab, err := checkTrainingData(texts, labelSets)
	if err != nil {
		return nil, err
	}

	// The sequence member reports one stage per epoch; the feature member
	// trains in a single final stage. Relay the sequence updates so the
	// consumer sees one contiguous stage count.
	totalStages := e.cfg.Sequence.Epochs + 1
	var inner chan ProgressUpdate
	var relay sync.WaitGroup
	if opts.Progress != nil {
		inner = make(chan ProgressUpdate)
		relay.Add(1)
		go func() {
			defer relay.Done()
			for update := range inner {
				update.TotalEpochs = totalStages
				select {
				case opts.Progress <- update:
				case <-ctx.Done():
				}
			}
		}()
	}

	_, seqErr := e.sequence.Train(ctx, texts, labelSets, TrainOptions{Progress: inner})
	if inner != nil {
		close(inner)
		relay.Wait()
	}
	if seqErr != nil {
		return nil, fmt.Errorf("train sequence member: %w", seqErr)
	}
	if _, err := e.feature.Train(ctx, texts, labelSets, TrainOptions{}); err != nil {
		return nil, fmt.Errorf("train feature member: %w", err)
	}
	e.trained = true

	metrics, err := e.fusedValidationMetrics(ctx, texts, labelSets, vocab)
	if err != nil {
		return nil, err
	}
	metrics.SampleCount = len(texts)
	metrics.TrainingSeconds = time.Since(started).Seconds()
	metrics.Epochs = e.cfg.Sequence.Epochs
	metrics.FineTuned = true
	metrics.Approach = "ensemble"

	if opts.Progress != nil {
		select {
		case opts.Progress <- ProgressUpdate{
			Epoch:       totalStages,
			TotalEpochs: totalStages,
			Accuracy:    metrics.Accuracy,
		}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return metrics, nil
}

// fusedValidationMetrics rescores the shared validation split with the
// weighted member scores.
func (e *EnsembleClassifier) fusedValidationMetrics(ctx context.Context, texts []string, labelSets [][]string, vocab []string) (*Metrics, error) {
	trainIdx, valIdx := splitTrainValidation(len(texts))
	truth := labelMatrix(labelSets, vocab)

	valTexts := make([]string, len(valIdx))
	valTruth := make([][]bool, len(valIdx))
	for i, idx := range valIdx {
		valTexts[i] = texts[idx]
		valTruth[i] = truth[idx]
	}

	fused, err := e.fusedScores(ctx, valTexts, vocab)
	if err != nil {
		return nil, err
	}
	metrics := evaluateScores(fused, valTruth, vocab)
	metrics.TrainSamples = len(trainIdx)
	metrics.ValidationSamples = len(valIdx)
	return metrics, nil
}

func (e *EnsembleClassifier) fusedScores(ctx context.Context, texts []string, vocab []string) ([][]float64, error) {
	seqPreds, err := e.sequence.Predict(ctx, texts, DefaultThreshold)
	if err != nil {
		return nil, fmt.Errorf("sequence member predict: %w", err)
	}
	featPreds, err := e.feature.Predict(ctx, texts, DefaultThreshold)
	if err != nil {
		return nil, fmt.Errorf("feature member predict: %w", err)
	}
	fused := make([][]float64, len(texts))
	for i := range texts {
		row := make([]float64, len(vocab))
		for l, label := range vocab {
			row[l] = e.cfg.SequenceWeight*seqPreds[i].AllScores[label] +
				e.cfg.FeatureWeight*featPreds[i].AllScores[label]
		}
		fused[i] = row
	}
	return fused, nil
}

func (e *EnsembleClassifier) Predict(ctx context.Context, texts []string, threshold float64) ([]Prediction, error) {
	if !e.trained {
		return nil, ErrNotTrained
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	vocab := e.sequence.Labels()
	fused, err := e.fusedScores(ctx, texts, vocab)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, len(texts))
	for i, text := range texts {
		started := time.Now()
		out[i] = buildPrediction(text, vocab, fused[i], threshold, started)
	}
	return out, nil
}

// ensembleState is the envelope artifact. Member weights live in sidecar
// bundles next to it, referenced by file name so the set can be relocated
// as a unit.
type ensembleState struct {
	Config       EnsembleConfig `json:"config"`
	SequenceFile string         `json:"sequence_file"`
	FeatureFile  string         `json:"feature_file"`
}

// sidecarPath derives a member artifact path from the envelope path.
func sidecarPath(path, member string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + member + ext
}

func (e *EnsembleClassifier) Save(path string) error {
	if !e.trained {
		return ErrNotTrained
	}
	seqPath := sidecarPath(path, "sequence")
	featPath := sidecarPath(path, "feature")
	if err := e.sequence.Save(seqPath); err != nil {
		return fmt.Errorf("save sequence member: %w", err)
	}
	if err := e.feature.Save(featPath); err != nil {
		return fmt.Errorf("save feature member: %w", err)
	}
	state := ensembleState{
		Config:       e.cfg,
		SequenceFile: filepath.Base(seqPath),
		FeatureFile:  filepath.Base(featPath),
	}
	return writeBundle(path, FamilyEnsemble, state)
}

func (e *EnsembleClassifier) Load(path string) error {
	var state ensembleState
	if err := readBundle(path, FamilyEnsemble, &state); err != nil {
		return err
	}
	if state.SequenceFile == "" || state.FeatureFile == "" {
		return &ArtifactCorruptError{Path: path, Reason: "envelope is missing member artifacts"}
	}
	state.Config.applyDefaults()

	dir := filepath.Dir(path)
	sequence := NewSequenceClassifier(state.Config.Sequence)
	if err := sequence.Load(filepath.Join(dir, state.SequenceFile)); err != nil {
		return fmt.Errorf("load sequence member: %w", err)
	}
	feature := NewFeatureClassifier(state.Config.Feature)
	if err := feature.Load(filepath.Join(dir, state.FeatureFile)); err != nil {
		return fmt.Errorf("load feature member: %w", err)
	}
	if !sameLabels(sequence.Labels(), feature.Labels()) {
		return &ArtifactCorruptError{Path: path, Reason: "member label sets disagree"}
	}

	e.cfg = state.Config
	e.sequence = sequence
	e.feature = feature
	e.trained = true
	return nil
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
