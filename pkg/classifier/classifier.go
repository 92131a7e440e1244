package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Family is the architectural category of a classifier.
type Family string

const (
	FamilySequence   Family = "sequence-model"
	FamilyGenerative Family = "generative-model"
	FamilyFeature    Family = "feature-based"
	FamilyEnsemble   Family = "ensemble"
)

// Families lists every family the factory can build.
func Families() []Family {
	return []Family{FamilySequence, FamilyGenerative, FamilyFeature, FamilyEnsemble}
}

// DefaultThreshold is applied when a caller does not supply one.
const DefaultThreshold = 0.5

// Classifier is the uniform contract implemented by every model family.
// A classifier is constructed by the factory, populated by Train or Load,
// queried by Predict, and persisted with Save. Instances are not safe for
// concurrent mutation; treat them as read-only once trained or loaded.
type Classifier interface {
	// Train fits the classifier on parallel slices of texts and label sets.
	// The label vocabulary becomes the sorted union of all labels seen.
	// Returns InsufficientDataError when no sample carries a non-empty
	// label set.
	Train(ctx context.Context, texts []string, labelSets [][]string, opts TrainOptions) (*Metrics, error)

	// Predict scores each input against the full label vocabulary and
	// returns one Prediction per text. Returns ErrNotTrained before
	// Train or Load has succeeded.
	Predict(ctx context.Context, texts []string, threshold float64) ([]Prediction, error)

	// Save persists everything Predict needs to an artifact at path.
	Save(path string) error

	// Load restores a previously saved artifact. Corrupt or truncated
	// artifacts fail with ArtifactCorruptError.
	Load(path string) error

	// Labels returns the trained label vocabulary in its fixed order.
	Labels() []string

	// Family reports which variant this instance is.
	Family() Family
}

// TrainOptions carries cross-family training knobs.
type TrainOptions struct {
	// Progress receives one update per completed epoch (one total for
	// non-epoch families) when non-nil. Sends are blocking so updates
	// stay ordered; the consumer must drain the channel while training
	// runs.
	Progress chan<- ProgressUpdate
}

// ProgressUpdate is the per-epoch snapshot emitted by a training loop.
type ProgressUpdate struct {
	Epoch       int     `json:"epoch"`
	TotalEpochs int     `json:"total_epochs"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
}

// Prediction is the result of scoring one input text.
type Prediction struct {
	Text             string             `json:"text"`
	PredictedDomains []string           `json:"predicted_domains"`
	Confidences      map[string]float64 `json:"confidences"`
	AllScores        map[string]float64 `json:"all_scores"`
	Threshold        float64            `json:"threshold"`
	InferenceMS      float64            `json:"inference_ms"`
	ModelID          string             `json:"model_id,omitempty"`
	Fallback         bool               `json:"fallback"`
}

// LabelStats is the binary confusion breakdown for one vocabulary label.
type LabelStats struct {
	TruePositive  int `json:"tp"`
	FalsePositive int `json:"fp"`
	TrueNegative  int `json:"tn"`
	FalseNegative int `json:"fn"`
}

// Metrics summarises one completed training run.
type Metrics struct {
	Accuracy          float64               `json:"accuracy"`
	F1Macro           float64               `json:"f1_macro"`
	F1Micro           float64               `json:"f1_micro"`
	Precision         float64               `json:"precision"`
	Recall            float64               `json:"recall"`
	PerLabel          map[string]LabelStats `json:"per_label"`
	DomainPerformance map[string]float64    `json:"domain_performance"`
	VocabularySize    int                   `json:"vocabulary_size"`
	SampleCount       int                   `json:"sample_count"`
	TrainSamples      int                   `json:"train_samples"`
	ValidationSamples int                   `json:"validation_samples"`
	TrainingSeconds   float64               `json:"training_seconds"`
	Epochs            int                   `json:"epochs"`
	FineTuned         bool                  `json:"fine_tuned"`
	Approach          string                `json:"training_approach"`
}

// Config is the free-form hyperparameter map attached to a model. Unknown
// keys are ignored by every family so stored configs stay forward-compatible.
type Config map[string]any

func (c Config) str(key, fallback string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func (c Config) num(key string, fallback float64) float64 {
	v, ok := c[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

func (c Config) integer(key string, fallback int) int {
	return int(c.num(key, float64(fallback)))
}

func (c Config) boolean(key string, fallback bool) bool {
	if v, ok := c[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// ErrNotTrained is returned by Predict and Save before Train or Load has
// populated the classifier.
var ErrNotTrained = errors.New("classifier is not trained")

// UnsupportedFamilyError reports a model family the factory does not know.
type UnsupportedFamilyError struct {
	Family string
}

func (e *UnsupportedFamilyError) Error() string {
	return fmt.Sprintf("unsupported model family: %s", e.Family)
}

// InsufficientDataError reports a training set with no usable labels.
type InsufficientDataError struct {
	Samples int
	Labeled int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data: %d samples, %d with non-empty labels", e.Samples, e.Labeled)
}

// ArtifactCorruptError reports an artifact that exists but cannot be
// restored: truncated payloads, checksum mismatches, wrong family.
type ArtifactCorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ArtifactCorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact %s is corrupt: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("artifact %s is corrupt: %s", e.Path, e.Reason)
}

func (e *ArtifactCorruptError) Unwrap() error { return e.Err }
