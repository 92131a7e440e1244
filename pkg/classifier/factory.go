package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Option adjusts factory construction.
type Option func(*factoryOptions)

type factoryOptions struct {
	generator Generator
}

// WithGenerator injects the completion backend used by the
// generative-model family. Other families ignore it.
func WithGenerator(gen Generator) Option {
	return func(o *factoryOptions) { o.generator = gen }
}

// New constructs an untrained classifier of the given family from a stored
// hyperparameter map. Unknown families fail with UnsupportedFamilyError.
func New(family Family, cfg Config, opts ...Option) (Classifier, error) {
	var fo factoryOptions
	for _, opt := range opts {
		opt(&fo)
	}
	switch family {
	case FamilySequence:
		return NewSequenceClassifier(sequenceConfigFrom(cfg)), nil
	case FamilyGenerative:
		return NewGenerativeClassifier(generativeConfigFrom(cfg), fo.generator), nil
	case FamilyFeature:
		return NewFeatureClassifier(featureConfigFrom(cfg)), nil
	case FamilyEnsemble:
		return NewEnsembleClassifier(ensembleConfigFrom(cfg)), nil
	default:
		return nil, &UnsupportedFamilyError{Family: string(family)}
	}
}

// ParseFamily normalises a family string. Legacy model-type names from older
// stored configurations resolve to the family that served them.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(FamilySequence), "sequence", "transformer", "bert", "biobert", "clinicalbert", "scibert", "pubmedbert":
		return FamilySequence, nil
	case string(FamilyGenerative), "generative", "gemma", "gemma-2b", "gemma2-2b":
		return FamilyGenerative, nil
	case string(FamilyFeature), "feature", "traditional", "svm", "logistic_regression", "random_forest":
		return FamilyFeature, nil
	case string(FamilyEnsemble), "hybrid":
		return FamilyEnsemble, nil
	default:
		return "", &UnsupportedFamilyError{Family: s}
	}
}

// normalizeAlgorithm maps legacy feature algorithm names onto the canonical
// ones. Unrecognised values pass through and fail at fit time.
func normalizeAlgorithm(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "svm":
		return AlgorithmMargin
	case "logistic_regression":
		return AlgorithmLogistic
	case "random_forest":
		return AlgorithmForest
	case "":
		return ""
	default:
		return s
	}
}

func sequenceConfigFrom(cfg Config) SequenceConfig {
	return SequenceConfig{
		BaseModel:    cfg.str("base_model", ""),
		Epochs:       cfg.integer("epochs", 0),
		BatchSize:    cfg.integer("batch_size", 0),
		LearningRate: cfg.num("learning_rate", 0),
		WeightDecay:  cfg.num("weight_decay", 0),
		WarmupSteps:  cfg.integer("warmup_steps", 0),
		MaxLength:    cfg.integer("max_length", 0),
		Seed:         int64(cfg.integer("seed", 0)),
	}
}

func generativeConfigFrom(cfg Config) GenerativeConfig {
	return GenerativeConfig{
		Model:       cfg.str("model", ""),
		MaxLength:   cfg.integer("max_length", 0),
		EvalSamples: cfg.integer("eval_samples", 0),
		FastEval:    cfg.boolean("fast_eval", false),
	}
}

func featureConfigFrom(cfg Config) FeatureConfig {
	return FeatureConfig{
		Algorithm:    normalizeAlgorithm(cfg.str("algorithm", "")),
		MaxFeatures:  cfg.integer("max_features", 0),
		NgramMax:     cfg.integer("ngram_max", 0),
		C:            cfg.num("c", 0),
		Estimators:   cfg.integer("estimators", 0),
		MaxDepth:     cfg.integer("max_depth", 0),
		Iterations:   cfg.integer("iterations", 0),
		LearningRate: cfg.num("learning_rate", 0),
		Seed:         int64(cfg.integer("seed", 0)),
	}
}

func ensembleConfigFrom(cfg Config) EnsembleConfig {
	return EnsembleConfig{
		Sequence:       sequenceConfigFrom(cfg),
		Feature:        featureConfigFrom(cfg),
		SequenceWeight: cfg.num("sequence_weight", 0),
		FeatureWeight:  cfg.num("feature_weight", 0),
	}
}

// OpenArtifact restores a classifier from an artifact without the caller
// knowing its family up front: the envelope records it.
func OpenArtifact(path string, opts ...Option) (Classifier, error) {
	family, err := artifactFamily(path)
	if err != nil {
		return nil, err
	}
	c, err := New(family, nil, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Load(path); err != nil {
		return nil, err
	}
	return c, nil
}

func artifactFamily(path string) (Family, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	var envelope bundle
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", &ArtifactCorruptError{Path: path, Reason: "invalid envelope", Err: err}
	}
	if envelope.Family == "" {
		return "", &ArtifactCorruptError{Path: path, Reason: "envelope carries no family"}
	}
	return envelope.Family, nil
}
