package classifier

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// cardioNeuroCorpus is linearly separable: the two topics share no tokens.
func cardioNeuroCorpus() ([]string, [][]string) {
	texts := []string{
		"acute myocardial infarction with elevated troponin and chest pain",
		"coronary artery disease treated with stent and aspirin",
		"heart failure with reduced ejection fraction and chest pain",
		"atrial fibrillation managed with anticoagulation and rate control",
		"hypertensive heart disease with left ventricular hypertrophy",
		"ischemic stroke with hemiparesis and aphasia",
		"epileptic seizures controlled with levetiracetam",
		"migraine with aura and photophobia episodes",
		"parkinson disease with tremor and bradykinesia",
		"multiple sclerosis with optic neuritis relapse",
	}
	labels := [][]string{
		{"cardiology"}, {"cardiology"}, {"cardiology"}, {"cardiology"}, {"cardiology"},
		{"neurology"}, {"neurology"}, {"neurology"}, {"neurology"}, {"neurology"},
	}
	return texts, labels
}

func TestFeatureTrainPredictLogistic(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmLogistic, C: 10})

	metrics, err := c.Train(context.Background(), texts, labels, TrainOptions{})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if metrics.VocabularySize != 2 {
		t.Fatalf("expected 2 labels, got %d", metrics.VocabularySize)
	}
	if metrics.TrainSamples != 8 || metrics.ValidationSamples != 2 {
		t.Fatalf("unexpected split: train=%d validation=%d", metrics.TrainSamples, metrics.ValidationSamples)
	}
	if !metrics.FineTuned {
		t.Fatalf("expected fine_tuned metrics, got %+v", metrics)
	}

	preds, err := c.Predict(context.Background(), []string{"chest pain after myocardial infarction with troponin rise"}, 0)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("expected one prediction, got %d", len(preds))
	}
	p := preds[0]
	if p.Threshold != DefaultThreshold {
		t.Fatalf("expected default threshold, got %v", p.Threshold)
	}
	if p.Fallback {
		t.Fatalf("trained prediction must not be flagged as fallback")
	}
	if p.AllScores["cardiology"] <= p.AllScores["neurology"] {
		t.Fatalf("expected cardiology to outscore neurology: %#v", p.AllScores)
	}
	if !containsLabel(p.PredictedDomains, "cardiology") {
		t.Fatalf("expected cardiology in predicted domains, got %v", p.PredictedDomains)
	}
	for label, score := range p.Confidences {
		if score < p.Threshold {
			t.Fatalf("confidence for %s below threshold: %v", label, score)
		}
	}
}

func TestFeatureTwoSampleVocabulary(t *testing.T) {
	texts := []string{
		"chest pain and shortness of breath",
		"severe headache with nausea",
	}
	labels := [][]string{{"cardiology"}, {"neurology"}}

	c, err := New(FamilyFeature, Config{"algorithm": AlgorithmLogistic})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	metrics, err := c.Train(context.Background(), texts, labels, TrainOptions{})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if metrics.VocabularySize != 2 {
		t.Fatalf("expected vocabulary of 2, got %d", metrics.VocabularySize)
	}
	if got := c.Labels(); len(got) != 2 || got[0] != "cardiology" || got[1] != "neurology" {
		t.Fatalf("expected sorted label union, got %v", got)
	}

	preds, err := c.Predict(context.Background(), []string{"chest pain"}, 0.5)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("expected one prediction, got %d", len(preds))
	}
	if len(preds[0].AllScores) != 2 {
		t.Fatalf("expected scores for both labels, got %#v", preds[0].AllScores)
	}
	for _, label := range []string{"cardiology", "neurology"} {
		if _, ok := preds[0].AllScores[label]; !ok {
			t.Fatalf("missing score for %s: %#v", label, preds[0].AllScores)
		}
	}
}

func TestFeatureThresholdMonotonic(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmMargin, C: 10})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	input := []string{"chest pain with coronary artery disease"}
	low, err := c.Predict(context.Background(), input, 0.1)
	if err != nil {
		t.Fatalf("predict low: %v", err)
	}
	high, err := c.Predict(context.Background(), input, 0.9)
	if err != nil {
		t.Fatalf("predict high: %v", err)
	}
	if len(high[0].PredictedDomains) > len(low[0].PredictedDomains) {
		t.Fatalf("raising the threshold grew the prediction set: %v vs %v",
			low[0].PredictedDomains, high[0].PredictedDomains)
	}
	for _, label := range high[0].PredictedDomains {
		if !containsLabel(low[0].PredictedDomains, label) {
			t.Fatalf("label %s predicted at 0.9 but not at 0.1", label)
		}
	}
}

func TestFeatureForestRoundTrip(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmForest, Estimators: 20, MaxDepth: 4})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "forest.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored := NewFeatureClassifier(FeatureConfig{})
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	input := []string{"coronary artery disease with chest pain", "migraine with aura"}
	before, err := c.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("predict before: %v", err)
	}
	after, err := restored.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("predict after: %v", err)
	}
	for i := range input {
		for label, score := range before[i].AllScores {
			if math.Abs(after[i].AllScores[label]-score) > 1e-9 {
				t.Fatalf("score drifted across save/load for %s: %v vs %v",
					label, score, after[i].AllScores[label])
			}
		}
	}
}

func TestFeatureLinearRoundTrip(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmLogistic, C: 10})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "linear.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored := NewFeatureClassifier(FeatureConfig{})
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := restored.Labels(); len(got) != 2 {
		t.Fatalf("restored labels: %v", got)
	}

	input := []string{"heart failure with chest pain"}
	before, _ := c.Predict(context.Background(), input, 0.5)
	after, err := restored.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("predict after load: %v", err)
	}
	for label, score := range before[0].AllScores {
		if math.Abs(after[0].AllScores[label]-score) > 1e-9 {
			t.Fatalf("score drifted for %s: %v vs %v", label, score, after[0].AllScores[label])
		}
	}
}

func TestFeatureTrainProgressHonoursCancellation(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmLogistic, C: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nobody reads the progress channel; the final send must unblock on
	// cancellation instead of hanging.
	updates := make(chan ProgressUpdate)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Train(ctx, texts, labels, TrainOptions{Progress: updates})
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("train returned before cancellation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFeatureNotTrained(t *testing.T) {
	c := NewFeatureClassifier(FeatureConfig{})
	if _, err := c.Predict(context.Background(), []string{"chest pain"}, 0.5); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("expected ErrNotTrained from predict, got %v", err)
	}
	if err := c.Save(filepath.Join(t.TempDir(), "x.bundle")); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("expected ErrNotTrained from save, got %v", err)
	}
}

func TestFeatureInsufficientData(t *testing.T) {
	c := NewFeatureClassifier(FeatureConfig{})

	var insufficient *InsufficientDataError
	_, err := c.Train(context.Background(), nil, nil, TrainOptions{})
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError for empty set, got %v", err)
	}

	_, err = c.Train(context.Background(), []string{"a", "b"}, [][]string{{}, {}}, TrainOptions{})
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError for unlabeled set, got %v", err)
	}
	if insufficient.Samples != 2 || insufficient.Labeled != 0 {
		t.Fatalf("unexpected counts: %+v", insufficient)
	}
}

func TestArtifactCorruption(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmLogistic})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "model.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
		t.Fatalf("truncate artifact: %v", err)
	}

	var corrupt *ArtifactCorruptError
	if err := NewFeatureClassifier(FeatureConfig{}).Load(path); !errors.As(err, &corrupt) {
		t.Fatalf("expected ArtifactCorruptError for truncated file, got %v", err)
	}

	// A missing artifact is a different failure from a corrupt one.
	err = NewFeatureClassifier(FeatureConfig{}).Load(filepath.Join(dir, "absent.bundle"))
	if err == nil || errors.As(err, &corrupt) {
		t.Fatalf("expected plain read error for missing file, got %v", err)
	}
}

func TestArtifactFamilyMismatch(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewFeatureClassifier(FeatureConfig{Algorithm: AlgorithmLogistic})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	var corrupt *ArtifactCorruptError
	if err := NewSequenceClassifier(SequenceConfig{}).Load(path); !errors.As(err, &corrupt) {
		t.Fatalf("expected family mismatch to be corrupt, got %v", err)
	}
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
