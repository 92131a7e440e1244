package classifier

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsembleTrainAndFusion(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewEnsembleClassifier(EnsembleConfig{
		Sequence: SequenceConfig{Epochs: 2, BatchSize: 4},
		Feature:  FeatureConfig{Algorithm: AlgorithmLogistic, C: 10},
	})

	updates := make(chan ProgressUpdate)
	var got []ProgressUpdate
	done := make(chan struct{})
	go func() {
		for u := range updates {
			got = append(got, u)
		}
		close(done)
	}()

	metrics, err := c.Train(context.Background(), texts, labels, TrainOptions{Progress: updates})
	close(updates)
	<-done
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if metrics.Approach != "ensemble" {
		t.Fatalf("unexpected approach: %s", metrics.Approach)
	}

	// Two sequence epochs plus the final fusion stage.
	if len(got) != 3 {
		t.Fatalf("expected 3 progress updates, got %d: %+v", len(got), got)
	}
	for i, u := range got {
		if u.Epoch != i+1 || u.TotalEpochs != 3 {
			t.Fatalf("update %d out of order: %+v", i, u)
		}
	}

	if c.cfg.SequenceWeight != 0.7 || c.cfg.FeatureWeight != 0.3 {
		t.Fatalf("unexpected default weights: %+v", c.cfg)
	}

	input := []string{"coronary artery disease with chest pain"}
	fused, err := c.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	seq, err := c.sequence.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("sequence predict: %v", err)
	}
	feat, err := c.feature.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("feature predict: %v", err)
	}
	for _, label := range c.Labels() {
		want := 0.7*seq[0].AllScores[label] + 0.3*feat[0].AllScores[label]
		if math.Abs(fused[0].AllScores[label]-want) > 1e-9 {
			t.Fatalf("fusion mismatch for %s: got %v want %v", label, fused[0].AllScores[label], want)
		}
	}
}

func TestEnsembleFusionWeights(t *testing.T) {
	cases := []struct {
		name     string
		cfg      EnsembleConfig
		sequence float64
		feature  float64
	}{
		{"unset pair", EnsembleConfig{}, 0.7, 0.3},
		{"sequence only", EnsembleConfig{SequenceWeight: 0.9}, 0.9, 0.1},
		{"feature only", EnsembleConfig{FeatureWeight: 0.25}, 0.75, 0.25},
		{"unnormalised pair", EnsembleConfig{SequenceWeight: 3, FeatureWeight: 1}, 0.75, 0.25},
		{"lone weight above one", EnsembleConfig{SequenceWeight: 1.5}, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.applyDefaults()
			if math.Abs(tc.cfg.SequenceWeight-tc.sequence) > 1e-9 ||
				math.Abs(tc.cfg.FeatureWeight-tc.feature) > 1e-9 {
				t.Fatalf("weights = (%v, %v), want (%v, %v)",
					tc.cfg.SequenceWeight, tc.cfg.FeatureWeight, tc.sequence, tc.feature)
			}
			if sum := tc.cfg.SequenceWeight + tc.cfg.FeatureWeight; math.Abs(sum-1) > 1e-9 {
				t.Fatalf("weights sum to %v, want 1", sum)
			}
		})
	}

	// A stored config carrying only one weight still fuses both members.
	c, err := New(FamilyEnsemble, Config{"sequence_weight": 0.9})
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	ens := c.(*EnsembleClassifier)
	if math.Abs(ens.cfg.SequenceWeight-0.9) > 1e-9 || math.Abs(ens.cfg.FeatureWeight-0.1) > 1e-9 {
		t.Fatalf("stored single-weight config: got (%v, %v), want (0.9, 0.1)",
			ens.cfg.SequenceWeight, ens.cfg.FeatureWeight)
	}
}

func TestEnsembleRoundTrip(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewEnsembleClassifier(EnsembleConfig{
		Sequence: SequenceConfig{Epochs: 1, BatchSize: 4},
		Feature:  FeatureConfig{Algorithm: AlgorithmLogistic, C: 10},
	})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "model.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, sidecar := range []string{"model_sequence.bundle", "model_feature.bundle"} {
		if _, err := os.Stat(filepath.Join(dir, sidecar)); err != nil {
			t.Fatalf("missing member artifact %s: %v", sidecar, err)
		}
	}

	restored := NewEnsembleClassifier(EnsembleConfig{})
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Family() != FamilyEnsemble {
		t.Fatalf("unexpected family: %s", restored.Family())
	}

	input := []string{"migraine with aura", "heart failure with chest pain"}
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
				t.Fatalf("score drifted for %s: %v vs %v", label, score, after[i].AllScores[label])
			}
		}
	}
}
