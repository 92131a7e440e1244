package classifier

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func TestSequenceTrainEmitsOrderedProgress(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewSequenceClassifier(SequenceConfig{Epochs: 3, BatchSize: 4})

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

	if len(got) != 3 {
		t.Fatalf("expected 3 progress updates, got %d", len(got))
	}
	for i, u := range got {
		if u.Epoch != i+1 || u.TotalEpochs != 3 {
			t.Fatalf("update %d out of order: %+v", i, u)
		}
	}
	if metrics.Epochs != 3 || !metrics.FineTuned || metrics.Approach != "fine_tuned" {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
	if metrics.VocabularySize != 2 {
		t.Fatalf("expected 2 labels, got %d", metrics.VocabularySize)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewSequenceClassifier(SequenceConfig{Epochs: 2, BatchSize: 4})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sequence.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored := NewSequenceClassifier(SequenceConfig{})
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Family() != FamilySequence {
		t.Fatalf("unexpected family: %s", restored.Family())
	}
	if got := restored.Labels(); len(got) != 2 || got[0] != "cardiology" {
		t.Fatalf("restored labels: %v", got)
	}

	input := []string{"coronary artery disease with chest pain", "seizures and migraine"}
	before, err := c.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("predict before: %v", err)
	}
	after, err := restored.Predict(context.Background(), input, 0.5)
	if err != nil {
		t.Fatalf("predict after: %v", err)
	}
	for i := range input {
		if len(after[i].AllScores) != 2 {
			t.Fatalf("expected both labels scored, got %#v", after[i].AllScores)
		}
		for label, score := range before[i].AllScores {
			if math.Abs(after[i].AllScores[label]-score) > 1e-9 {
				t.Fatalf("score drifted across save/load for %s: %v vs %v",
					label, score, after[i].AllScores[label])
			}
		}
	}
}

func TestSequenceTrainCancelled(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewSequenceClassifier(SequenceConfig{Epochs: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Train(ctx, texts, labels, TrainOptions{}); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmbeddingDeterministic(t *testing.T) {
	a := tokenEmbedding("biomed-minilm", "troponin", 64)
	b := tokenEmbedding("biomed-minilm", "troponin", 64)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding rows differ at %d", i)
		}
	}
	other := tokenEmbedding("biomed-large", "troponin", 64)
	same := true
	for i := range a {
		if a[i] != other[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different base checkpoints produced identical rows")
	}
}
