package classifier

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

type scriptedGenerator struct {
	response string
	err      error
	prompts  []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.response, g.err
}

func TestGenerativePromptShape(t *testing.T) {
	prompt := classificationPrompt("chest pain", []string{"cardiology", "neurology"})
	if !strings.Contains(prompt, "these domains: cardiology, neurology") {
		t.Fatalf("prompt missing domain list: %s", prompt)
	}
	if !strings.Contains(prompt, "Text: chest pain") {
		t.Fatalf("prompt missing text section: %s", prompt)
	}
	if !strings.HasSuffix(prompt, "separated by commas):") {
		t.Fatalf("prompt missing answer cue: %s", prompt)
	}
}

func TestExtractClassification(t *testing.T) {
	// Backend that echoes the whole prompt before answering.
	echoed := classificationPrompt("chest pain", []string{"cardiology"}) + " cardiology"
	if got := extractClassification(echoed); got != "cardiology" {
		t.Fatalf("echoed completion parsed to %q", got)
	}
	if got := extractClassification("cardiology, neurology"); got != "cardiology, neurology" {
		t.Fatalf("bare completion parsed to %q", got)
	}
	if got := extractClassification("Answer: oncology"); got != "oncology" {
		t.Fatalf("colon completion parsed to %q", got)
	}
}

func TestGenerativePredictScores(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	gen := &scriptedGenerator{response: "cardiology"}
	c := NewGenerativeClassifier(GenerativeConfig{}, gen)

	metrics, err := c.Train(context.Background(), texts, labels, TrainOptions{})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if metrics.FineTuned || metrics.Approach != "inference_only" {
		t.Fatalf("expected inference_only metrics, got %+v", metrics)
	}

	preds, err := c.Predict(context.Background(), []string{"chest pain"}, 0.5)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	p := preds[0]
	if len(p.PredictedDomains) != 1 || p.PredictedDomains[0] != "cardiology" {
		t.Fatalf("unexpected predicted domains: %v", p.PredictedDomains)
	}
	if p.AllScores["cardiology"] != generativeHit || p.AllScores["neurology"] != generativeMiss {
		t.Fatalf("unexpected scores: %#v", p.AllScores)
	}
	if p.Confidences["cardiology"] != generativeHit || len(p.Confidences) != 1 {
		t.Fatalf("unexpected confidences: %#v", p.Confidences)
	}
	if len(gen.prompts) == 0 || !strings.Contains(gen.prompts[len(gen.prompts)-1], "Text: chest pain") {
		t.Fatalf("generator never saw the input text")
	}
}

func TestGenerativeTrainSurvivesFailedCompletions(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	gen := &scriptedGenerator{err: errors.New("backend down")}
	c := NewGenerativeClassifier(GenerativeConfig{}, gen)

	metrics, err := c.Train(context.Background(), texts, labels, TrainOptions{})
	if err != nil {
		t.Fatalf("train should tolerate failed completions, got %v", err)
	}
	if metrics.ValidationSamples == 0 {
		t.Fatalf("expected evaluated samples, got %+v", metrics)
	}

	// Predict, unlike evaluation, surfaces backend failures.
	if _, err := c.Predict(context.Background(), []string{"chest pain"}, 0.5); err == nil {
		t.Fatalf("expected predict to fail when the backend fails")
	}
}

func TestGenerativeHeuristicDefault(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewGenerativeClassifier(GenerativeConfig{}, nil)
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	preds, err := c.Predict(context.Background(), []string{"patient with heart and cardiac findings"}, 0.5)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !containsLabel(preds[0].PredictedDomains, "cardiology") {
		t.Fatalf("heuristic backend missed cardiology: %#v", preds[0])
	}
}

func TestGenerativeRoundTrip(t *testing.T) {
	texts, labels := cardioNeuroCorpus()
	c := NewGenerativeClassifier(GenerativeConfig{Model: "gemma-2b", FastEval: true}, &scriptedGenerator{response: "cardiology"})
	if _, err := c.Train(context.Background(), texts, labels, TrainOptions{}); err != nil {
		t.Fatalf("train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "generative.bundle")
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored := NewGenerativeClassifier(GenerativeConfig{}, nil)
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := restored.Labels(); len(got) != 2 || got[0] != "cardiology" || got[1] != "neurology" {
		t.Fatalf("restored labels: %v", got)
	}

	// Artifacts carry no backend: a fresh one is injected after load.
	restored.SetGenerator(&scriptedGenerator{response: "neurology"})
	preds, err := restored.Predict(context.Background(), []string{"headache"}, 0.5)
	if err != nil {
		t.Fatalf("predict after load: %v", err)
	}
	if !containsLabel(preds[0].PredictedDomains, "neurology") {
		t.Fatalf("unexpected prediction after load: %#v", preds[0])
	}
}
