package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Generator produces a completion for a classification prompt. Remote
// inference clients implement it; tests and offline runs use the built-in
// heuristic generator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenerativeConfig tunes the generative-model classifier.
type GenerativeConfig struct {
	Model       string `json:"model"`
	MaxLength   int    `json:"max_length"`
	EvalSamples int    `json:"eval_samples"`
	FastEval    bool   `json:"fast_eval"`
}

func (c *GenerativeConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = "gemma-2b"
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 512
	}
	if c.EvalSamples <= 0 {
		c.EvalSamples = 100
	}
}

func (c *GenerativeConfig) evalSampleSize() int {
	if c.FastEval {
		return 20
	}
	return c.EvalSamples
}

// GenerativeClassifier adapts a generative model to multi-label
// classification by prompting. It never updates model weights: Train only
// collects the label set and measures held-out agreement, so metrics carry
// the inference_only approach marker.
type GenerativeClassifier struct {
	cfg     GenerativeConfig
	gen     Generator
	labels  []string
	trained bool
}

// NewGenerativeClassifier builds a prompting classifier around gen. A nil
// generator falls back to the keyword heuristic.
func NewGenerativeClassifier(cfg GenerativeConfig, gen Generator) *GenerativeClassifier {
	cfg.applyDefaults()
	if gen == nil {
		gen = heuristicGenerator{}
	}
	return &GenerativeClassifier{cfg: cfg, gen: gen}
}

func (g *GenerativeClassifier) Family() Family   { return FamilyGenerative }
func (g *GenerativeClassifier) Labels() []string { return append([]string(nil), g.labels...) }

// SetGenerator swaps the completion backend, typically after Load, since
// artifacts persist only the label set and configuration.
func (g *GenerativeClassifier) SetGenerator(gen Generator) {
	if gen != nil {
		g.gen = gen
	}
}

func classificationPrompt(text string, labels []string) string {
	return fmt.Sprintf(`Classify the following medical text into one or more of these domains: %s

Text: %s

Classification (respond with only the relevant domain names, separated by commas):`,
		strings.Join(labels, ", "), text)
}

// extractClassification trims a completion down to the answer segment. Some
// backends echo the whole prompt, so everything up to the final colon of the
// classification line is discarded.
func extractClassification(raw string) string {
	if i := strings.Index(raw, "Classification (respond with only"); i >= 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSpace(raw)
}

func matchLabels(response string, labels []string) []string {
	response = strings.ToLower(response)
	var matched []string
	for _, label := range labels {
		if strings.Contains(response, strings.ToLower(label)) {
			matched = append(matched, label)
		}
	}
	return matched
}

const (
	generativeHit  = 0.8
	generativeMiss = 0.2
)

func (g *GenerativeClassifier) scoreText(ctx context.Context, text string) ([]float64, error) {
	prompt := classificationPrompt(text, g.labels)
	raw, err := g.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate classification: %w", err)
	}
	matched := matchLabels(extractClassification(raw), g.labels)
	hit := make(map[string]bool, len(matched))
	for _, label := range matched {
		hit[label] = true
	}
	scores := make([]float64, len(g.labels))
	for i, label := range g.labels {
		if hit[label] {
			scores[i] = generativeHit
		} else {
			scores[i] = generativeMiss
		}
	}
	return scores, nil
}

func (g *GenerativeClassifier) Train(ctx context.Context, texts []string, labelSets [][]string, opts TrainOptions) (*Metrics, error) {
	started := time.Now()
	vocab, err := checkTrainingData(texts, labelSets)
	if err != nil {
		return nil, err
	}
	g.labels = vocab
	g.trained = true

	truth := labelMatrix(labelSets, vocab)
	_, valIdx := splitTrainValidation(len(texts))
	valIdx = sampleEvery(valIdx, g.cfg.evalSampleSize())

	scores := make([][]float64, 0, len(valIdx))
	valTruth := make([][]bool, 0, len(valIdx))
	for _, idx := range valIdx {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := g.scoreText(ctx, texts[idx])
		if err != nil {
			// A failed completion counts as an empty prediction rather
			// than aborting the evaluation pass.
			row = make([]float64, len(vocab))
			for i := range row {
				row[i] = generativeMiss
			}
		}
		scores = append(scores, row)
		valTruth = append(valTruth, truth[idx])
	}

	metrics := evaluateScores(scores, valTruth, vocab)
	metrics.SampleCount = len(texts)
	metrics.TrainSamples = len(texts) - len(valIdx)
	metrics.ValidationSamples = len(valIdx)
	metrics.TrainingSeconds = time.Since(started).Seconds()
	metrics.Epochs = 0
	metrics.FineTuned = false
	metrics.Approach = "inference_only"

	if opts.Progress != nil {
		select {
		case opts.Progress <- ProgressUpdate{
			Epoch:       1,
			TotalEpochs: 1,
			Accuracy:    metrics.Accuracy,
		}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return metrics, nil
}

// sampleEvery thins idx to at most limit entries at an even stride,
// preserving order.
func sampleEvery(idx []int, limit int) []int {
	if limit <= 0 || len(idx) <= limit {
		return idx
	}
	stride := len(idx) / limit
	out := make([]int, 0, limit)
	for i := 0; i < len(idx) && len(out) < limit; i += stride {
		out = append(out, idx[i])
	}
	return out
}

func (g *GenerativeClassifier) Predict(ctx context.Context, texts []string, threshold float64) ([]Prediction, error) {
	if !g.trained {
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
		scores, err := g.scoreText(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = buildPrediction(text, g.labels, scores, threshold, started)
	}
	return out, nil
}

type generativeState struct {
	Config GenerativeConfig `json:"config"`
	Labels []string         `json:"labels"`
}

func (g *GenerativeClassifier) Save(path string) error {
	if !g.trained {
		return ErrNotTrained
	}
	return writeBundle(path, FamilyGenerative, generativeState{Config: g.cfg, Labels: g.labels})
}

func (g *GenerativeClassifier) Load(path string) error {
	var state generativeState
	if err := readBundle(path, FamilyGenerative, &state); err != nil {
		return err
	}
	if len(state.Labels) == 0 {
		return &ArtifactCorruptError{Path: path, Reason: "artifact carries no labels"}
	}
	state.Config.applyDefaults()
	g.cfg = state.Config
	g.labels = state.Labels
	g.trained = true
	return nil
}

// heuristicGenerator is the offline completion backend. It reads the
// candidate domains and the text back out of the prompt and answers with
// the domains whose keywords appear in the text.
type heuristicGenerator struct{}

func (heuristicGenerator) Generate(_ context.Context, prompt string) (string, error) {
	candidates := promptDomains(prompt)
	body := promptText(prompt)
	var matched []string
	for _, label := range candidates {
		if keywordHits(body, label) > 0 || strings.Contains(strings.ToLower(body), strings.ToLower(label)) {
			matched = append(matched, label)
		}
	}
	return strings.Join(matched, ", "), nil
}

func promptDomains(prompt string) []string {
	const marker = "these domains: "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return nil
	}
	line := prompt[i+len(marker):]
	if j := strings.IndexByte(line, '\n'); j >= 0 {
		line = line[:j]
	}
	parts := strings.Split(line, ", ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func promptText(prompt string) string {
	const marker = "\nText: "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return prompt
	}
	body := prompt[i+len(marker):]
	if j := strings.Index(body, "\n\nClassification"); j >= 0 {
		body = body[:j]
	}
	return body
}
