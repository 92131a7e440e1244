package classifier

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"
)

// SequenceConfig tunes the sequence-model classifier's training loop.
type SequenceConfig struct {
	BaseModel    string  `json:"base_model"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	WarmupSteps  int     `json:"warmup_steps"`
	MaxLength    int     `json:"max_length"`
	Seed         int64   `json:"seed"`
}

func (c *SequenceConfig) applyDefaults() {
	if c.BaseModel == "" {
		c.BaseModel = "biomed-minilm"
	}
	if c.Epochs <= 0 {
		c.Epochs = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.05
	}
	if c.WeightDecay < 0 {
		c.WeightDecay = 0
	}
	if c.WarmupSteps <= 0 {
		c.WarmupSteps = 100
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 512
	}
	if c.Seed == 0 {
		c.Seed = splitSeed
	}
}

// embeddingDim maps a base checkpoint name onto its embedding width.
func embeddingDim(baseModel string) int {
	switch baseModel {
	case "biomed-base":
		return 128
	case "biomed-large":
		return 256
	default:
		return 64
	}
}

// SequenceClassifier averages token embeddings from a frozen base checkpoint
// and fine-tunes a two-layer head with independent sigmoid outputs per label.
// The embedding table is derived deterministically from the base checkpoint
// name, so artifacts persist only the vocabulary and the head weights.
type SequenceClassifier struct {
	cfg     SequenceConfig
	labels  []string
	vocab   map[string]int
	emb     [][]float64
	w1, w2  [][]float64
	b1, b2  []float64
	trained bool
}

// NewSequenceClassifier builds an untrained sequence-model classifier.
func NewSequenceClassifier(cfg SequenceConfig) *SequenceClassifier {
	cfg.applyDefaults()
	return &SequenceClassifier{cfg: cfg}
}

func (s *SequenceClassifier) Family() Family   { return FamilySequence }
func (s *SequenceClassifier) Labels() []string { return append([]string(nil), s.labels...) }

// tokenEmbedding derives one frozen embedding row from the base checkpoint
// name and the token itself, so every process reconstructs identical rows.
func tokenEmbedding(baseModel, token string, dim int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(baseModel))
	h.Write([]byte{':'})
	h.Write([]byte(token))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	row := make([]float64, dim)
	scale := 1 / math.Sqrt(float64(dim))
	for i := range row {
		row[i] = rng.NormFloat64() * scale
	}
	return row
}

// buildVocab keeps every token seen in the training corpus, truncated per
// document at MaxLength, ordered lexically for stable row numbering.
func (s *SequenceClassifier) buildVocab(texts []string) {
	seen := make(map[string]struct{})
	for _, text := range texts {
		tokens := tokenize(text)
		if len(tokens) > s.cfg.MaxLength {
			tokens = tokens[:s.cfg.MaxLength]
		}
		for _, tok := range tokens {
			seen[tok] = struct{}{}
		}
	}
	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	dim := embeddingDim(s.cfg.BaseModel)
	s.vocab = make(map[string]int, len(tokens))
	s.emb = make([][]float64, len(tokens))
	for i, tok := range tokens {
		s.vocab[tok] = i
		s.emb[i] = tokenEmbedding(s.cfg.BaseModel, tok, dim)
	}
}

// embed averages the embedding rows of the known tokens of one text.
func (s *SequenceClassifier) embed(text string) []float64 {
	dim := embeddingDim(s.cfg.BaseModel)
	out := make([]float64, dim)
	tokens := tokenize(text)
	if len(tokens) > s.cfg.MaxLength {
		tokens = tokens[:s.cfg.MaxLength]
	}
	n := 0
	for _, tok := range tokens {
		if row, ok := s.vocab[tok]; ok {
			for i, v := range s.emb[row] {
				out[i] += v
			}
			n++
		}
	}
	if n > 0 {
		for i := range out {
			out[i] /= float64(n)
		}
	}
	return out
}

// embedCorpus embeds every text, fanning out across CPUs. Parallel embedding
// has hung intermittently on darwin/arm64 hosts, so that platform embeds on
// a single goroutine.
func (s *SequenceClassifier) embedCorpus(texts []string) [][]float64 {
	out := make([][]float64, len(texts))
	workers := runtime.GOMAXPROCS(0)
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		workers = 1
	}
	if workers > len(texts) {
		workers = len(texts)
	}
	if workers <= 1 {
		for i, text := range texts {
			out[i] = s.embed(text)
		}
		return out
	}

	var wg sync.WaitGroup
	work := make(chan int)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range work {
				out[i] = s.embed(texts[i])
			}
		}()
	}
	for i := range texts {
		work <- i
	}
	close(work)
	wg.Wait()
	return out
}

func (s *SequenceClassifier) forward(x []float64) (hPre, h, p []float64) {
	dim := len(x)
	hPre = make([]float64, dim)
	h = make([]float64, dim)
	for i := range s.w1 {
		sum := s.b1[i]
		for k, v := range x {
			sum += s.w1[i][k] * v
		}
		hPre[i] = sum
		if sum > 0 {
			h[i] = sum
		}
	}
	p = make([]float64, len(s.w2))
	for l := range s.w2 {
		sum := s.b2[l]
		for k, v := range h {
			sum += s.w2[l][k] * v
		}
		p[l] = sigmoid(sum)
	}
	return hPre, h, p
}

func (s *SequenceClassifier) Train(ctx context.Context, texts []string, labelSets [][]string, opts TrainOptions) (*Metrics, error) {
	started := time.Now()
	vocab, err := checkTrainingData(texts, labelSets)
	if err != nil {
		return nil, err
	}
	s.labels = vocab
	s.buildVocab(texts)

	dim := embeddingDim(s.cfg.BaseModel)
	rng := rand.New(rand.NewSource(s.cfg.Seed))
	s.w1 = randomMatrix(rng, dim, dim, 1/math.Sqrt(float64(dim)))
	s.b1 = make([]float64, dim)
	s.w2 = randomMatrix(rng, len(vocab), dim, 1/math.Sqrt(float64(dim)))
	s.b2 = make([]float64, len(vocab))

	vectors := s.embedCorpus(texts)
	truth := labelMatrix(labelSets, vocab)
	trainIdx, valIdx := splitTrainValidation(len(texts))

	gW1 := zeroMatrix(dim, dim)
	gW2 := zeroMatrix(len(vocab), dim)
	gb1 := make([]float64, dim)
	gb2 := make([]float64, len(vocab))

	step := 0
	var lastLoss float64
	for epoch := 0; epoch < s.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		order := append([]int(nil), trainIdx...)
		epochRNG := rand.New(rand.NewSource(s.cfg.Seed + int64(epoch) + 1))
		epochRNG.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var epochLoss float64
		var batches int
		for start := 0; start < len(order); start += s.cfg.BatchSize {
			end := start + s.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch := order[start:end]

			zeroFill(gb1)
			zeroFill(gb2)
			zeroFillMatrix(gW1)
			zeroFillMatrix(gW2)

			var batchLoss float64
			for _, idx := range batch {
				x := vectors[idx]
				hPre, h, p := s.forward(x)
				dz := make([]float64, len(s.labels))
				for l := range s.labels {
					target := 0.0
					if truth[idx][l] {
						target = 1.0
					}
					pl := math.Min(math.Max(p[l], 1e-7), 1-1e-7)
					if target > 0 {
						batchLoss += -math.Log(pl)
					} else {
						batchLoss += -math.Log(1 - pl)
					}
					dz[l] = p[l] - target
				}
				dh := make([]float64, dim)
				for l := range s.labels {
					gb2[l] += dz[l]
					for k := 0; k < dim; k++ {
						gW2[l][k] += dz[l] * h[k]
						dh[k] += dz[l] * s.w2[l][k]
					}
				}
				for k := 0; k < dim; k++ {
					if hPre[k] <= 0 {
						dh[k] = 0
					}
					gb1[k] += dh[k]
					for j := 0; j < dim; j++ {
						gW1[k][j] += dh[k] * x[j]
					}
				}
			}

			step++
			lr := s.cfg.LearningRate
			if step < s.cfg.WarmupSteps {
				lr *= float64(step) / float64(s.cfg.WarmupSteps)
			}
			n := float64(len(batch))
			applyUpdate(s.w1, gW1, lr, n, s.cfg.WeightDecay)
			applyUpdate(s.w2, gW2, lr, n, s.cfg.WeightDecay)
			applyBiasUpdate(s.b1, gb1, lr, n)
			applyBiasUpdate(s.b2, gb2, lr, n)

			epochLoss += batchLoss / (n * float64(len(s.labels)))
			batches++
		}
		if batches > 0 {
			lastLoss = epochLoss / float64(batches)
		}

		valAcc := s.validationAccuracy(vectors, truth, valIdx)
		if opts.Progress != nil {
			select {
			case opts.Progress <- ProgressUpdate{
				Epoch:       epoch + 1,
				TotalEpochs: s.cfg.Epochs,
				Loss:        lastLoss,
				Accuracy:    valAcc,
			}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	s.trained = true

	valScores := make([][]float64, len(valIdx))
	valTruth := make([][]bool, len(valIdx))
	for i, idx := range valIdx {
		_, _, p := s.forward(vectors[idx])
		valScores[i] = p
		valTruth[i] = truth[idx]
	}
	metrics := evaluateScores(valScores, valTruth, vocab)
	metrics.SampleCount = len(texts)
	metrics.TrainSamples = len(trainIdx)
	metrics.ValidationSamples = len(valIdx)
	metrics.TrainingSeconds = time.Since(started).Seconds()
	metrics.Epochs = s.cfg.Epochs
	metrics.FineTuned = true
	metrics.Approach = "fine_tuned"
	return metrics, nil
}

func (s *SequenceClassifier) validationAccuracy(vectors [][]float64, truth [][]bool, valIdx []int) float64 {
	if len(valIdx) == 0 {
		return 0
	}
	matches := 0
	for _, idx := range valIdx {
		_, _, p := s.forward(vectors[idx])
		all := true
		for l := range s.labels {
			if (p[l] >= 0.5) != truth[idx][l] {
				all = false
				break
			}
		}
		if all {
			matches++
		}
	}
	return float64(matches) / float64(len(valIdx))
}

func (s *SequenceClassifier) Predict(ctx context.Context, texts []string, threshold float64) ([]Prediction, error) {
	if !s.trained {
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
		_, _, p := s.forward(s.embed(text))
		out[i] = buildPrediction(text, s.labels, p, threshold, started)
	}
	return out, nil
}

// sequenceState is the persisted form: head weights plus the token list.
// Embedding rows are reconstructed from the base checkpoint name on load.
type sequenceState struct {
	Config SequenceConfig `json:"config"`
	Labels []string       `json:"labels"`
	Tokens []string       `json:"tokens"`
	W1     [][]float64    `json:"w1"`
	B1     []float64      `json:"b1"`
	W2     [][]float64    `json:"w2"`
	B2     []float64      `json:"b2"`
}

func (s *SequenceClassifier) Save(path string) error {
	if !s.trained {
		return ErrNotTrained
	}
	tokens := make([]string, len(s.vocab))
	for tok, row := range s.vocab {
		tokens[row] = tok
	}
	state := sequenceState{
		Config: s.cfg,
		Labels: s.labels,
		Tokens: tokens,
		W1:     s.w1,
		B1:     s.b1,
		W2:     s.w2,
		B2:     s.b2,
	}
	return writeBundle(path, FamilySequence, state)
}

func (s *SequenceClassifier) Load(path string) error {
	var state sequenceState
	if err := readBundle(path, FamilySequence, &state); err != nil {
		return err
	}
	state.Config.applyDefaults()
	dim := embeddingDim(state.Config.BaseModel)
	if len(state.Labels) == 0 || len(state.W2) != len(state.Labels) || len(state.W1) != dim {
		return &ArtifactCorruptError{Path: path, Reason: "head weights do not match configuration"}
	}
	s.cfg = state.Config
	s.labels = state.Labels
	s.vocab = make(map[string]int, len(state.Tokens))
	s.emb = make([][]float64, len(state.Tokens))
	for row, tok := range state.Tokens {
		s.vocab[tok] = row
		s.emb[row] = tokenEmbedding(s.cfg.BaseModel, tok, dim)
	}
	s.w1 = state.W1
	s.b1 = state.B1
	s.w2 = state.W2
	s.b2 = state.B2
	s.trained = true
	return nil
}

func randomMatrix(rng *rand.Rand, rows, cols int, scale float64) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * scale
		}
	}
	return m
}

func zeroMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func zeroFill(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

func zeroFillMatrix(m [][]float64) {
	for i := range m {
		zeroFill(m[i])
	}
}

func applyUpdate(w, g [][]float64, lr, n, decay float64) {
	for i := range w {
		for j := range w[i] {
			w[i][j] -= lr * (g[i][j]/n + decay*w[i][j])
		}
	}
}

func applyBiasUpdate(b, g []float64, lr, n float64) {
	for i := range b {
		b[i] -= lr * g[i] / n
	}
}
