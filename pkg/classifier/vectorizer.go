package classifier

import (
	"math"
	"sort"
)

// sparseVec is an L2-normalised sparse feature vector with indices sorted
// ascending. Keeping parallel slices instead of a map makes dot products
// and persistence deterministic.
type sparseVec struct {
	Idx []int     `json:"idx"`
	Val []float64 `json:"val"`
}

func (v sparseVec) dot(w []float64) float64 {
	var sum float64
	for i, idx := range v.Idx {
		sum += v.Val[i] * w[idx]
	}
	return sum
}

// at returns the value stored for a feature column, zero when absent.
func (v sparseVec) at(idx int) float64 {
	i := sort.SearchInts(v.Idx, idx)
	if i < len(v.Idx) && v.Idx[i] == idx {
		return v.Val[i]
	}
	return 0
}

// tfidfVectorizer maps raw text onto a fixed sparse TF-IDF feature space:
// unigrams plus n-grams up to NgramMax, the MaxFeatures most frequent terms,
// smoothed IDF, L2-normalised rows.
type tfidfVectorizer struct {
	MaxFeatures int            `json:"max_features"`
	NgramMax    int            `json:"ngram_max"`
	Vocab       map[string]int `json:"vocab"`
	IDF         []float64      `json:"idf"`
}

func newTFIDFVectorizer(maxFeatures, ngramMax int) *tfidfVectorizer {
	return &tfidfVectorizer{MaxFeatures: maxFeatures, NgramMax: ngramMax}
}

func (v *tfidfVectorizer) dim() int { return len(v.Vocab) }

func (v *tfidfVectorizer) fit(texts []string) {
	termCount := make(map[string]int)
	docCount := make(map[string]int)
	for _, text := range texts {
		terms := ngrams(tokenize(text), v.NgramMax)
		seen := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			termCount[term]++
			seen[term] = struct{}{}
		}
		for term := range seen {
			docCount[term]++
		}
	}

	type termFreq struct {
		term  string
		count int
	}
	ranked := make([]termFreq, 0, len(termCount))
	for term, count := range termCount {
		ranked = append(ranked, termFreq{term, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].term < ranked[j].term
	})
	if len(ranked) > v.MaxFeatures {
		ranked = ranked[:v.MaxFeatures]
	}

	// Column order is lexical over the kept terms so the feature space is
	// independent of frequency ties.
	kept := make([]string, len(ranked))
	for i, tf := range ranked {
		kept[i] = tf.term
	}
	sort.Strings(kept)

	n := len(texts)
	v.Vocab = make(map[string]int, len(kept))
	v.IDF = make([]float64, len(kept))
	for i, term := range kept {
		v.Vocab[term] = i
		v.IDF[i] = math.Log(float64(1+n)/float64(1+docCount[term])) + 1
	}
}

func (v *tfidfVectorizer) transform(text string) sparseVec {
	counts := make(map[int]float64)
	for _, term := range ngrams(tokenize(text), v.NgramMax) {
		if idx, ok := v.Vocab[term]; ok {
			counts[idx]++
		}
	}
	if len(counts) == 0 {
		return sparseVec{}
	}

	idxs := make([]int, 0, len(counts))
	for idx := range counts {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	vals := make([]float64, len(idxs))
	var norm float64
	for i, idx := range idxs {
		w := counts[idx] * v.IDF[idx]
		vals[i] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vals {
			vals[i] /= norm
		}
	}
	return sparseVec{Idx: idxs, Val: vals}
}
