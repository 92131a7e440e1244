package classifier

import (
	"math"
	"math/rand"
	"sort"
)

// treeNode is one node of a CART tree. Leaves carry the positive-class
// fraction of the training samples that reached them.
type treeNode struct {
	Leaf    bool      `json:"leaf"`
	Prob    float64   `json:"p"`
	Feature int       `json:"f,omitempty"`
	Thresh  float64   `json:"t,omitempty"`
	Left    *treeNode `json:"l,omitempty"`
	Right   *treeNode `json:"r,omitempty"`
}

// forestModel is a bootstrap ensemble of CART trees; its probability output
// is the fraction of trees voting positive, weighted by leaf purity.
type forestModel struct {
	Trees []*treeNode `json:"trees"`
}

func (f *forestModel) prob(x sparseVec) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, tree := range f.Trees {
		node := tree
		for !node.Leaf {
			if x.at(node.Feature) <= node.Thresh {
				node = node.Left
			} else {
				node = node.Right
			}
		}
		sum += node.Prob
	}
	return sum / float64(len(f.Trees))
}

type treeBuilder struct {
	X        []sparseVec
	y        []bool
	maxDepth int
	rng      *rand.Rand
}

func fitForest(cfg FeatureConfig, dim int, X []sparseVec, y []bool, seed int64) *forestModel {
	forest := &forestModel{Trees: make([]*treeNode, 0, cfg.Estimators)}
	if len(X) == 0 {
		forest.Trees = append(forest.Trees, &treeNode{Leaf: true})
		return forest
	}
	rng := rand.New(rand.NewSource(seed))
	builder := &treeBuilder{X: X, y: y, maxDepth: cfg.MaxDepth, rng: rng}

	for t := 0; t < cfg.Estimators; t++ {
		sample := make([]int, len(X))
		for i := range sample {
			sample[i] = rng.Intn(len(X))
		}
		forest.Trees = append(forest.Trees, builder.grow(sample, 0))
	}
	return forest
}

func (b *treeBuilder) grow(samples []int, depth int) *treeNode {
	pos := 0
	for _, i := range samples {
		if b.y[i] {
			pos++
		}
	}
	prob := float64(pos) / float64(len(samples))
	if depth >= b.maxDepth || pos == 0 || pos == len(samples) || len(samples) < 2 {
		return &treeNode{Leaf: true, Prob: prob}
	}

	feature, thresh, ok := b.bestSplit(samples, prob)
	if !ok {
		return &treeNode{Leaf: true, Prob: prob}
	}

	var left, right []int
	for _, i := range samples {
		if b.X[i].at(feature) <= thresh {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{Leaf: true, Prob: prob}
	}
	return &treeNode{
		Feature: feature,
		Thresh:  thresh,
		Left:    b.grow(left, depth+1),
		Right:   b.grow(right, depth+1),
	}
}

// bestSplit scans a random sqrt-sized subset of the features present in the
// current sample set. Restricting candidates to present features keeps the
// search useful on sparse text vectors where most columns are all-zero.
func (b *treeBuilder) bestSplit(samples []int, parentProb float64) (int, float64, bool) {
	present := make(map[int]struct{})
	for _, i := range samples {
		for _, idx := range b.X[i].Idx {
			present[idx] = struct{}{}
		}
	}
	if len(present) == 0 {
		return 0, 0, false
	}
	features := make([]int, 0, len(present))
	for idx := range present {
		features = append(features, idx)
	}
	sort.Ints(features)
	b.rng.Shuffle(len(features), func(i, j int) { features[i], features[j] = features[j], features[i] })
	limit := int(math.Sqrt(float64(len(features)))) + 1
	if limit < len(features) {
		features = features[:limit]
	}

	parentGini := 2 * parentProb * (1 - parentProb)
	bestGain := 0.0
	bestFeature, bestThresh := -1, 0.0

	values := make([]float64, len(samples))
	for _, feature := range features {
		for k, i := range samples {
			values[k] = b.X[i].at(feature)
		}
		uniq := uniqueSorted(values)
		if len(uniq) < 2 {
			continue
		}
		for u := 0; u+1 < len(uniq); u++ {
			thresh := (uniq[u] + uniq[u+1]) / 2
			gain := parentGini - b.splitImpurity(samples, feature, thresh)
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = feature
				bestThresh = thresh
			}
		}
	}
	if bestFeature < 0 {
		return 0, 0, false
	}
	return bestFeature, bestThresh, true
}

func (b *treeBuilder) splitImpurity(samples []int, feature int, thresh float64) float64 {
	var nL, posL, nR, posR int
	for _, i := range samples {
		if b.X[i].at(feature) <= thresh {
			nL++
			if b.y[i] {
				posL++
			}
		} else {
			nR++
			if b.y[i] {
				posR++
			}
		}
	}
	total := float64(nL + nR)
	var impurity float64
	if nL > 0 {
		p := float64(posL) / float64(nL)
		impurity += float64(nL) / total * 2 * p * (1 - p)
	}
	if nR > 0 {
		p := float64(posR) / float64(nR)
		impurity += float64(nR) / total * 2 * p * (1 - p)
	}
	return impurity
}

func uniqueSorted(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
