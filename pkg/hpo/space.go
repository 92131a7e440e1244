package hpo

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/medlit/classify/backend/pkg/classifier"
)

var sequenceCheckpoints = []string{"biomed-minilm", "biomed-base", "biomed-large"}

// sampleParams draws one candidate configuration from the family's search
// space. Families without tunable spaces are rejected up front.
func sampleParams(family classifier.Family, rng *rand.Rand) (map[string]any, error) {
	switch family {
	case classifier.FamilySequence:
		return map[string]any{
			"learning_rate": logUniform(rng, 1e-6, 1e-3),
			"batch_size":    choiceInt(rng, 8, 16, 32),
			"epochs":        intBetween(rng, 2, 8),
			"weight_decay":  rng.Float64() * 0.3,
			"warmup_steps":  intBetween(rng, 100, 1000),
			"base_model":    sequenceCheckpoints[rng.Intn(len(sequenceCheckpoints))],
			"max_length":    choiceInt(rng, 256, 512),
		}, nil
	case classifier.FamilyFeature:
		params := map[string]any{
			"algorithm": []string{
				classifier.AlgorithmMargin,
				classifier.AlgorithmForest,
				classifier.AlgorithmLogistic,
			}[rng.Intn(3)],
			"max_features": choiceInt(rng, 5000, 10000, 20000),
		}
		if params["algorithm"] == classifier.AlgorithmForest {
			params["estimators"] = intBetween(rng, 50, 300)
			params["max_depth"] = intBetween(rng, 5, 20)
		} else {
			params["c"] = logUniform(rng, 0.01, 100)
		}
		return params, nil
	case classifier.FamilyEnsemble:
		w := 0.3 + rng.Float64()*0.6
		return map[string]any{
			"sequence_weight": w,
			"feature_weight":  1 - w,
			"epochs":          intBetween(rng, 2, 6),
		}, nil
	default:
		return nil, fmt.Errorf("no search space for family %q", family)
	}
}

// logUniform samples log-uniformly from [lo, hi].
func logUniform(rng *rand.Rand, lo, hi float64) float64 {
	return math.Exp(math.Log(lo) + rng.Float64()*(math.Log(hi)-math.Log(lo)))
}

// intBetween samples uniformly from [lo, hi] inclusive.
func intBetween(rng *rand.Rand, lo, hi int) int {
	return lo + rng.Intn(hi-lo+1)
}

func choiceInt(rng *rand.Rand, choices ...int) int {
	return choices[rng.Intn(len(choices))]
}
