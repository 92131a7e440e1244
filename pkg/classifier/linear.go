package classifier

import "math"

// linearModel is one trained binary learner over the TF-IDF feature space:
// logistic regression for linear-probabilistic, a hinge-loss linear
// separator for margin.
type linearModel struct {
	Kind string    `json:"kind"`
	W    []float64 `json:"w"`
	B    float64   `json:"b"`
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// prob maps the raw decision value to [0,1]. Logistic output is a true
// probability; margin output goes through a fixed sigmoid scaling so both
// kinds threshold the same way.
func (m linearModel) prob(x sparseVec) float64 {
	z := x.dot(m.W) + m.B
	if m.Kind == AlgorithmMargin {
		return sigmoid(2 * z)
	}
	return sigmoid(z)
}

// fitLinear runs full-batch (sub)gradient descent. Regularisation strength
// follows the usual inverse-C convention, scaled by the sample count.
func fitLinear(cfg FeatureConfig, dim int, X []sparseVec, y []bool) linearModel {
	kind := AlgorithmLogistic
	if cfg.Algorithm == AlgorithmMargin {
		kind = AlgorithmMargin
	}
	m := linearModel{Kind: kind, W: make([]float64, dim)}
	if len(X) == 0 || dim == 0 {
		return m
	}

	lambda := 1 / (cfg.C * float64(len(X)))
	lr := cfg.LearningRate
	gw := make([]float64, dim)

	for iter := 0; iter < cfg.Iterations; iter++ {
		for i := range gw {
			gw[i] = 0
		}
		var gb float64

		for i, x := range X {
			target := 0.0
			if y[i] {
				target = 1.0
			}
			switch kind {
			case AlgorithmMargin:
				// Hinge subgradient with labels in {-1, +1}.
				sign := 2*target - 1
				if sign*(x.dot(m.W)+m.B) < 1 {
					for k, idx := range x.Idx {
						gw[idx] -= sign * x.Val[k]
					}
					gb -= sign
				}
			default:
				p := sigmoid(x.dot(m.W) + m.B)
				g := p - target
				for k, idx := range x.Idx {
					gw[idx] += g * x.Val[k]
				}
				gb += g
			}
		}

		scale := lr / float64(len(X))
		for i := range m.W {
			m.W[i] -= scale*gw[i] + lr*lambda*m.W[i]
		}
		m.B -= scale * gb
	}
	return m
}
