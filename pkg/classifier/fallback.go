package classifier

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// domainKeywords backs the fallback predictor and the offline completion
// heuristic. Keys are normalized domain names.
var domainKeywords = map[string][]string{
	"cardiology":         {"heart", "cardiac", "cardiovascular", "coronary", "artery", "hypertension"},
	"neurology":          {"brain", "neural", "neurological", "cognitive", "memory"},
	"oncology":           {"cancer", "tumor", "malignant", "chemotherapy", "radiation"},
	"respiratory":        {"lung", "respiratory", "pulmonary", "asthma", "breathing"},
	"endocrinology":      {"diabetes", "hormone", "endocrine", "thyroid", "insulin", "diabetic"},
	"gastroenterology":   {"stomach", "intestine", "liver", "digestive", "gastric"},
	"infectious_disease": {"infection", "virus", "bacteria", "antibiotic", "pathogen"},
	"radiology":          {"imaging", "scan", "x-ray", "mri", "ct"},
	"emergency_medicine": {"emergency", "trauma", "acute", "critical", "urgent"},
	"surgery":            {"surgical", "operation", "procedure", "incision", "operative"},
}

var domainKeyReplacer = strings.NewReplacer(" ", "_", "-", "_")

// keywordHits counts how many of a domain's keywords occur in text.
func keywordHits(text, domain string) int {
	key := domainKeyReplacer.Replace(strings.ToLower(domain))
	keywords, ok := domainKeywords[key]
	if !ok {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

const (
	fallbackBase       = 0.1
	fallbackNameBoost  = 0.5
	fallbackPerKeyword = 0.3
	fallbackKeywordCap = 0.7
	fallbackJitter     = 0.03
	fallbackRescueMin  = 0.2
)

// FallbackPredictor scores texts against domain keyword lists. It is used
// when a trained artifact cannot be loaded and must always produce an
// answer; every prediction it emits is flagged as a fallback.
type FallbackPredictor struct {
	domains []string
}

// NewFallbackPredictor scores against the given domains, or against every
// known keyword domain when none are supplied.
func NewFallbackPredictor(domains []string) *FallbackPredictor {
	if len(domains) == 0 {
		domains = make([]string, 0, len(domainKeywords))
		for d := range domainKeywords {
			domains = append(domains, d)
		}
	}
	out := append([]string(nil), domains...)
	sort.Strings(out)
	return &FallbackPredictor{domains: out}
}

// Domains returns the domains the predictor scores against.
func (f *FallbackPredictor) Domains() []string {
	return append([]string(nil), f.domains...)
}

// Predict scores every text. The jitter term is seeded from the text, so
// identical inputs always score identically.
func (f *FallbackPredictor) Predict(texts []string, threshold float64) []Prediction {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	out := make([]Prediction, len(texts))
	for i, text := range texts {
		out[i] = f.predictOne(text, threshold)
	}
	return out
}

func (f *FallbackPredictor) predictOne(text string, threshold float64) Prediction {
	started := time.Now()
	lower := strings.ToLower(text)

	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	all := make(map[string]float64, len(f.domains))
	confidences := make(map[string]float64)
	var predicted []string
	for _, domain := range f.domains {
		score := fallbackBase
		if strings.Contains(lower, strings.ToLower(domain)) {
			score += fallbackNameBoost
		}
		if hits := keywordHits(lower, domain); hits > 0 {
			score += math.Min(fallbackKeywordCap, float64(hits)*fallbackPerKeyword)
		}
		score += (rng.Float64()*2 - 1) * fallbackJitter
		score = clamp01(score)
		all[domain] = score
		if score >= threshold {
			predicted = append(predicted, domain)
			confidences[domain] = score
		}
	}

	// Nothing cleared the threshold: surface the best domain anyway if it
	// shows at least some relevance.
	if len(predicted) == 0 {
		best, bestScore := "", 0.0
		for _, domain := range f.domains {
			if s := all[domain]; s > bestScore {
				best, bestScore = domain, s
			}
		}
		if bestScore > fallbackRescueMin {
			predicted = []string{best}
			confidences[best] = bestScore
		}
	}

	return Prediction{
		Text:             text,
		PredictedDomains: predicted,
		Confidences:      confidences,
		AllScores:        all,
		Threshold:        threshold,
		InferenceMS:      float64(time.Since(started).Microseconds()) / 1000,
		Fallback:         true,
	}
}
