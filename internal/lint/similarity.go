package lint

import (
	"math"
	"strings"
)

// Scorer measures similarity between two texts in [0,1]. The concrete
// scorer is chosen once when the analyzer is constructed, never per call,
// so an unavailable primary algorithm can only downgrade at startup.
type Scorer interface {
	Score(a, b string) float64
	Name() string
}

// NewScorer selects the scoring tier: term-vector cosine by default, with
// token-set Jaccard as the guaranteed-available fallback for unknown or
// explicitly requested configurations.
func NewScorer(algorithm string) Scorer {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case AlgorithmJaccard:
		return jaccardScorer{}
	default:
		return cosineScorer{}
	}
}

type cosineScorer struct{}

func (cosineScorer) Name() string { return AlgorithmCosine }

func (cosineScorer) Score(a, b string) float64 {
	freqA := termFrequencies(a)
	freqB := termFrequencies(b)
	if len(freqA) == 0 || len(freqB) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for term, countA := range freqA {
		normA += countA * countA
		if countB, ok := freqB[term]; ok {
			dot += countA * countB
		}
	}
	for _, countB := range freqB {
		normB += countB * countB
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type jaccardScorer struct{}

func (jaccardScorer) Name() string { return AlgorithmJaccard }

func (jaccardScorer) Score(a, b string) float64 {
	setA := termSet(a)
	setB := termSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for term := range setA {
		if _, ok := setB[term]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func termFrequencies(text string) map[string]float64 {
	out := make(map[string]float64)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		out[term]++
	}
	return out
}

func termSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, term := range strings.Fields(strings.ToLower(text)) {
		out[term] = struct{}{}
	}
	return out
}
