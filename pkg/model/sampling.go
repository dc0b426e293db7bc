package model

import (
	"math"
	"math/rand"
	"sort"
)

// SoftmaxFloat normalizes raw logits into probabilities.
func SoftmaxFloat(logits []float64) []float64 {
	maxLogit := -math.MaxFloat64
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest weight.
func Argmax(weights []float64) int {
	best := 0
	for i, w := range weights {
		if w > weights[best] {
			best = i
		}
	}
	return best
}

// ApplyTopK zeroes every weight outside the k largest. The caller is
// expected to sample from the result, which renormalizes implicitly.
func ApplyTopK(weights []float64, k int) []float64 {
	if k <= 0 || k >= len(weights) {
		return weights
	}
	type kv struct {
		i int
		w float64
	}
	arr := make([]kv, len(weights))
	for i, w := range weights {
		arr[i] = kv{i, w}
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].w > arr[j].w })
	out := make([]float64, len(weights))
	for i := 0; i < k; i++ {
		out[arr[i].i] = arr[i].w
	}
	return out
}

// SampleWeighted draws an index proportionally to the weights.
func SampleWeighted(rng *rand.Rand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}

// Sample picks the next token from raw logits. Logits are scaled by
// 1/temperature before normalization; temperature 0 means greedy argmax
// rather than a division error. topK <= 0 disables the top-k restriction.
func Sample(rng *rand.Rand, logits []*Value, temperature float64, topK int) int {
	l := make([]float64, len(logits))
	for i, v := range logits {
		l[i] = v.Data
	}
	if temperature == 0 {
		return Argmax(l)
	}
	for i := range l {
		l[i] /= temperature
	}
	w := SoftmaxFloat(l)
	if topK > 0 {
		w = ApplyTopK(w, topK)
	}
	return SampleWeighted(rng, w)
}
