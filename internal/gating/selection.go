package gating

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// selection is the raw output of a strategy before quality estimates.
type selection struct {
	active    []int
	threshold float64
	baseline  float64 // unnudged adaptive threshold, 0 when not applicable
	fallback  bool
}

// rankOrder returns indices sorted by descending score, lower index first
// on ties.
func rankOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// keepCount returns round(n·(1−sparsity)) clamped to [1, n].
func keepCount(n int, sparsity float64) int {
	return clampInt(int(math.Round(float64(n)*(1-sparsity))), 1, n)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// topK keeps the first k units of order; the threshold is the smallest kept
// score.
func topK(scores []float64, order []int, k int) ([]int, float64) {
	active := append([]int(nil), order[:k]...)
	sort.Ints(active)
	return active, scores[order[k-1]]
}

func above(scores []float64, threshold float64) []int {
	var active []int
	for i, s := range scores {
		if s > threshold {
			active = append(active, i)
		}
	}
	return active
}

func meanStd(scores []float64) (float64, float64) {
	return stat.PopMeanStdDev(scores, nil)
}

// band returns the inclusive active-count range for a target sparsity.
func band(n int, sparsity, width float64) (int, int) {
	fn := float64(n)
	lo := clampInt(int(math.Ceil(fn*(1-sparsity-width)-1e-9)), 1, n)
	hi := clampInt(int(math.Floor(fn*(1-sparsity+width)+1e-9)), 1, n)
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// adaptiveSelect thresholds at baseline+nudge and then clamps the active
// count into the sparsity band via order statistics.
func adaptiveSelect(scores []float64, order []int, sparsity, factor, nudge, width float64) selection {
	mean, sd := meanStd(scores)
	baseline := mean + factor*sd
	threshold := baseline + nudge

	active := above(scores, threshold)
	lo, hi := band(len(scores), sparsity, width)
	switch {
	case len(active) < lo:
		active, threshold = topK(scores, order, lo)
	case len(active) > hi:
		active, threshold = topK(scores, order, hi)
	}
	return selection{active: active, threshold: threshold, baseline: baseline}
}

// probabilisticSelect draws k units without replacement using
// Efraimidis–Spirakis keys log(u)/w over min-max normalized weights.
func probabilisticSelect(scores []float64, k int, rng *rand.Rand) ([]int, float64) {
	lo, hi := floats.Min(scores), floats.Max(scores)
	keys := make([]float64, len(scores))
	for i, s := range scores {
		w := 1.0
		if hi > lo {
			w = (s - lo) / (hi - lo)
		}
		u := 1 - rng.Float64() // (0, 1]
		if w == 0 {
			keys[i] = math.Inf(-1)
			continue
		}
		keys[i] = math.Log(u) / w
	}

	order := rankOrder(keys)
	active := append([]int(nil), order[:k]...)
	sort.Ints(active)

	threshold := math.Inf(1)
	for _, i := range active {
		threshold = math.Min(threshold, scores[i])
	}
	return active, threshold
}

// complement returns the sorted indices of 0..n-1 not in active (sorted).
func complement(n int, active []int) []int {
	inactive := make([]int, 0, n-len(active))
	j := 0
	for i := 0; i < n; i++ {
		if j < len(active) && active[j] == i {
			j++
			continue
		}
		inactive = append(inactive, i)
	}
	return inactive
}

func trailingMean(xs []float64, window int) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	if len(xs) > window {
		xs = xs[len(xs)-window:]
	}
	return stat.Mean(xs, nil), true
}
