// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package threshold implements the Threshold Calibrator (spec.md C6): a
// pure function from paired (score, label) ground truth to a selected
// decision threshold, maximizing F1 subject to a minimum precision.
package threshold

import "sort"

// Sample is one (score, label) pair from the ground-truth join.
type Sample struct {
	Score float64
	Anomaly bool // true = labeled anomaly (y_true = 1)
}

// Candidate is one evaluated point of the threshold grid.
type Candidate struct {
	Threshold float64
	Precision float64
	Recall    float64
	F1        float64
}

// Result is the calibrator's full output: the grid evaluated, the
// selected threshold, and whether the precision constraint was satisfied
// directly or the fallback path was taken (spec.md §4.6, §7).
type Result struct {
	Grid           []Candidate
	Selected       Candidate
	FallbackUsed   bool
	MinPrecision   float64
	DefaultPercentile float64
}

// Calibrate builds the candidate grid from quantiles of scores at levels
// linspace(0.80, 0.999, 120) plus every observed score, evaluates
// precision/recall/F1 of
// "score < t" against samples' labels, and selects the candidate
// maximizing F1 subject to precision >= minPrecision. If no candidate
// satisfies the constraint, it falls back to the defaultPercentile
// quantile of scores with zeroed metrics (spec.md §4.6 step 3, §7).
//
// Calibrate is a pure function: identical inputs produce identical
// outputs (spec.md §4.6 "Ordering").
func Calibrate(samples []Sample, minPrecision, defaultPercentile float64) Result {
	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = s.Score
	}

	levels := linspace(0.80, 0.999, 120)
	seen := map[float64]struct{}{}
	var candidates []float64
	for _, lvl := range levels {
		candidates = append(candidates, quantile(scores, lvl))
	}
	// Every observed score is also a valid cut point: quantile levels alone
	// can miss the exact label boundary on small or sparsely-valued score
	// populations, so the grid is widened to the union of both.
	candidates = append(candidates, scores...)

	var grid []Candidate
	for _, t := range candidates {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		p, r, f1 := evaluate(samples, t)
		grid = append(grid, Candidate{Threshold: t, Precision: p, Recall: r, F1: f1})
	}

	result := Result{Grid: grid, MinPrecision: minPrecision, DefaultPercentile: defaultPercentile}

	var best Candidate
	found := false
	for _, c := range grid {
		if c.Precision < minPrecision {
			continue
		}
		if !found || c.F1 > best.F1 {
			best = c
			found = true
		}
	}

	if found {
		result.Selected = best
		return result
	}

	fallbackThr := quantile(scores, defaultPercentile)
	result.Selected = Candidate{Threshold: fallbackThr}
	result.FallbackUsed = true
	return result
}

func evaluate(samples []Sample, thr float64) (precision, recall, f1 float64) {
	var tp, fp, fn float64
	for _, s := range samples {
		predictedAnomaly := s.Score < thr
		switch {
		case predictedAnomaly && s.Anomaly:
			tp++
		case predictedAnomaly && !s.Anomaly:
			fp++
		case !predictedAnomaly && s.Anomaly:
			fn++
		}
	}
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

func linspace(start, end float64, steps int) []float64 {
	if steps <= 1 {
		return []float64{start}
	}
	out := make([]float64, steps)
	step := (end - start) / float64(steps-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
