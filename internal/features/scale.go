// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import "sort"

// unscaledColumns are carried through robust scaling unchanged: anomaly is
// the training label, not a signal the detector should be fit against a
// shifted/scaled version of.
var unscaledColumns = map[string]struct{}{
	"anomaly": {},
}

// robustScale centers and scales each numeric column (except
// unscaledColumns) in place by (x - median) / IQR, per spec.md §4.4. A
// zero IQR leaves the column at (x - median) to avoid dividing by zero.
func robustScale(rows []Row) {
	for _, col := range Columns {
		if _, skip := unscaledColumns[col]; skip {
			continue
		}
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i] = r.Values[col]
		}
		median := quantile(vals, 0.5)
		q1 := quantile(vals, 0.25)
		q3 := quantile(vals, 0.75)
		iqr := q3 - q1

		for i := range rows {
			centered := rows[i].Values[col] - median
			if iqr != 0 {
				centered /= iqr
			}
			rows[i].Values[col] = centered
		}
	}
}

// quantile computes the q-th quantile (0..1) of vals using linear
// interpolation between closest ranks, without mutating the input.
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
