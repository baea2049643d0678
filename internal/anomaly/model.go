// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"math"
	"math/rand"

	smlerrors "github.com/spirock/sml/internal/errors"
)

const (
	defaultNumTrees    = 100
	defaultSampleSize  = 256
	fixedSeed          = 1337
	contaminationFloor = 1e-6
	contaminationCeil  = 0.5
)

// Model is a trained isolation forest: an ensemble of trees grown over
// random subsamples, plus the contamination it was fit with. Score's
// contract (spec.md §4.5) is higher = more normal, the inverse of the
// textbook isolation-forest convention, so Score inverts internally and
// every downstream consumer can treat the value literally.
type Model struct {
	Trees         []*node
	SampleSize    int
	Contamination float64

	// FeatureColumns is the ordered column list the model was fit
	// against; Score returns a KindContract error if callers hand it a
	// row of a different width.
	FeatureColumns []string
}

// Fit trains a new Model over rows (row-major, columns ordered per cols).
// Random seed is fixed for reproducibility across runs (spec.md §4.5).
func Fit(rows [][]float64, cols []string, contamination float64) (*Model, error) {
	if len(rows) == 0 {
		return nil, smlerrors.New(smlerrors.KindContract, "cannot fit isolation forest on zero rows")
	}
	if contamination < contaminationFloor {
		contamination = contaminationFloor
	}
	if contamination > contaminationCeil {
		contamination = contaminationCeil
	}

	sampleSize := defaultSampleSize
	if sampleSize > len(rows) {
		sampleSize = len(rows)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	rng := rand.New(rand.NewSource(fixedSeed))
	trees := make([]*node, 0, defaultNumTrees)
	for i := 0; i < defaultNumTrees; i++ {
		sample := subsample(rows, sampleSize, rng)
		trees = append(trees, buildTree(sample, 0, heightLimit, rng))
	}

	return &Model{
		Trees:          trees,
		SampleSize:     sampleSize,
		Contamination:  contamination,
		FeatureColumns: append([]string(nil), cols...),
	}, nil
}

// subsample draws n rows without replacement (Fisher-Yates partial
// shuffle over an index slice), the standard isolation-forest subsampling
// strategy, which keeps each tree from seeing the full training set.
func subsample(rows [][]float64, n int, rng *rand.Rand) [][]float64 {
	idx := rng.Perm(len(rows))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

// Score returns the anomaly score of row, where higher means more normal
// (spec.md §4.5). row must have len(m.FeatureColumns) entries in that
// column order.
func (m *Model) Score(row []float64) (float64, error) {
	if len(row) != len(m.FeatureColumns) {
		return 0, smlerrors.Errorf(smlerrors.KindContract,
			"feature count mismatch: model expects %d columns, got %d", len(m.FeatureColumns), len(row))
	}
	var total float64
	for _, t := range m.Trees {
		total += pathLength(t, row, 0)
	}
	avgPath := total / float64(len(m.Trees))
	cn := averagePathLength(m.SampleSize)
	if cn == 0 {
		return 1, nil
	}
	standard := math.Pow(2, -avgPath/cn) // textbook convention: high = anomaly
	return 1 - standard, nil
}
