// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func normalCluster(n int, cols int, rng *rand.Rand) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, cols)
		for c := range row {
			row[c] = rng.NormFloat64() * 0.1
		}
		rows[i] = row
	}
	return rows
}

func TestFitRejectsEmptyInput(t *testing.T) {
	_, err := Fit(nil, []string{"a"}, 0.1)
	require.Error(t, err)
}

func TestFitClampsContamination(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows := normalCluster(50, 3, rng)
	m, err := Fit(rows, []string{"a", "b", "c"}, 10.0)
	require.NoError(t, err)
	require.Equal(t, contaminationCeil, m.Contamination)

	m2, err := Fit(rows, []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	require.Equal(t, contaminationFloor, m2.Contamination)
}

func TestScoreRejectsColumnMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows := normalCluster(50, 3, rng)
	m, err := Fit(rows, []string{"a", "b", "c"}, 0.1)
	require.NoError(t, err)

	_, err = m.Score([]float64{1, 2})
	require.Error(t, err)
}

func TestOutlierScoresLowerThanCluster(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rows := normalCluster(200, 4, rng)
	m, err := Fit(rows, []string{"a", "b", "c", "d"}, 0.05)
	require.NoError(t, err)

	normalRow := []float64{0.01, -0.02, 0.03, 0.0}
	outlierRow := []float64{50, 50, 50, 50}

	normalScore, err := m.Score(normalRow)
	require.NoError(t, err)
	outlierScore, err := m.Score(outlierRow)
	require.NoError(t, err)

	require.Greater(t, normalScore, outlierScore, "a far outlier should score lower (more anomalous) than a point inside the training cluster")
}

func TestFitIsDeterministicWithFixedSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rows := normalCluster(100, 3, rng)

	m1, err := Fit(rows, []string{"a", "b", "c"}, 0.1)
	require.NoError(t, err)
	m2, err := Fit(rows, []string{"a", "b", "c"}, 0.1)
	require.NoError(t, err)

	probe := []float64{0.5, 0.5, 0.5}
	s1, err := m1.Score(probe)
	require.NoError(t, err)
	s2, err := m2.Score(probe)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestPredictAssignsLegacySignedConvention(t *testing.T) {
	p := Predict(-0.5, -0.2)
	require.True(t, p.IsAnomaly)
	require.Equal(t, -1, p.Legacy)
	require.Equal(t, "anomaly", p.Label)

	p = Predict(0.1, -0.2)
	require.False(t, p.IsAnomaly)
	require.Equal(t, 1, p.Legacy)
	require.Equal(t, "normal", p.Label)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rows := normalCluster(60, 3, rng)
	m, err := Fit(rows, []string{"a", "b", "c"}, 0.1)
	require.NoError(t, err)

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "isolation_forest_model.pkl")
	manifestPath := filepath.Join(dir, "feature_cols.json")
	require.NoError(t, m.Save(modelPath, manifestPath))

	loaded, err := Load(modelPath, manifestPath)
	require.NoError(t, err)
	require.Equal(t, m.FeatureColumns, loaded.FeatureColumns)

	probe := []float64{0.1, 0.1, 0.1}
	want, err := m.Score(probe)
	require.NoError(t, err)
	got, err := loaded.Score(probe)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadMissingModelReturnsError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.pkl"), filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
