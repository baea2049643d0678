// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package threshold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCalibrationScenario mirrors spec.md's literal S4 scenario: scores
// [-1,-0.9,-0.1,0.1,0.9] labeled [1,1,0,0,0] should select a threshold in
// (-0.9, -0.1] with perfect precision/recall/F1.
func TestCalibrationScenario(t *testing.T) {
	samples := []Sample{
		{Score: -1.0, Anomaly: true},
		{Score: -0.9, Anomaly: true},
		{Score: -0.1, Anomaly: false},
		{Score: 0.1, Anomaly: false},
		{Score: 0.9, Anomaly: false},
	}

	result := Calibrate(samples, 0.95, 0.98)
	require.False(t, result.FallbackUsed)
	require.Greater(t, result.Selected.Threshold, -0.9)
	require.LessOrEqual(t, result.Selected.Threshold, -0.1)
	require.Equal(t, 1.0, result.Selected.Precision)
	require.Equal(t, 1.0, result.Selected.Recall)
	require.Equal(t, 1.0, result.Selected.F1)
}

func TestCalibrateFallsBackWhenNoCandidateMeetsPrecision(t *testing.T) {
	// The single anomaly (0.3) always arrives bundled with two lower-scoring
	// normals, so any cut that captures it also admits false positives --
	// no threshold can reach the 0.95 precision bar.
	samples := []Sample{
		{Score: 0.1, Anomaly: false},
		{Score: 0.2, Anomaly: false},
		{Score: 0.3, Anomaly: true},
		{Score: 0.4, Anomaly: false},
	}
	result := Calibrate(samples, 0.95, 0.98)
	require.True(t, result.FallbackUsed)
	require.Equal(t, 0.0, result.Selected.Precision)
	require.Equal(t, 0.0, result.Selected.Recall)
}

func TestCalibrateIsPureAcrossRuns(t *testing.T) {
	samples := []Sample{
		{Score: -1.0, Anomaly: true},
		{Score: -0.2, Anomaly: false},
		{Score: 0.4, Anomaly: false},
	}
	r1 := Calibrate(samples, 0.9, 0.98)
	r2 := Calibrate(samples, 0.9, 0.98)
	require.Equal(t, r1, r2)
}

func TestEvaluatePrecisionRecallF1(t *testing.T) {
	samples := []Sample{
		{Score: -1, Anomaly: true},
		{Score: -0.5, Anomaly: true},
		{Score: 0.5, Anomaly: false},
	}
	p, r, f1 := evaluate(samples, 0.0)
	require.Equal(t, 1.0, p)
	require.Equal(t, 1.0, r)
	require.Equal(t, 1.0, f1)
}

func TestWriteArtifactsProducesAllThreeFiles(t *testing.T) {
	samples := []Sample{
		{Score: -1.0, Anomaly: true},
		{Score: -0.9, Anomaly: true},
		{Score: -0.1, Anomaly: false},
	}
	result := Calibrate(samples, 0.95, 0.98)

	dir := t.TempDir()
	reportPath := filepath.Join(dir, "threshold_report.csv")
	selectedPath := filepath.Join(dir, "selected_threshold.txt")
	bundlePath := filepath.Join(dir, "thresholds.json")

	require.NoError(t, result.WriteArtifacts(reportPath, selectedPath, bundlePath))

	for _, p := range []string{reportPath, selectedPath, bundlePath} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		require.Greater(t, info.Size(), int64(0))
	}
}

func TestLinspaceBounds(t *testing.T) {
	vals := linspace(0.8, 0.999, 120)
	require.Len(t, vals, 120)
	require.InDelta(t, 0.8, vals[0], 1e-9)
	require.InDelta(t, 0.999, vals[len(vals)-1], 1e-9)
}
