// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package artifacts centralizes the filesystem contract between the
// trainer, calibrator, and emitter (spec.md §6 "Artifact layout"): every
// file name any component reads or writes lives here, once.
package artifacts

import (
	"os"
	"path/filepath"

	smlerrors "github.com/spirock/sml/internal/errors"
)

// Layout resolves every artifact path under a model directory and a
// rules directory, matching spec.md §6 byte for byte.
type Layout struct {
	ModelDir string
	RulesDir string
	RuleFile string
}

// New returns a Layout rooted at the given directories.
func New(modelDir, rulesDir, ruleFileName string) Layout {
	return Layout{ModelDir: modelDir, RulesDir: rulesDir, RuleFile: ruleFileName}
}

func (l Layout) path(name string) string { return filepath.Join(l.ModelDir, name) }

// PreprocessedCSV is the FeatureRow table the feature extractor writes
// before training.
func (l Layout) PreprocessedCSV() string { return l.path("suricata_preprocessed.csv") }

// GroundTruthCSV holds labeled rows joined against scores for calibration.
func (l Layout) GroundTruthCSV() string { return l.path("ground_truth.csv") }

// AnomalyAnalysisCSV is the scored output of a batch run.
func (l Layout) AnomalyAnalysisCSV() string { return l.path("suricata_anomaly_analysis.csv") }

// ModelBlob is the gob-encoded isolation-forest model.
func (l Layout) ModelBlob() string { return l.path("isolation_forest_model.pkl") }

// FeatureManifest is the ordered feature-column manifest.
func (l Layout) FeatureManifest() string { return l.path("feature_cols.json") }

// ThresholdReportCSV is the evaluated candidate grid.
func (l Layout) ThresholdReportCSV() string { return l.path("threshold_report.csv") }

// SelectedThresholdTxt is the plain-text selected decision threshold.
func (l Layout) SelectedThresholdTxt() string { return l.path("selected_threshold.txt") }

// ThresholdsJSON is the structured calibration bundle.
func (l Layout) ThresholdsJSON() string { return l.path("thresholds.json") }

// RuleFilePath is the single canonical rule file the Emitter owns;
// anything else under RulesDir is read-only to the core (spec.md §6).
func (l Layout) RuleFilePath() string { return filepath.Join(l.RulesDir, l.RuleFile) }

// Bootstrap creates ModelDir and RulesDir if absent, so a fresh
// deployment can start the daemon before any artifact exists.
func (l Layout) Bootstrap() error {
	for _, dir := range []string{l.ModelDir, l.RulesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return smlerrors.Wrap(err, smlerrors.KindUnavailable, "create artifact directory "+dir)
		}
	}
	return nil
}

// ModelExists reports whether a trained model and manifest are both present;
// callers use this to decide whether to fall back to the configured
// static threshold instead of a calibrated one.
func (l Layout) ModelExists() bool {
	return fileExists(l.ModelBlob()) && fileExists(l.FeatureManifest())
}

// ThresholdExists reports whether a calibrated threshold bundle is present.
func (l Layout) ThresholdExists() bool {
	return fileExists(l.ThresholdsJSON())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
