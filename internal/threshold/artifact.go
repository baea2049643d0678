// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package threshold

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/config"
)

// gridBundle is the JSON artifact {thr_if, min_precision, grid:{start,end,steps}}
// named in spec.md §4.6 step 4.
type gridBundle struct {
	ThresholdIF  float64    `json:"thr_if"`
	MinPrecision float64    `json:"min_precision"`
	Grid         gridPolicy `json:"grid"`
}

type gridPolicy struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Steps int     `json:"steps"`
}

// WriteArtifacts persists the three calibration outputs named in
// spec.md §4.6 step 4, each via atomic temp-file-then-rename writes:
// a CSV report of the full grid, a plain text file with the selected
// threshold, and a JSON bundle capturing the grid policy.
func (r Result) WriteArtifacts(reportCSVPath, selectedTxtPath, thresholdsJSONPath string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"threshold", "precision", "recall", "f1"}); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindInternal, "write threshold report header")
	}
	for _, c := range r.Grid {
		if err := w.Write([]string{
			fmt.Sprintf("%v", c.Threshold),
			fmt.Sprintf("%v", c.Precision),
			fmt.Sprintf("%v", c.Recall),
			fmt.Sprintf("%v", c.F1),
		}); err != nil {
			return smlerrors.Wrap(err, smlerrors.KindInternal, "write threshold report row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindInternal, "flush threshold report")
	}
	if err := config.AtomicWriteFile(reportCSVPath, buf.Bytes(), 0644); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "persist threshold report")
	}

	selected := fmt.Sprintf("%v\n", r.Selected.Threshold)
	if err := config.AtomicWriteFile(selectedTxtPath, []byte(selected), 0644); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "persist selected threshold")
	}

	bundle := gridBundle{
		ThresholdIF:  r.Selected.Threshold,
		MinPrecision: r.MinPrecision,
		Grid:         gridPolicy{Start: 0.80, End: 0.999, Steps: 120},
	}
	blob, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return smlerrors.Wrap(err, smlerrors.KindInternal, "encode thresholds bundle")
	}
	if err := config.AtomicWriteFile(thresholdsJSONPath, blob, 0644); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "persist thresholds bundle")
	}
	return nil
}

// LoadThreshold reads back the selected decision threshold from a
// thresholds.json bundle written by WriteArtifacts; callers (the daemon
// wiring the emitter at startup) fall back to the configured static
// ANOMALY_THRESHOLD when this file is absent.
func LoadThreshold(thresholdsJSONPath string) (float64, error) {
	blob, err := os.ReadFile(thresholdsJSONPath)
	if err != nil {
		return 0, smlerrors.Wrap(err, smlerrors.KindNotFound, "read thresholds bundle")
	}
	var bundle gridBundle
	if err := json.Unmarshal(blob, &bundle); err != nil {
		return 0, smlerrors.Wrap(err, smlerrors.KindContract, "decode thresholds bundle")
	}
	return bundle.ThresholdIF, nil
}
