// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"os"

	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/config"
)

// Save persists the model as an opaque gob-encoded blob at modelPath and
// its ordered feature-column manifest as JSON at manifestPath, both via
// atomic temp-file-then-rename writes (spec.md §4.5). There is no
// third-party model-serialization library in the example corpus for an
// isolation forest's tree structure, so gob -- the idiomatic Go stand-in
// for Python's pickle here -- is used directly; see DESIGN.md.
func (m *Model) Save(modelPath, manifestPath string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindInternal, "encode model")
	}
	if err := config.AtomicWriteFile(modelPath, buf.Bytes(), 0644); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "write model artifact")
	}

	manifest, err := json.MarshalIndent(m.FeatureColumns, "", "  ")
	if err != nil {
		return smlerrors.Wrap(err, smlerrors.KindInternal, "encode feature manifest")
	}
	if err := config.AtomicWriteFile(manifestPath, manifest, 0644); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "write feature manifest")
	}
	return nil
}

// Load reads a model previously written by Save.
func Load(modelPath, manifestPath string) (*Model, error) {
	blob, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindNotFound, "read model artifact")
	}
	var m Model
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&m); err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindContract, "decode model artifact")
	}

	manifestBlob, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindNotFound, "read feature manifest")
	}
	var cols []string
	if err := json.Unmarshal(manifestBlob, &cols); err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindContract, "decode feature manifest")
	}
	if len(cols) != len(m.FeatureColumns) {
		return nil, smlerrors.New(smlerrors.KindContract, "feature manifest does not match model column count")
	}
	m.FeatureColumns = cols
	return &m, nil
}

// Prediction is the per-row scoring output spec.md §4.5 requires: the raw
// score, a binary and a legacy signed prediction, and a textual label.
type Prediction struct {
	Score     float64
	IsAnomaly bool
	Legacy    int // -1 = anomaly, 1 = normal, matching spec.md §9's legacy convention
	Label     string
}

// Predict classifies a scored row against threshold thr: rows scoring
// below thr are anomalies (spec.md §4.5: "prediction = ANOMALY if
// score < thr else NORMAL").
func Predict(score, thr float64) Prediction {
	if score < thr {
		return Prediction{Score: score, IsAnomaly: true, Legacy: -1, Label: "anomaly"}
	}
	return Prediction{Score: score, IsAnomaly: false, Legacy: 1, Label: "normal"}
}
