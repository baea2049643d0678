// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package trainer orchestrates the batch pipeline spec.md §4.5/§4.6
// describe but do not name as a standalone component: pull labeled
// events from the store, extract features (C4), fit the isolation
// forest with the recommended two-phase contamination strategy (C5),
// calibrate a decision threshold against ground truth (C6), and persist
// every artifact named in §6's filesystem contract.
package trainer

import (
	"sort"

	"github.com/google/uuid"

	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/anomaly"
	"github.com/spirock/sml/internal/artifacts"
	"github.com/spirock/sml/internal/features"
	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/logging"
	"github.com/spirock/sml/internal/store"
	"github.com/spirock/sml/internal/threshold"
)

const (
	autoContamination        = 0.1
	defaultMinPrecision      = 0.95
	defaultFallbackPercentile = 0.98
)

// EventSource is the read side the trainer needs from the store: every
// event, regardless of processed state, across the whole collection.
type EventSource interface {
	Query(opts store.QueryOptions) ([]ids.Event, error)
}

// Report summarizes one training run for callers (the CLI, logs).
type Report struct {
	RunID              string
	EventCount         int
	NormalOnlyCount    int
	FinalContamination float64
	Calibration        threshold.Result
}

// Train runs the full batch pipeline and writes every artifact in
// layout. Fitting uses only `anomaly=normal`-labeled rows when any
// labels are present, per spec.md §4.5; calibration uses only the rows
// that carry a ground-truth label.
func Train(src EventSource, layout artifacts.Layout, minPrecision, fallbackPercentile float64) (Report, error) {
	log := logging.WithComponent("trainer")
	runID := uuid.New().String()

	if minPrecision <= 0 {
		minPrecision = defaultMinPrecision
	}
	if fallbackPercentile <= 0 {
		fallbackPercentile = defaultFallbackPercentile
	}

	events, err := src.Query(store.QueryOptions{})
	if err != nil {
		return Report{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "fetch events for training")
	}
	if len(events) == 0 {
		return Report{}, smlerrors.New(smlerrors.KindContract, "no events available to train on")
	}

	rows, err := features.Extract(events)
	if err != nil {
		return Report{}, smlerrors.Wrap(err, smlerrors.KindInternal, "extract training features")
	}

	fitRows := normalOnlyRows(events, rows)
	if len(fitRows) == 0 {
		fitRows = toMatrix(rows)
	}

	prelim, err := anomaly.Fit(fitRows, features.Columns, autoContamination)
	if err != nil {
		return Report{}, smlerrors.Wrap(err, smlerrors.KindInternal, "fit preliminary model")
	}

	samples, err := scoreAgainstGroundTruth(prelim, events, rows)
	if err != nil {
		return Report{}, err
	}

	result := threshold.Calibrate(samples, minPrecision, fallbackPercentile)

	finalContamination := empiricalContamination(samples, result.Selected.Threshold)
	finalModel, err := anomaly.Fit(fitRows, features.Columns, finalContamination)
	if err != nil {
		return Report{}, smlerrors.Wrap(err, smlerrors.KindInternal, "fit final model")
	}

	if err := finalModel.Save(layout.ModelBlob(), layout.FeatureManifest()); err != nil {
		return Report{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "persist model artifact")
	}
	if err := result.WriteArtifacts(layout.ThresholdReportCSV(), layout.SelectedThresholdTxt(), layout.ThresholdsJSON()); err != nil {
		return Report{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "persist threshold artifacts")
	}

	log.Info("training complete",
		"run_id", runID,
		"events", len(events),
		"fit_rows", len(fitRows),
		"contamination", finalContamination,
		"threshold", result.Selected.Threshold,
		"fallback_used", result.FallbackUsed,
	)

	return Report{
		RunID:              runID,
		EventCount:         len(events),
		NormalOnlyCount:    len(fitRows),
		FinalContamination: finalContamination,
		Calibration:        result,
	}, nil
}

// normalOnlyRows restricts the fit set to anomaly=normal labeled rows
// when any labels are present at all (spec.md §4.5); an entirely
// unlabeled batch trains on everything.
func normalOnlyRows(events []ids.Event, rows []features.Row) [][]float64 {
	byHash := make(map[string]features.Row, len(rows))
	for _, r := range rows {
		byHash[r.EventID] = r
	}

	hasLabels := false
	for _, e := range events {
		if e.TrainingLabel == ids.LabelNormal || e.TrainingLabel == ids.LabelAnomaly {
			hasLabels = true
			break
		}
	}
	if !hasLabels {
		return nil
	}

	var out [][]float64
	for _, e := range events {
		if e.TrainingLabel != ids.LabelNormal {
			continue
		}
		if r, ok := byHash[e.EventHash]; ok {
			out = append(out, r.Ordered())
		}
	}
	return out
}

func toMatrix(rows []features.Row) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Ordered()
	}
	return out
}

// scoreAgainstGroundTruth scores every row with the preliminary model and
// joins against each event's training label, skipping rows with no
// ground truth (LabelUnknown), matching the (score, y_true) pairing
// spec.md §4.6 builds the calibration grid from.
func scoreAgainstGroundTruth(model *anomaly.Model, events []ids.Event, rows []features.Row) ([]threshold.Sample, error) {
	byHash := make(map[string]features.Row, len(rows))
	for _, r := range rows {
		byHash[r.EventID] = r
	}

	sorted := append([]ids.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EventHash < sorted[j].EventHash })

	var samples []threshold.Sample
	for _, e := range sorted {
		if e.TrainingLabel == ids.LabelUnknown {
			continue
		}
		r, ok := byHash[e.EventHash]
		if !ok {
			continue
		}
		score, err := model.Score(r.Ordered())
		if err != nil {
			return nil, smlerrors.Wrap(err, smlerrors.KindContract, "score row during calibration join")
		}
		samples = append(samples, threshold.Sample{Score: score, Anomaly: e.TrainingLabel == ids.LabelAnomaly})
	}
	return samples, nil
}

// empiricalContamination is the fraction of samples scoring below thr,
// clamped to the model's supported range (spec.md §4.5's recommended
// strategy).
func empiricalContamination(samples []threshold.Sample, thr float64) float64 {
	if len(samples) == 0 {
		return autoContamination
	}
	below := 0
	for _, s := range samples {
		if s.Score < thr {
			below++
		}
	}
	frac := float64(below) / float64(len(samples))
	switch {
	case frac < 1e-6:
		return 1e-6
	case frac > 0.5:
		return 0.5
	default:
		return frac
	}
}
