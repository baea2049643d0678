// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spirock/sml/internal/artifacts"
	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/store"
)

type fakeSource struct {
	events []ids.Event
}

func (f fakeSource) Query(opts store.QueryOptions) ([]ids.Event, error) {
	return f.events, nil
}

func labeledEvents(n int, anomalyEvery int) []ids.Event {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	out := make([]ids.Event, 0, n)
	for i := 0; i < n; i++ {
		label := ids.LabelNormal
		destPort := 80
		pktLen := 500
		if anomalyEvery > 0 && i%anomalyEvery == 0 {
			label = ids.LabelAnomaly
			destPort = 31337
			pktLen = 9000
		}
		out = append(out, ids.Event{
			EventHash:     fmt.Sprintf("h-%d", i),
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			Proto:         "TCP",
			SrcIP:         fmt.Sprintf("10.0.0.%d", i%5+1),
			DestIP:        "203.0.113.9",
			SrcPort:       40000 + i,
			DestPort:      destPort,
			PacketLength:  pktLen,
			AlertSeverity: 1,
			TrainingLabel: label,
			TrainingMode:  true,
		})
	}
	return out
}

func TestTrainProducesAllArtifacts(t *testing.T) {
	src := fakeSource{events: labeledEvents(40, 8)}
	dir := t.TempDir()
	layout := artifacts.New(filepath.Join(dir, "models"), filepath.Join(dir, "rules"), "sml.rules")
	require.NoError(t, layout.Bootstrap())

	report, err := Train(src, layout, 0.5, 0.98)
	require.NoError(t, err)
	require.Equal(t, 40, report.EventCount)
	require.GreaterOrEqual(t, report.FinalContamination, 1e-6)
	require.LessOrEqual(t, report.FinalContamination, 0.5)

	for _, p := range []string{layout.ModelBlob(), layout.FeatureManifest(), layout.ThresholdReportCSV(), layout.SelectedThresholdTxt(), layout.ThresholdsJSON()} {
		info, statErr := os.Stat(p)
		require.NoError(t, statErr, p)
		require.Greater(t, info.Size(), int64(0))
	}
	require.True(t, layout.ModelExists())
	require.True(t, layout.ThresholdExists())
}

func TestTrainRejectsEmptyEventSet(t *testing.T) {
	src := fakeSource{}
	dir := t.TempDir()
	layout := artifacts.New(filepath.Join(dir, "models"), filepath.Join(dir, "rules"), "sml.rules")

	_, err := Train(src, layout, 0.95, 0.98)
	require.Error(t, err)
}

func TestTrainFallsBackToFullBatchWhenUnlabeled(t *testing.T) {
	events := labeledEvents(20, 0)
	for i := range events {
		events[i].TrainingLabel = ids.LabelUnknown
	}
	src := fakeSource{events: events}
	dir := t.TempDir()
	layout := artifacts.New(filepath.Join(dir, "models"), filepath.Join(dir, "rules"), "sml.rules")
	require.NoError(t, layout.Bootstrap())

	report, err := Train(src, layout, 0.95, 0.98)
	require.NoError(t, err)
	require.Equal(t, 20, report.NormalOnlyCount)
}
