// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spirock/sml/internal/config"
	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/mode"
)

type fakeEventSource struct {
	events        []ids.Event
	limit         int
	marked        []string
	markProcessed error
}

func (f *fakeEventSource) Query(opts QueryOptions) ([]ids.Event, error) {
	f.limit = opts.Limit
	if opts.Limit > 0 && len(f.events) > opts.Limit {
		return f.events[:opts.Limit], nil
	}
	return f.events, nil
}

func (f *fakeEventSource) MarkProcessed(hashes []string) error {
	f.marked = append(f.marked, hashes...)
	return f.markProcessed
}

type fakeModeReader struct {
	cfg mode.Config
	err error
}

func (f fakeModeReader) Get() (mode.Config, error) { return f.cfg, f.err }

// lowScorer always scores below any reasonable threshold, so every event
// survives the score<thr gate.
type lowScorer struct{ score float64 }

func (s lowScorer) Score(row []float64) (float64, error) { return s.score, nil }

func mkAlertEvent(hash, srcIP string, srcPort, destPort int, severity int) ids.Event {
	return ids.Event{
		EventHash:      hash,
		Timestamp:      time.Now().UTC(),
		Proto:          "TCP",
		SrcIP:          srcIP,
		DestIP:         "203.0.113.9",
		SrcPort:        srcPort,
		DestPort:       destPort,
		PacketLength:   512,
		AlertSeverity:  severity,
		AlertSignature: "ET SCAN",
		TrainingMode:   false,
		TrainingLabel:  ids.LabelUnknown,
		Processed:      false,
	}
}

func baseConfig() *config.Config {
	cfg := config.Defaults()
	cfg.MinSeverityToDrop = 2
	cfg.MinFreqToDrop = 1
	cfg.EmitterBatchSize = 1000
	cfg.IDSReloadTimeout = 2 * time.Second
	return cfg
}

// TestEmitterPortScanRule mirrors spec.md's literal S3 scenario: 11 events
// from one src_ip across distinct src_ports all scored below thr yield
// exactly one aggregated port-scan rule with a sid in [2_000_000,2_900_000).
func TestEmitterPortScanRule(t *testing.T) {
	var events []ids.Event
	for i := 0; i < 11; i++ {
		srcPort := 1001 + i
		events = append(events, mkAlertEvent("h"+strconv.Itoa(i), "10.0.0.5", srcPort, 80, 3))
	}

	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "sml.rules")
	e := New(src, modeCtl, scorer, cfg, -0.2, rulePath)
	e.cfg.IDSReloadCommand = "true"

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	require.False(t, outcome.TrainingSkip)

	content, err := os.ReadFile(rulePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")

	var scanLines []string
	for _, l := range lines {
		if strings.Contains(l, "port scan suspected") {
			scanLines = append(scanLines, l)
		}
	}
	require.Len(t, scanLines, 1)
	require.Contains(t, scanLines[0], "alert ip 10.0.0.5 any -> any any")

	sid := extractSID(t, scanLines[0])
	require.GreaterOrEqual(t, sid, 2_000_000)
	require.Less(t, sid, 2_900_000)

	require.ElementsMatch(t, src.marked, hashesOf(events))
}

// TestEmitterShouldDropCountsPreDedupFrequency confirms should_drop's
// per-(src_ip,dest_port) frequency is computed over every surviving
// occurrence of a flow, before the 4-tuple dedup collapses repeats of the
// identical flow into one rule — a single repeated flow must still clear
// MinFreqToDrop even though only one rule line survives dedup.
func TestEmitterShouldDropCountsPreDedupFrequency(t *testing.T) {
	events := []ids.Event{
		mkAlertEvent("h1", "198.51.100.7", 5555, 4444, 5),
		mkAlertEvent("h2", "198.51.100.7", 5555, 4444, 5),
	}

	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()
	cfg.MinFreqToDrop = 2

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "sml.rules")
	e := New(src, modeCtl, scorer, cfg, -0.2, rulePath)
	e.cfg.IDSReloadCommand = "true"

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, outcome.RulesEmitted, "identical repeated flow dedups to one rule line")

	content, err := os.ReadFile(rulePath)
	require.NoError(t, err)
	require.Contains(t, string(content), "drop tcp 198.51.100.7",
		"frequency=2 over the pre-dedup kept set must still clear MinFreqToDrop=2")
}

// TestEmitterAlertOnlyPortStaysAlert mirrors spec.md's literal S5 scenario:
// a high-severity, high-frequency anomaly to an ALERT_ONLY port never
// upgrades to a drop rule.
func TestEmitterAlertOnlyPortStaysAlert(t *testing.T) {
	events := []ids.Event{
		mkAlertEvent("h1", "198.51.100.7", 5555, 443, 5),
	}

	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()
	cfg.AlertOnlyPorts = []int{443}

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "sml.rules")
	e := New(src, modeCtl, scorer, cfg, -0.2, rulePath)
	e.cfg.IDSReloadCommand = "true"

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	content, err := os.ReadFile(rulePath)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(strings.TrimSpace(string(content)), "alert tcp"))
	require.NotContains(t, string(content), "drop tcp")
}

// TestEmitterReloadFailureStillAdvancesProcessed mirrors spec.md's literal
// S6 scenario: a failing reload command still writes the rule file and
// still advances processed flags, only logging a warning.
func TestEmitterReloadFailureStillAdvancesProcessed(t *testing.T) {
	events := []ids.Event{
		mkAlertEvent("h1", "10.0.0.9", 4444, 8080, 4),
	}

	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "sml.rules")
	e := New(src, modeCtl, scorer, cfg, -0.2, rulePath)
	e.cfg.IDSReloadCommand = "false"

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	require.False(t, outcome.ReloadOK)
	require.NotEmpty(t, outcome.ReloadWarning)

	_, statErr := os.Stat(rulePath)
	require.NoError(t, statErr)
	require.ElementsMatch(t, src.marked, hashesOf(events))
}

// TestEmitterTrainingModeSkipsEmissionButMarksProcessed covers the
// training-mode short-circuit (spec.md §4.7 step 2).
func TestEmitterTrainingModeSkipsEmissionButMarksProcessed(t *testing.T) {
	events := []ids.Event{mkAlertEvent("h1", "10.0.0.1", 1234, 80, 3)}
	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Normal}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "sml.rules")
	e := New(src, modeCtl, scorer, cfg, -0.2, rulePath)

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.TrainingSkip)
	require.Zero(t, outcome.RulesEmitted)
	require.ElementsMatch(t, src.marked, hashesOf(events))

	_, statErr := os.Stat(rulePath)
	require.True(t, os.IsNotExist(statErr))
}

// TestEmitterEmptyBatchIsNoop covers the zero-events fetch.
func TestEmitterEmptyBatchIsNoop(t *testing.T) {
	src := &fakeEventSource{}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()

	e := New(src, modeCtl, scorer, cfg, -0.2, filepath.Join(t.TempDir(), "sml.rules"))
	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, outcome.BatchSize)
	require.Empty(t, src.marked)
}

type fakeAlertSink struct {
	alerts []string
}

func (f *fakeAlertSink) Alert(sid int, msg, severity, srcIP, destIP string) {
	f.alerts = append(f.alerts, severity)
}

// TestEmitterAlertSinkFiresOnPortScanOnly confirms a plain alert rule
// never reaches the alert sink, but the aggregated port-scan rule does.
func TestEmitterAlertSinkFiresOnPortScanOnly(t *testing.T) {
	var events []ids.Event
	for i := 0; i < 11; i++ {
		events = append(events, mkAlertEvent("h"+strconv.Itoa(i), "10.0.0.5", 1001+i, 80, 3))
	}

	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()

	dir := t.TempDir()
	e := New(src, modeCtl, scorer, cfg, -0.2, filepath.Join(dir, "sml.rules"))
	e.cfg.IDSReloadCommand = "true"

	sink := &fakeAlertSink{}
	e.SetAlertSink(sink)

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"warning"}, sink.alerts)
}

type fakeMetricsSink struct {
	calls        int
	lastBatch    int
	lastEmitted  int
	lastReloaded bool
}

func (f *fakeMetricsSink) ObserveEmission(batchSize int, duration float64, rulesEmitted int, reloadFailed bool) {
	f.calls++
	f.lastBatch = batchSize
	f.lastEmitted = rulesEmitted
	f.lastReloaded = reloadFailed
}

// TestEmitterMetricsSinkObservesOneRun confirms ObserveEmission fires once
// per non-empty run and never fires when the batch is empty.
func TestEmitterMetricsSinkObservesOneRun(t *testing.T) {
	events := []ids.Event{mkAlertEvent("h0", "10.0.0.6", 1001, 22, 3)}
	src := &fakeEventSource{events: events}
	modeCtl := fakeModeReader{cfg: mode.Config{Mode: mode.Off}}
	scorer := lowScorer{score: -0.9}
	cfg := baseConfig()

	dir := t.TempDir()
	e := New(src, modeCtl, scorer, cfg, -0.2, filepath.Join(dir, "sml.rules"))
	e.cfg.IDSReloadCommand = "true"

	sink := &fakeMetricsSink{}
	e.SetMetrics(sink)

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sink.calls)
	require.Equal(t, 1, sink.lastBatch)
	require.False(t, sink.lastReloaded)

	src.events = nil
	_, err = e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sink.calls, "empty batch must not observe a second time")
}

func hashesOf(events []ids.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventHash
	}
	return out
}

func extractSID(t *testing.T, line string) int {
	t.Helper()
	idx := strings.Index(line, "sid:")
	require.GreaterOrEqual(t, idx, 0)
	rest := line[idx+len("sid:"):]
	end := strings.IndexByte(rest, ';')
	require.GreaterOrEqual(t, end, 0)
	sid, err := strconv.Atoi(rest[:end])
	require.NoError(t, err)
	return sid
}
