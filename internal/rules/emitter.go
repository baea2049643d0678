// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/spirock/sml/internal/config"
	smlerrors "github.com/spirock/sml/internal/errors"
	"github.com/spirock/sml/internal/features"
	"github.com/spirock/sml/internal/ids"
	"github.com/spirock/sml/internal/logging"
	"github.com/spirock/sml/internal/mode"
)

// Scorer is the scoring boundary over the anomaly model, satisfied by
// *anomaly.Model. Kept as an interface so tests exercise the policy logic
// without training a real forest.
type Scorer interface {
	Score(row []float64) (float64, error)
}

// EventSource is the persistence boundary the emitter reads unprocessed
// events from and marks them processed through; satisfied by
// internal/store.Store.
type EventSource interface {
	Query(opts QueryOptions) ([]ids.Event, error)
	MarkProcessed(hashes []string) error
}

// QueryOptions mirrors store.QueryOptions structurally so this package
// does not need to import internal/store for its one call shape.
type QueryOptions struct {
	UnprocessedOnly bool
	Limit           int
}

// ModeReader is the read side of the mode controller.
type ModeReader interface {
	Get() (mode.Config, error)
}

// Notifier receives one push per scored event, for a live feed; nil by
// default, wired to the REST surface's websocket hub by the daemon.
type Notifier interface {
	Notify(eventHash string, score float64, isAnomaly bool)
}

// AlertSink receives one push per high-severity rule synthesized in a run
// (a drop, or an aggregated port-scan rule); nil by default, wired to the
// alerting engine by the daemon.
type AlertSink interface {
	Alert(sid int, msg, severity, srcIP, destIP string)
}

// MetricsSink receives one push per completed run, for Prometheus export;
// nil by default, wired by the daemon.
type MetricsSink interface {
	ObserveEmission(batchSize int, duration float64, rulesEmitted int, reloadFailed bool)
}

// Outcome summarizes one emitter run for callers and tests.
type Outcome struct {
	BatchSize      int
	TrainingSkip   bool
	RulesEmitted   int
	ReloadOK       bool
	ReloadWarning  string
}

// Emitter is the Rule Emitter (C7). A singleflight.Group collapses
// concurrent Run calls on the same Emitter into one execution that every
// caller shares the result of, rather than queuing redundant passes over
// the same rule file (spec.md §5). The guard is in-process only: an
// Emitter in another process (such as the one "smlctl emit" builds) is
// not coordinated with it.
type Emitter struct {
	store   EventSource
	modeCtl ModeReader
	model   Scorer
	cfg     *config.Config
	thr     float64
	log     *logging.Logger

	rulePath  string
	notifier  Notifier
	alertSink AlertSink
	metrics   MetricsSink
	flight    singleflight.Group
}

// SetMetrics wires a Prometheus sink; Run is a no-op toward it when none
// is set.
func (e *Emitter) SetMetrics(m MetricsSink) { e.metrics = m }

// SetNotifier wires a live-feed subscriber; Run is a no-op toward it when
// none is set.
func (e *Emitter) SetNotifier(n Notifier) { e.notifier = n }

// SetAlertSink wires a high-severity rule subscriber; Run is a no-op
// toward it when none is set.
func (e *Emitter) SetAlertSink(a AlertSink) { e.alertSink = a }

// New creates an Emitter. thr is the selected decision threshold (from
// the threshold calibrator's artifact) or the configured fallback constant
// if no calibration has run yet.
func New(store EventSource, modeCtl ModeReader, model Scorer, cfg *config.Config, thr float64, rulePath string) *Emitter {
	return &Emitter{
		store:    store,
		modeCtl:  modeCtl,
		model:    model,
		cfg:      cfg,
		thr:      thr,
		rulePath: rulePath,
		log:      logging.WithComponent("rules"),
	}
}

// scoredRow pairs a source event with its computed feature row and score,
// carried through the anti-FP filter pipeline.
type scoredRow struct {
	event ids.Event
	score float64
}

// Run executes one emission pass: fetch, training-mode short-circuit,
// score, filter, synthesize, write, reload, mark processed (spec.md §4.7).
// Concurrent calls collapse into a single underlying pass via singleflight.
func (e *Emitter) Run(ctx context.Context) (Outcome, error) {
	v, err, _ := e.flight.Do("emit", func() (interface{}, error) {
		return e.run(ctx)
	})
	outcome, _ := v.(Outcome)
	return outcome, err
}

func (e *Emitter) run(ctx context.Context) (Outcome, error) {
	start := time.Now()
	batchSize := e.cfg.EmitterBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	events, err := e.store.Query(QueryOptions{UnprocessedOnly: true, Limit: batchSize})
	if err != nil {
		return Outcome{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "fetch unprocessed events")
	}
	outcome := Outcome{BatchSize: len(events)}
	if len(events) == 0 {
		return outcome, nil
	}
	if e.metrics != nil {
		defer func() {
			e.metrics.ObserveEmission(outcome.BatchSize, time.Since(start).Seconds(), outcome.RulesEmitted, outcome.ReloadWarning != "")
		}()
	}

	cfg, err := e.modeCtl.Get()
	if err != nil {
		e.log.Warn("failed to read mode, proceeding as off", "error", err)
		cfg.Mode = mode.Off
	}
	if cfg.Mode != mode.Off {
		outcome.TrainingSkip = true
		return outcome, e.markAll(events)
	}

	scored, err := e.scoreBatch(events)
	if err != nil {
		return Outcome{}, err
	}

	kept, survivors := e.filter(scored)
	freq := flowFrequency(kept)
	emitted := e.synthesize(survivors, freq)
	emitted = append(emitted, e.portScanRules(scored)...)
	e.notifyAlertSink(emitted)

	if len(emitted) > 0 {
		if err := e.writeRuleFile(emitted); err != nil {
			return Outcome{}, smlerrors.Wrap(err, smlerrors.KindUnavailable, "write rule file")
		}
	}
	outcome.RulesEmitted = len(emitted)

	ok, reloadErr := e.reloadIDS(ctx)
	outcome.ReloadOK = ok
	if reloadErr != nil {
		outcome.ReloadWarning = reloadErr.Error()
		e.log.Warn("IDS reload failed, rule file remains authoritative", "error", reloadErr)
	}

	if err := e.markAll(events); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (e *Emitter) markAll(events []ids.Event) error {
	hashes := make([]string, len(events))
	for i, ev := range events {
		hashes[i] = ev.EventHash
	}
	if err := e.store.MarkProcessed(hashes); err != nil {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "mark events processed")
	}
	return nil
}

// scoreBatch extracts features for the batch and scores each row with its
// values in features.Columns order; an event with no feature row is
// scored as an all-zero row with a warning (spec.md §4.7 step 3).
func (e *Emitter) scoreBatch(events []ids.Event) ([]scoredRow, error) {
	fRows, err := features.Extract(events)
	if err != nil {
		return nil, smlerrors.Wrap(err, smlerrors.KindInternal, "extract features")
	}
	byEventID := make(map[string]features.Row, len(fRows))
	for _, r := range fRows {
		byEventID[r.EventID] = r
	}

	out := make([]scoredRow, 0, len(events))
	for _, ev := range events {
		fr, ok := byEventID[ev.EventHash]
		if !ok {
			e.log.Warn("no feature row for event, imputing zero vector", "event_hash", ev.EventHash)
			fr = features.Row{EventID: ev.EventHash, Values: map[string]float64{}}
		}
		score, err := e.model.Score(fr.Ordered())
		if err != nil {
			return nil, smlerrors.Wrap(err, smlerrors.KindContract, "score event")
		}
		if e.notifier != nil {
			e.notifier.Notify(ev.EventHash, score, score < e.thr)
		}
		out = append(out, scoredRow{event: ev, score: score})
	}
	return out, nil
}

// filter applies the anti-FP policy chain (spec.md §4.7 step 5): drop
// LOCAL_SERVICES destinations, keep only score<thr, then dedup on
// (proto,src_ip,dest_ip,dest_port) keeping the lowest score. kept is the
// pre-dedup filtered set, returned so callers can compute the per-flow
// frequency should_drop needs over every surviving occurrence of a flow,
// not just its one deduped representative.
func (e *Emitter) filter(scored []scoredRow) (kept []scoredRow, deduped []scoredRow) {
	localSvcs := e.cfg.LocalServiceSet()

	for _, s := range scored {
		if _, excluded := localSvcs[s.event.DestIP]; excluded {
			continue
		}
		if s.score >= e.thr {
			continue
		}
		kept = append(kept, s)
	}

	dedupKey := func(s scoredRow) string {
		return strings.Join([]string{s.event.Proto, s.event.SrcIP, s.event.DestIP, strconv.Itoa(s.event.DestPort)}, "|")
	}
	best := map[string]scoredRow{}
	for _, s := range kept {
		if cur, ok := best[dedupKey(s)]; !ok || s.score < cur.score {
			best[dedupKey(s)] = s
		}
	}

	deduped = make([]scoredRow, 0, len(best))
	for _, s := range best {
		deduped = append(deduped, s)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].event.EventHash < deduped[j].event.EventHash })
	return kept, deduped
}

func flowKey(e ids.Event) string {
	return e.SrcIP + "|" + strconv.Itoa(e.DestPort)
}

// flowFrequency counts occurrences of each (src_ip,dest_port) flow across
// rows, per spec.md §4.7 step 5 — computed over the pre-dedup kept set so
// repeated identical flows are not undercounted by the 4-tuple dedup.
func flowFrequency(rows []scoredRow) map[string]int {
	freq := map[string]int{}
	for _, s := range rows {
		freq[flowKey(s.event)]++
	}
	return freq
}

// synthesize builds one Rule per surviving row (spec.md §4.7 step 6).
func (e *Emitter) synthesize(survivors []scoredRow, freq map[string]int) []Rule {
	alertOnly := e.cfg.AlertOnlyPortSet()

	var out []Rule
	for _, s := range survivors {
		proto := strings.ToLower(s.event.Proto)
		if proto != "tcp" && proto != "udp" {
			continue
		}
		if s.event.DestPort <= 0 {
			continue
		}

		_, alertOnlyPort := alertOnly[s.event.DestPort]
		shouldDrop := s.event.AlertSeverity >= e.cfg.MinSeverityToDrop &&
			freq[flowKey(s.event)] >= e.cfg.MinFreqToDrop &&
			!alertOnlyPort

		action := ActionAlert
		if shouldDrop && s.score < e.thr {
			action = ActionDrop
		}

		sid := perFlowSID(s.event.SrcIP, s.event.DestIP, proto, s.event.DestPort, s.event.AlertSeverity, s.event.PacketLength, s.score)
		out = append(out, Rule{
			Action:   action,
			Proto:    proto,
			SrcIP:    s.event.SrcIP,
			SrcPort:  "any",
			DestIP:   s.event.DestIP,
			DestPort: strconv.Itoa(s.event.DestPort),
			Msg:      msgFor(s.event, s.score, e.thr),
			SID:      sid,
		})
	}
	return out
}

func msgFor(e ids.Event, score, thr float64) string {
	return "sml anomaly score=" + formatScore(score) +
		" length=" + strconv.Itoa(e.PacketLength) +
		" severity=" + strconv.Itoa(e.AlertSeverity) +
		" thr=" + formatScore(thr)
}

// portScanRules implements spec.md §4.7 step 7: any src_ip with more than
// 10 distinct src_port in the batch gets one aggregated alert rule.
func (e *Emitter) portScanRules(scored []scoredRow) []Rule {
	ports := map[string]map[int]struct{}{}
	for _, s := range scored {
		if ports[s.event.SrcIP] == nil {
			ports[s.event.SrcIP] = map[int]struct{}{}
		}
		ports[s.event.SrcIP][s.event.SrcPort] = struct{}{}
	}

	var out []Rule
	srcIPs := make([]string, 0, len(ports))
	for ip := range ports {
		srcIPs = append(srcIPs, ip)
	}
	sort.Strings(srcIPs)
	for _, ip := range srcIPs {
		if len(ports[ip]) > 10 {
			out = append(out, Rule{
				Action:   ActionAlert,
				Proto:    "ip",
				SrcIP:    ip,
				SrcPort:  "any",
				DestIP:   "any",
				DestPort: "any",
				Msg:      "sml port scan suspected",
				SID:      portScanSID(ip),
			})
		}
	}
	return out
}

// notifyAlertSink pushes one alert per drop rule or aggregated port-scan
// rule in this run's output; plain alert rules on surviving flows don't
// warrant paging an operator on their own.
func (e *Emitter) notifyAlertSink(rules []Rule) {
	if e.alertSink == nil {
		return
	}
	for _, r := range rules {
		switch {
		case r.Action == ActionDrop:
			e.alertSink.Alert(r.SID, r.Msg, "critical", r.SrcIP, r.DestIP)
		case r.Proto == "ip":
			e.alertSink.Alert(r.SID, r.Msg, "warning", r.SrcIP, r.DestIP)
		}
	}
}

// writeRuleFile rewrites the rule file atomically (spec.md §4.7 step 9):
// every existing line is carried forward (a core-emitted line only once
// per exact text), and a new rule is appended unless its exact text or
// its pattern is already present, so an existing line wins over a new
// rule with the same pattern.
func (e *Emitter) writeRuleFile(newRules []Rule) error {
	existing, err := os.ReadFile(e.rulePath)
	if err != nil && !os.IsNotExist(err) {
		return smlerrors.Wrap(err, smlerrors.KindUnavailable, "read existing rule file")
	}

	var kept []string
	seenText := map[string]struct{}{}
	seenPattern := map[string]struct{}{}

	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "drop ip") && !strings.HasPrefix(trimmed, "alert ip") &&
			!isCoreRuleLine(trimmed) {
			kept = append(kept, line)
			seenText[trimmed] = struct{}{}
			continue
		}
		// A previously core-emitted line: carry it forward once, and record
		// its pattern so a new rule with the same pattern is not appended.
		if _, dup := seenText[trimmed]; !dup {
			kept = append(kept, line)
			seenText[trimmed] = struct{}{}
			seenPattern[patternOf(trimmed)] = struct{}{}
		}
	}

	for _, r := range newRules {
		text := r.String()
		if _, dup := seenText[text]; dup {
			continue
		}
		if _, dup := seenPattern[r.Pattern()]; dup {
			continue
		}
		kept = append(kept, text)
		seenText[text] = struct{}{}
		seenPattern[r.Pattern()] = struct{}{}
	}

	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	return config.AtomicWriteFile(e.rulePath, []byte(out), 0644)
}

func isCoreRuleLine(line string) bool {
	return strings.HasPrefix(line, "alert ") || strings.HasPrefix(line, "drop ")
}

func patternOf(line string) string {
	if i := strings.IndexByte(line, '('); i >= 0 {
		return strings.TrimSpace(line[:i])
	}
	return line
}

// reloadIDS invokes the configured control utility with a bounded timeout
// (spec.md §4.7 step 10, §5): success requires exit 0 and stdout
// containing "OK".
func (e *Emitter) reloadIDS(ctx context.Context) (bool, error) {
	timeout := e.cfg.IDSReloadTimeout
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, e.cfg.IDSReloadCommand, "reload-rules")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return false, smlerrors.Wrap(err, smlerrors.KindTimeout, "IDS reload command timed out")
		}
		return false, smlerrors.Wrap(err, smlerrors.KindUnavailable, "IDS reload command failed")
	}
	if !strings.Contains(stdout.String(), "OK") {
		return false, smlerrors.New(smlerrors.KindUnavailable, "IDS reload did not report OK")
	}
	return true, nil
}
