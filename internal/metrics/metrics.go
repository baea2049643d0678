// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the pipeline's Prometheus metrics: counters on
// event ingestion, a gauge tracking the current pipeline mode, and a
// histogram of Rule Emitter batch latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the daemon registers.
type Metrics struct {
	EventsIngested    prometheus.Counter
	EventsDuplicate   prometheus.Counter
	EventsParseErrors prometheus.Counter

	PipelineMode prometheus.Gauge

	EmissionBatchSize     prometheus.Histogram
	EmissionBatchDuration prometheus.Histogram
	RulesEmittedTotal     prometheus.Counter
	ReloadFailuresTotal   prometheus.Counter
}

// New creates and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sml_events_ingested_total",
			Help: "Total number of IDS events accepted by the Log Tailer.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sml_events_duplicate_total",
			Help: "Total number of IDS events rejected as duplicates by event_hash.",
		}),
		EventsParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sml_events_parse_errors_total",
			Help: "Total number of log lines that failed to parse as IDS events.",
		}),
		PipelineMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sml_pipeline_mode",
			Help: "Current pipeline mode: 0=off, 1=normal, 2=anomaly.",
		}),
		EmissionBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sml_emission_batch_size",
			Help:    "Number of events fetched per Rule Emitter run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		EmissionBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sml_emission_batch_duration_seconds",
			Help:    "Wall-clock duration of one Rule Emitter run.",
			Buckets: prometheus.DefBuckets,
		}),
		RulesEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sml_rules_emitted_total",
			Help: "Total number of firewall/IDS rules synthesized across all runs.",
		}),
		ReloadFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sml_ids_reload_failures_total",
			Help: "Total number of failed IDS reload attempts after rule emission.",
		}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsDuplicate, m.EventsParseErrors,
		m.PipelineMode,
		m.EmissionBatchSize, m.EmissionBatchDuration,
		m.RulesEmittedTotal, m.ReloadFailuresTotal,
	)
	return m
}

// IncIngested satisfies tailer.MetricsSink.
func (m *Metrics) IncIngested() { m.EventsIngested.Inc() }

// IncDuplicate satisfies tailer.MetricsSink.
func (m *Metrics) IncDuplicate() { m.EventsDuplicate.Inc() }

// IncParseError satisfies tailer.MetricsSink.
func (m *Metrics) IncParseError() { m.EventsParseErrors.Inc() }

// ObserveEmission satisfies rules.MetricsSink: one push per emitter run.
func (m *Metrics) ObserveEmission(batchSize int, duration float64, rulesEmitted int, reloadFailed bool) {
	m.EmissionBatchSize.Observe(float64(batchSize))
	m.EmissionBatchDuration.Observe(duration)
	m.RulesEmittedTotal.Add(float64(rulesEmitted))
	if reloadFailed {
		m.ReloadFailuresTotal.Inc()
	}
}

// SetMode is called directly by the daemon's emitter loop on every tick to
// keep the mode gauge current; internal/mode defines no sink interface of
// its own since only one caller ever needs this.
func (m *Metrics) SetMode(name string) { m.PipelineMode.Set(ModeValue(name)) }

// ModeValue maps a mode name to the gauge value PipelineMode expects.
func ModeValue(m string) float64 {
	switch m {
	case "normal":
		return 1
	case "anomaly":
		return 2
	default:
		return 0
	}
}
