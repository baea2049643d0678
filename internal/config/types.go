// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the pipeline's tunables: the anti-false-positive
// policy, artifact/rule-file locations, and the IDS reload command. It is
// HCL-first (hashicorp/hcl/v2 + gohcl), the way the rest of the retrieved
// pack configures its daemons, with a JSON fallback for older deployments.
package config

import "time"

// Config holds every operator-tunable knob named in spec.md §6.
type Config struct {
	// EventStoreDSN is the SQLite DSN for the event store (C1). Passed in
	// externally; never embedded in a committed config file.
	EventStoreDSN string `hcl:"event_store_dsn,optional" json:"event_store_dsn"`

	// IDSLogPath is the eve.json-shaped log the tailer follows.
	IDSLogPath string `hcl:"ids_log_path,optional" json:"ids_log_path"`

	// ModelDir is <MODEL_DIR> from §6's artifact layout.
	ModelDir string `hcl:"model_dir,optional" json:"model_dir"`

	// RulesDir and RuleFileName together form <RULES_DIR>/<name>.rules.
	RulesDir     string `hcl:"rules_dir,optional" json:"rules_dir"`
	RuleFileName string `hcl:"rule_file_name,optional" json:"rule_file_name"`

	// IDSReloadCommand is invoked with argument "reload-rules"; success is
	// exit 0 and stdout containing "OK".
	IDSReloadCommand        string        `hcl:"ids_reload_command,optional" json:"ids_reload_command"`
	IDSReloadTimeoutSeconds int           `hcl:"ids_reload_timeout_seconds,optional" json:"ids_reload_timeout_seconds"`
	IDSReloadTimeout        time.Duration `json:"-"`

	// AnomalyThreshold is the fallback decision threshold used when no
	// calibrated threshold artifact is present.
	AnomalyThreshold float64 `hcl:"anomaly_threshold,optional" json:"anomaly_threshold"`

	// DefaultPercentile is the score percentile used for the calibration
	// fallback path (§4.6 step 3).
	DefaultPercentile float64 `hcl:"default_percentile,optional" json:"default_percentile"`

	// MinPrecisionForThreshold is the precision floor the calibrator must
	// satisfy before accepting a candidate threshold.
	MinPrecisionForThreshold float64 `hcl:"min_precision_for_threshold,optional" json:"min_precision_for_threshold"`

	// AlertOnlyPorts never get upgraded to a drop rule, regardless of score.
	AlertOnlyPorts []int `hcl:"alert_only_ports,optional" json:"alert_only_ports"`

	// LocalServices are destination IPs excluded from rule emission entirely.
	LocalServices []string `hcl:"local_services,optional" json:"local_services"`

	// MinSeverityToDrop and MinFreqToDrop gate the upgrade from alert to drop.
	MinSeverityToDrop int `hcl:"min_severity_to_drop,optional" json:"min_severity_to_drop"`
	MinFreqToDrop     int `hcl:"min_freq_to_drop,optional" json:"min_freq_to_drop"`

	// EmitterBatchSize is N in "fetch up to N unprocessed events" (§4.7 step 1).
	EmitterBatchSize int `hcl:"emitter_batch_size,optional" json:"emitter_batch_size"`

	// AlertWebhookURL, if set, receives one POST per drop rule or
	// aggregated port-scan rule the emitter synthesizes. Empty disables
	// webhook delivery entirely.
	AlertWebhookURL string `hcl:"alert_webhook_url,optional" json:"alert_webhook_url"`
}

// Defaults returns the configuration described in spec.md §6, used when no
// config file is present and as the base every loader starts from.
func Defaults() *Config {
	return &Config{
		EventStoreDSN:            "file:sml.db",
		IDSLogPath:               "/var/log/suricata/eve.json",
		ModelDir:                 "/app/models",
		RulesDir:                 "/var/lib/suricata/rules",
		RuleFileName:             "sml.rules",
		IDSReloadCommand:         "suricatasc",
		IDSReloadTimeoutSeconds:  35,
		AnomalyThreshold:         -0.2,
		DefaultPercentile:        0.98,
		MinPrecisionForThreshold: 0.95,
		AlertOnlyPorts:           []int{53, 80, 123, 443},
		LocalServices:            []string{},
		MinSeverityToDrop:        2,
		MinFreqToDrop:            5,
		EmitterBatchSize:         100,
	}
}

// normalize fills in zero-valued fields with defaults and derives the
// time.Duration form of the reload timeout. Called after every load path
// so HCL, JSON and hand-built Configs behave identically.
func (c *Config) normalize() {
	d := Defaults()
	if c.EventStoreDSN == "" {
		c.EventStoreDSN = d.EventStoreDSN
	}
	if c.IDSLogPath == "" {
		c.IDSLogPath = d.IDSLogPath
	}
	if c.ModelDir == "" {
		c.ModelDir = d.ModelDir
	}
	if c.RulesDir == "" {
		c.RulesDir = d.RulesDir
	}
	if c.RuleFileName == "" {
		c.RuleFileName = d.RuleFileName
	}
	if c.IDSReloadCommand == "" {
		c.IDSReloadCommand = d.IDSReloadCommand
	}
	if c.IDSReloadTimeoutSeconds <= 0 {
		c.IDSReloadTimeoutSeconds = d.IDSReloadTimeoutSeconds
	}
	if c.IDSReloadTimeoutSeconds > 35 {
		c.IDSReloadTimeoutSeconds = 35 // hard cap per §5 concurrency model
	}
	c.IDSReloadTimeout = time.Duration(c.IDSReloadTimeoutSeconds) * time.Second

	if c.AnomalyThreshold == 0 {
		c.AnomalyThreshold = d.AnomalyThreshold
	}
	if c.DefaultPercentile == 0 {
		c.DefaultPercentile = d.DefaultPercentile
	}
	if c.MinPrecisionForThreshold == 0 {
		c.MinPrecisionForThreshold = d.MinPrecisionForThreshold
	}
	if len(c.AlertOnlyPorts) == 0 {
		c.AlertOnlyPorts = d.AlertOnlyPorts
	}
	if c.LocalServices == nil {
		c.LocalServices = d.LocalServices
	}
	if c.MinSeverityToDrop == 0 {
		c.MinSeverityToDrop = d.MinSeverityToDrop
	}
	if c.MinFreqToDrop == 0 {
		c.MinFreqToDrop = d.MinFreqToDrop
	}
	if c.EmitterBatchSize == 0 {
		c.EmitterBatchSize = d.EmitterBatchSize
	}
}

// LocalServiceSet returns LocalServices as a lookup set.
func (c *Config) LocalServiceSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.LocalServices))
	for _, ip := range c.LocalServices {
		set[ip] = struct{}{}
	}
	return set
}

// AlertOnlyPortSet returns AlertOnlyPorts as a lookup set.
func (c *Config) AlertOnlyPortSet() map[int]struct{} {
	set := make(map[int]struct{}, len(c.AlertOnlyPorts))
	for _, p := range c.AlertOnlyPorts {
		set[p] = struct{}{}
	}
	return set
}
