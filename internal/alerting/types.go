// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting delivers a notification whenever the Rule Emitter
// synthesizes a high-severity rule (a drop, or an aggregated port-scan
// rule), to channels outside the pipeline's own REST/websocket surface.
package alerting

import "time"

// Level is the severity of a delivered alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Channel is one delivery target: a webhook (generic/Slack/Discord/ntfy
// shaped) or SMTP email.
type Channel struct {
	Name       string
	Type       string // "webhook", "slack", "discord", "ntfy", "email"
	WebhookURL string
	Server     string // ntfy server base URL
	Topic      string // ntfy topic
	Headers    map[string]string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string
	To           []string
}

// Event is one alert occurrence raised by the Rule Emitter.
type Event struct {
	RuleSID   int       `json:"rule_sid"`
	Message   string    `json:"message"`
	Severity  Level     `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"src_ip"`
	DestIP    string    `json:"dest_ip"`
}
