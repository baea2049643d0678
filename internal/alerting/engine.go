// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/spirock/sml/internal/logging"
)

// Engine delivers alert events to a fixed set of channels, asynchronously
// and without blocking the Rule Emitter that triggers it.
type Engine struct {
	mu         sync.RWMutex
	channels   []Channel
	history    []Event
	maxHistory int
	eventChan  chan Event
	httpClient *http.Client
	log        *logging.Logger
}

// NewEngine creates an Engine that delivers to the given channels.
func NewEngine(channels []Channel) *Engine {
	return &Engine{
		channels:   channels,
		history:    make([]Event, 0),
		maxHistory: 1000,
		eventChan:  make(chan Event, 100),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logging.WithComponent("alerting"),
	}
}

// Start runs the engine's background delivery loop until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case event := <-e.eventChan:
			e.handleEvent(event)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleEvent(event Event) {
	e.mu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > e.maxHistory {
		e.history = e.history[1:]
	}
	channels := e.channels
	e.mu.Unlock()

	e.log.Warn("rule emitter raised alert", "severity", event.Severity, "message", event.Message, "sid", event.RuleSID)

	for _, ch := range channels {
		go e.sendToChannel(ch, event)
	}
}

func (e *Engine) sendToChannel(ch Channel, event Event) {
	switch ch.Type {
	case "webhook", "slack", "discord", "ntfy":
		e.sendWebhook(ch, event)
	case "email":
		e.sendEmail(ch, event)
	default:
		e.log.Warn("unsupported alerting channel type", "channel", ch.Name, "type", ch.Type)
	}
}

func (e *Engine) sendWebhook(ch Channel, event Event) {
	url := ch.WebhookURL
	if ch.Type == "ntfy" && ch.Server != "" && ch.Topic != "" {
		url = fmt.Sprintf("%s/%s", ch.Server, ch.Topic)
	}
	if url == "" {
		e.log.Warn("webhook URL missing for channel", "channel", ch.Name)
		return
	}

	var payload interface{}
	switch ch.Type {
	case "slack":
		payload = map[string]string{"text": fmt.Sprintf("*%s*: %s", event.Severity, event.Message)}
	case "discord":
		payload = map[string]string{"content": fmt.Sprintf("**%s**: %s", event.Severity, event.Message)}
	default: // generic webhook or ntfy
		payload = event
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Warn("failed to marshal webhook payload", "channel", ch.Name, "error", err)
		return
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(data))
	if err != nil {
		e.log.Warn("failed to build webhook request", "channel", ch.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.log.Warn("webhook delivery failed", "channel", ch.Name, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.log.Warn("webhook returned non-success status", "channel", ch.Name, "status", resp.StatusCode)
	}
}

func (e *Engine) sendEmail(ch Channel, event Event) {
	if ch.SMTPHost == "" || len(ch.To) == 0 {
		e.log.Warn("SMTP configuration missing for channel", "channel", ch.Name)
		return
	}

	auth := smtp.PlainAuth("", ch.SMTPUser, ch.SMTPPassword, ch.SMTPHost)
	addr := fmt.Sprintf("%s:%d", ch.SMTPHost, ch.SMTPPort)

	subject := fmt.Sprintf("Anomaly rule emitted: sid %d", event.RuleSID)
	body := fmt.Sprintf("Severity: %s\nMessage: %s\nSource: %s\nDest: %s\nTime: %s\n",
		event.Severity, event.Message, event.SrcIP, event.DestIP, event.Timestamp.Format(time.RFC3339))

	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s",
		strings.Join(ch.To, ","), subject, body))

	if err := smtp.SendMail(addr, auth, ch.From, ch.To, msg); err != nil {
		e.log.Warn("email delivery failed", "channel", ch.Name, "error", err)
	}
}

// Trigger enqueues an alert event for asynchronous delivery. It never
// blocks the caller (the Rule Emitter): a full queue drops the event.
func (e *Engine) Trigger(event Event) {
	select {
	case e.eventChan <- event:
	default:
		e.log.Warn("alert queue full, dropping event", "message", event.Message)
	}
}

// Alert satisfies rules.AlertSink: the Rule Emitter calls this directly
// when it synthesizes a drop rule or an aggregated port-scan rule.
func (e *Engine) Alert(sid int, msg, severity, srcIP, destIP string) {
	e.Trigger(Event{
		RuleSID:   sid,
		Message:   msg,
		Severity:  Level(severity),
		Timestamp: time.Now(),
		SrcIP:     srcIP,
		DestIP:    destIP,
	})
}

// GetHistory returns a copy of the recent alert history.
func (e *Engine) GetHistory() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res := make([]Event, len(e.history))
	copy(res, e.history)
	return res
}
