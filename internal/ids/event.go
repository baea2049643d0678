// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ids defines the normalized Event record (spec.md §3) and the raw
// IDS wire shape it is parsed from (spec.md §6): UTF-8 line-delimited JSON
// appended by an external signature-based intrusion detector.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// TrainingLabel is the operator-supplied ground-truth label stamped onto
// an event at ingestion time, never mutated afterward.
type TrainingLabel string

const (
	LabelNormal  TrainingLabel = "normal"
	LabelAnomaly TrainingLabel = "anomaly"
	LabelUnknown TrainingLabel = "unknown"
)

// Event is one normalized, deduplicated record kept by the event store.
type Event struct {
	EventHash string    `json:"event_hash"`
	Timestamp time.Time `json:"timestamp"`
	FlowID    *int64    `json:"flow_id,omitempty"`

	Proto   string `json:"proto"`
	SrcIP   string `json:"src_ip"`
	DestIP  string `json:"dest_ip"`
	SrcPort int    `json:"src_port"`
	DestPort int   `json:"dest_port"`

	PacketLength   int    `json:"packet_length"`
	AlertSeverity  int    `json:"alert_severity"`
	AlertSignature string `json:"alert_signature"`

	DNSQuery     string `json:"dns_query,omitempty"`
	TLSSNI       string `json:"tls_sni,omitempty"`
	HTTPHostname string `json:"http_hostname,omitempty"`
	HTTPURL      string `json:"http_url,omitempty"`
	FileMagic    string `json:"file_magic,omitempty"`
	FileMIME     string `json:"file_mime,omitempty"`

	TrainingMode    bool          `json:"training_mode"`
	TrainingLabel   TrainingLabel `json:"training_label"`
	TrainingSession string        `json:"training_session,omitempty"`
	Anomaly         int           `json:"anomaly"`

	Processed bool `json:"processed"`
}

// RawEvent is the shape a single eve.json line decodes into before
// normalization. Missing/absent fields get typed defaults in Normalize.
type RawEvent struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	FlowID    *int64 `json:"flow_id"`
	SrcIP     string `json:"src_ip"`
	DestIP    string `json:"dest_ip"`
	Proto     string `json:"proto"`
	SrcPort   int    `json:"src_port"`
	DestPort  int    `json:"dest_port"`

	Alert *struct {
		Severity  int    `json:"severity"`
		Signature string `json:"signature"`
	} `json:"alert"`

	Packet *struct {
		Length int `json:"length"`
	} `json:"packet"`

	DNS *struct {
		RRName string `json:"rrname"`
	} `json:"dns"`

	TLS *struct {
		SNI string `json:"sni"`
	} `json:"tls"`

	HTTP *struct {
		Hostname string `json:"hostname"`
		URL      string `json:"url"`
	} `json:"http"`

	FileInfo *struct {
		Magic    string `json:"magic"`
		MimeType string `json:"mime_type"`
	} `json:"fileinfo"`
}

// acceptedEventTypes is the non-Off filter set from spec.md §4.3 step 2.
var acceptedEventTypes = map[string]struct{}{
	"flow": {}, "http": {}, "dns": {}, "tls": {}, "alert": {},
}

// Accepted reports whether this raw event type passes the mode filter.
// In Off mode only "alert" events pass; in Normal/Anomaly the wider set
// (flow, http, dns, tls, alert) is accepted.
func (r RawEvent) Accepted(trainingMode bool) bool {
	if !trainingMode {
		return r.EventType == "alert"
	}
	_, ok := acceptedEventTypes[r.EventType]
	return ok
}

// Normalize converts a RawEvent into an Event, filling typed defaults and
// upper-casing proto, but does not stamp labeling fields — callers (the
// tailer) do that once the current mode is known.
func (r RawEvent) Normalize() Event {
	e := Event{
		SrcIP:  defaultStr(r.SrcIP, "0.0.0.0"),
		DestIP: defaultStr(r.DestIP, "0.0.0.0"),
		Proto:  normalizeProto(r.Proto),
	}
	if ts, err := ParseTimestamp(r.Timestamp); err == nil {
		e.Timestamp = ts
	} else {
		e.Timestamp = time.Now().UTC()
	}
	e.FlowID = r.FlowID
	e.SrcPort = r.SrcPort
	e.DestPort = r.DestPort

	if r.Alert != nil {
		e.AlertSeverity = r.Alert.Severity
		e.AlertSignature = r.Alert.Signature
	}
	if r.Packet != nil {
		e.PacketLength = r.Packet.Length
	}
	if r.DNS != nil {
		e.DNSQuery = canonicalDNSName(r.DNS.RRName)
	}
	if r.TLS != nil {
		e.TLSSNI = r.TLS.SNI
	}
	if r.HTTP != nil {
		e.HTTPHostname = r.HTTP.Hostname
		e.HTTPURL = r.HTTP.URL
	}
	if r.FileInfo != nil {
		e.FileMagic = r.FileInfo.Magic
		e.FileMIME = r.FileInfo.MimeType
	}
	return e
}

// canonicalDNSName lower-cases and dot-terminates a query name so the same
// domain observed with mixed case or a missing trailing dot dedups and
// aggregates as one rrname; empty input stays empty rather than becoming
// the DNS root.
func canonicalDNSName(rrname string) string {
	if rrname == "" {
		return ""
	}
	return dns.CanonicalName(rrname)
}

func normalizeProto(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	switch p {
	case "TCP", "UDP", "ICMP":
		return p
	case "":
		return "UNKNOWN"
	default:
		return p
	}
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ParseTimestamp parses ISO-8601 timestamps, accepting a trailing "Z".
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errEmptyTimestamp
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errEmptyTimestamp
}

var errEmptyTimestamp = timestampError("unparseable timestamp")

type timestampError string

func (e timestampError) Error() string { return string(e) }

// Hash computes the content-derived event_hash per spec.md §4.3 step 4:
// SHA256 over a "|"-joined tuple of the fields that identify a unique
// underlying IDS observation.
func (r RawEvent) Hash() string {
	var dnsRR, tlsSNI, httpHost, httpURL string
	if r.DNS != nil {
		dnsRR = canonicalDNSName(r.DNS.RRName)
	}
	if r.TLS != nil {
		tlsSNI = r.TLS.SNI
	}
	if r.HTTP != nil {
		httpHost = r.HTTP.Hostname
		httpURL = r.HTTP.URL
	}
	var sig string
	if r.Alert != nil {
		sig = r.Alert.Signature
	}
	var flowID string
	if r.FlowID != nil {
		flowID = strconv.FormatInt(*r.FlowID, 10)
	}

	parts := []string{
		r.EventType,
		r.Timestamp,
		r.SrcIP,
		r.DestIP,
		normalizeProto(r.Proto),
		strconv.Itoa(r.SrcPort),
		strconv.Itoa(r.DestPort),
		flowID,
		sig,
		dnsRR,
		tlsSNI,
		httpHost,
		httpURL,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
