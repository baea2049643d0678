// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"math"
	"sort"
	"time"

	"github.com/spirock/sml/internal/ids"
)

const (
	rarityEpsilon   = 1e-6
	conn5mWindow    = 5 * time.Minute
	velocityWindow  = 5
	failedRatioWin  = 20
	hourAnomalyDev  = 3
	pktAnomalyZ     = 2.0
)

// srcIPState accumulates the per-source-IP running aggregates needed by
// conn_per_ip, ports_used, port_entropy, conn_5m, conn_velocity,
// failed_ratio, and hour_anomaly as events are replayed in timestamp order.
type srcIPState struct {
	count       int
	ports       map[int]struct{}
	portCounts  map[int]int
	timestamps  []time.Time
	lastArrival *time.Time
	interarrivals []float64
	severityHits  []float64 // 1/0 per event for failed_ratio rolling mean
	hourCounts    map[int]int
}

func newSrcIPState() *srcIPState {
	return &srcIPState{
		ports:      map[int]struct{}{},
		portCounts: map[int]int{},
		hourCounts: map[int]int{},
	}
}

// Extract builds the preprocessed FeatureRow table for events. The batch
// is first sorted by timestamp (stable, so equal timestamps keep their
// input order), windowed aggregates are computed incrementally over that
// order, and rows are returned in it. An empty batch returns
// an empty table (spec.md §4.4 edge case), not an error.
func Extract(events []ids.Event) ([]Row, error) {
	if len(events) == 0 {
		return nil, nil
	}

	sorted := append([]ids.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	// Global pass 1: port/IP frequency, per-proto packet length stats.
	portFreq := map[int]int{}
	ipFreq := map[string]int{}
	protoPktTracker := map[string]*tracker{}
	protoPorts := map[string]map[int]struct{}{}

	for _, e := range sorted {
		portFreq[e.DestPort]++
		ipFreq[e.DestIP]++
		if protoPktTracker[e.Proto] == nil {
			protoPktTracker[e.Proto] = &tracker{}
			protoPorts[e.Proto] = map[int]struct{}{}
		}
		protoPktTracker[e.Proto].update(float64(e.PacketLength))
		protoPorts[e.Proto][e.DestPort] = struct{}{}
	}

	totalPorts := 0
	for _, n := range portFreq {
		totalPorts += n
	}
	totalIPs := 0
	for _, n := range ipFreq {
		totalIPs += n
	}

	// Pass 2: per-src-ip streaming state, replayed in timestamp order so
	// conn_5m/conn_velocity/failed_ratio/hour_anomaly reflect only events
	// seen so far, matching an online tailer's view of the stream.
	states := map[string]*srcIPState{}
	rows := make([]Row, 0, len(sorted))

	for _, e := range sorted {
		st, ok := states[e.SrcIP]
		if !ok {
			st = newSrcIPState()
			states[e.SrcIP] = st
		}

		st.count++
		st.ports[e.DestPort] = struct{}{}
		st.portCounts[e.DestPort]++
		st.timestamps = append(st.timestamps, e.Timestamp)

		var interarrival float64
		if st.lastArrival != nil {
			interarrival = e.Timestamp.Sub(*st.lastArrival).Seconds()
		}
		t := e.Timestamp
		st.lastArrival = &t
		st.interarrivals = append(st.interarrivals, interarrival)
		if len(st.interarrivals) > velocityWindow {
			st.interarrivals = st.interarrivals[len(st.interarrivals)-velocityWindow:]
		}

		hit := 0.0
		if e.AlertSeverity > 0 {
			hit = 1.0
		}
		st.severityHits = append(st.severityHits, hit)
		if len(st.severityHits) > failedRatioWin {
			st.severityHits = st.severityHits[len(st.severityHits)-failedRatioWin:]
		}

		hour := e.Timestamp.UTC().Hour()
		st.hourCounts[hour]++

		row := newRow(e.EventHash)
		row.Values["src_ip_num"] = ipToNumber(e.SrcIP)
		row.Values["dest_ip_num"] = ipToNumber(e.DestIP)
		row.Values["proto_code"] = protoCode(e.Proto)
		row.Values["src_port"] = float64(e.SrcPort)
		row.Values["dest_port"] = float64(e.DestPort)
		row.Values["alert_severity"] = float64(e.AlertSeverity)
		row.Values["packet_length"] = float64(e.PacketLength)
		row.Values["hour"] = float64(hour)
		row.Values["is_night"] = boolF(hour < 7 || hour > 20)

		row.Values["ports_used"] = float64(len(st.ports))
		row.Values["conn_per_ip"] = float64(st.count)
		row.Values["port_rarity"] = 1.0 / (rarityEpsilon + normalizedFreq(portFreq[e.DestPort], totalPorts))
		row.Values["ip_rarity"] = 1.0 / (rarityEpsilon + normalizedFreq(ipFreq[e.DestIP], totalIPs))
		row.Values["conn_5m"] = float64(countWithin(st.timestamps, e.Timestamp, conn5mWindow))
		row.Values["port_entropy"] = shannonEntropy(st.portCounts)
		row.Values["failed_ratio"] = mean(st.severityHits)
		row.Values["hour_anomaly"] = boolF(hourDeviation(st.hourCounts, hour) > hourAnomalyDev)
		row.Values["conn_velocity"] = meanNonNaN(st.interarrivals)

		pt := protoPktTracker[e.Proto]
		row.Values["proto_pkt_mean"] = pt.mean
		row.Values["proto_pkt_std"] = pt.stdDev()
		row.Values["proto_ports"] = float64(len(protoPorts[e.Proto]))
		row.Values["pkt_anomaly"] = boolF(pt.stdDev() > 0 && math.Abs(float64(e.PacketLength)-pt.mean) > pktAnomalyZ*pt.stdDev())

		row.Values["anomaly"] = float64(e.Anomaly)

		rows = append(rows, row)
	}

	robustScale(rows)
	return rows, nil
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func normalizedFreq(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}

func countWithin(timestamps []time.Time, now time.Time, window time.Duration) int {
	n := 0
	cutoff := now.Add(-window)
	for _, t := range timestamps {
		if t.After(cutoff) && !t.After(now) {
			n++
		}
	}
	return n
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// meanNonNaN mirrors mean but treats a single-sample window (interarrival
// always 0 for the first event) as a real value, matching the spec's
// "NaNs -> 0" fallback rather than excluding the sample.
func meanNonNaN(vals []float64) float64 {
	m := mean(vals)
	if math.IsNaN(m) {
		return 0
	}
	return m
}

// hourDeviation returns the smallest circular distance (on a 24-hour
// clock) between hour and the source IP's modal (most frequent) hour.
func hourDeviation(hourCounts map[int]int, hour int) int {
	modal, best := 0, -1
	for h, c := range hourCounts {
		if c > best || (c == best && h < modal) {
			modal, best = h, c
		}
	}
	diff := hour - modal
	if diff < 0 {
		diff = -diff
	}
	if diff > 12 {
		diff = 24 - diff
	}
	return diff
}
