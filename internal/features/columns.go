// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package features implements the Feature Extractor (spec.md C4): a batch
// pass over stored events that derives a fixed, ordered numeric feature
// vector per event using per-source aggregates and time windows.
package features

// Columns is the fixed, published order of the preprocessed table's
// numeric columns (spec.md §3). event_id is carried alongside, never
// scaled, and never reordered.
var Columns = []string{
	"src_ip_num", "dest_ip_num", "proto_code", "src_port", "dest_port",
	"alert_severity", "packet_length", "hour", "is_night",
	"ports_used", "conn_per_ip", "port_rarity", "ip_rarity",
	"conn_5m", "port_entropy", "failed_ratio", "hour_anomaly",
	"conn_velocity", "proto_pkt_mean", "proto_pkt_std", "proto_ports",
	"pkt_anomaly", "anomaly",
}

// Row is one record of the preprocessed table: event_id plus the ordered
// numeric columns named by Columns, accessible by name via Get/Set so
// callers never depend on positional indexing drifting out of sync.
type Row struct {
	EventID string
	Values  map[string]float64
}

// Get returns the value of column, or 0 if absent (documented default).
func (r Row) Get(column string) float64 {
	return r.Values[column]
}

// Ordered returns the row's values in Columns order, for CSV/matrix export.
func (r Row) Ordered() []float64 {
	out := make([]float64, len(Columns))
	for i, c := range Columns {
		out[i] = r.Values[c]
	}
	return out
}

func newRow(eventID string) Row {
	return Row{EventID: eventID, Values: make(map[string]float64, len(Columns))}
}
