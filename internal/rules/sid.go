// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	perFlowSIDBase  = 3_000_000
	perFlowSIDSpan  = 500_000
	portScanSIDBase = 2_000_000
	portScanSIDSpan = 900_000
)

// hashMod hashes key with SHA-256 and reduces it modulo span, matching the
// stable-hash SID derivation spec.md §4.7 describes for per-flow rules.
func hashMod(key string, span int) int {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint64(sum[:8])
	return int(v % uint64(span))
}

// perFlowSID derives the stable sid for a per-flow rule: spec.md §4.7 step 6,
// "3_000_000 + (SHA256("{src_ip}-{dest_ip}-{proto}-{dest_port}-{sev}-{pkt_len}-{round(score,3)}") mod 500_000)".
func perFlowSID(srcIP, destIP, proto string, destPort, severity, pktLen int, score float64) int {
	key := fmt.Sprintf("%s-%s-%s-%d-%d-%d-%s", srcIP, destIP, proto, destPort, severity, pktLen, formatScore(score))
	return perFlowSIDBase + hashMod(key, perFlowSIDSpan)
}

// portScanSID derives the sid for the port-scan aggregation rule
// (spec.md §4.7 step 7): range [2_000_000, 2_900_000).
func portScanSID(srcIP string) int {
	return portScanSIDBase + hashMod("portscan-"+srcIP, portScanSIDSpan)
}
