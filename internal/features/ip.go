// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"math/big"
	"net"
)

// ipToNumber encodes a textual IPv4/IPv6 address as its big-endian integer
// value; an unparseable address encodes to 0 per spec.md §4.4.
func ipToNumber(s string) float64 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	if v4 := ip.To4(); v4 != nil {
		n := new(big.Int).SetBytes(v4)
		f, _ := new(big.Float).SetInt(n).Float64()
		return f
	}
	n := new(big.Int).SetBytes(ip.To16())
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}

// protoCode assigns a stable categorical code to a normalized proto string.
func protoCode(proto string) float64 {
	switch proto {
	case "TCP":
		return 1
	case "UDP":
		return 2
	case "ICMP":
		return 3
	case "UNKNOWN":
		return 0
	default:
		return 4
	}
}
