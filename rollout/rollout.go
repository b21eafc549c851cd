// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package rollout implements deterministic client partitioning for staged
// releases.
//
// Selection must stay stable across every server implementation that ever
// answered for a deployment: a client once admitted to a rollout keeps its
// answer for that release forever. The hash below therefore operates on
// UTF-16 code units with 32-bit wraparound, matching the historical
// behavior exactly.
package rollout

import "unicode/utf16"

// IsSelected reports whether a client participates in a rollout at the
// given percentage. releaseTag is the release's label when present,
// otherwise its package hash, so distinct releases partition clients
// independently.
func IsSelected(clientID, releaseTag string, percent int) bool {
	identifier := clientID + "-" + releaseTag
	var h int32
	for _, c := range utf16.Encode([]rune(identifier)) {
		h = (h << 5) - h + int32(c)
	}
	value := int64(h)
	if value < 0 {
		value = -value
	}
	return value%100 < int64(percent)
}

// IsUnfinished reports whether a rollout is still partial. Nil and 0 both
// mean fully rolled out, as does 100.
func IsUnfinished(rollout *int) bool {
	return rollout != nil && *rollout != 0 && *rollout != 100
}

// Value returns the effective percentage of a rollout field: nil and 0 mean
// 100.
func Value(rollout *int) int {
	if rollout == nil || *rollout == 0 {
		return 100
	}
	return *rollout
}
