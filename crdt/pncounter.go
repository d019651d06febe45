// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crdt

import "github.com/luxfi/ids"

// PNCounter supports increments and decrements as a pair of grow-only
// counters; the value is their difference.
type PNCounter struct {
	Positive GCounter `serialize:"true" json:"positive"`
	Negative GCounter `serialize:"true" json:"negative"`
}

// NewPNCounter returns a zero counter.
func NewPNCounter() PNCounter {
	return PNCounter{
		Positive: NewGCounter(),
		Negative: NewGCounter(),
	}
}

// Apply adds [delta] (of either sign) on behalf of [nodeID].
func (p PNCounter) Apply(nodeID ids.NodeID, delta int64) error {
	if delta >= 0 {
		return p.Positive.Add(nodeID, delta)
	}
	return p.Negative.Add(nodeID, -delta)
}

// Value is the positive total minus the negative total.
func (p PNCounter) Value() int64 {
	return int64(p.Positive.Value()) - int64(p.Negative.Value())
}

// Copy returns an independent snapshot.
func (p PNCounter) Copy() PNCounter {
	return PNCounter{
		Positive: p.Positive.Copy(),
		Negative: p.Negative.Copy(),
	}
}

// MergePNCounters merges both halves independently into a new counter.
func MergePNCounters(a, b PNCounter) PNCounter {
	return PNCounter{
		Positive: MergeGCounters(a.Positive, b.Positive),
		Negative: MergeGCounters(a.Negative, b.Negative),
	}
}
