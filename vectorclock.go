// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import "github.com/luxfi/ids"

// VectorClock tracks per-agent update counters to establish causal order
// between state versions. An agent's own counter only ever increases.
type VectorClock map[ids.NodeID]uint64

// Ordering is the causal relationship between two vector clocks.
type Ordering uint8

const (
	OrderingEqual Ordering = iota
	OrderingBefore
	OrderingAfter
	OrderingConcurrent
)

// Tick increments the counter for [nodeID], returning the clock for chaining.
func (vc VectorClock) Tick(nodeID ids.NodeID) VectorClock {
	vc[nodeID]++
	return vc
}

// Copy returns an independent clone of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for nodeID, counter := range vc {
		out[nodeID] = counter
	}
	return out
}

// Merge returns a new clock holding the element-wise maximum of [vc] and
// [other]. Neither input is modified.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Copy()
	for nodeID, counter := range other {
		if counter > out[nodeID] {
			out[nodeID] = counter
		}
	}
	return out
}

// Compare reports the causal relationship of [vc] to [other].
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var vcAhead, otherAhead bool
	for nodeID, counter := range vc {
		if counter > other[nodeID] {
			vcAhead = true
		}
	}
	for nodeID, counter := range other {
		if counter > vc[nodeID] {
			otherAhead = true
		}
	}
	switch {
	case vcAhead && otherAhead:
		return OrderingConcurrent
	case vcAhead:
		return OrderingAfter
	case otherAhead:
		return OrderingBefore
	default:
		return OrderingEqual
	}
}
