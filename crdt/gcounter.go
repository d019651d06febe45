// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crdt provides conflict-free replicated data types whose merges are
// commutative, associative, and idempotent, so independently updated replicas
// converge without coordination. Merges are pure functions over snapshots;
// only a replica's owner mutates it in place.
package crdt

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	safemath "github.com/luxfi/math"
)

var ErrDecrement = errors.New("grow-only counter cannot decrement")

// GCounter is a grow-only counter: one monotonic slot per replica, value is
// the sum of every slot.
type GCounter map[ids.NodeID]uint64

// NewGCounter returns an empty grow-only counter.
func NewGCounter() GCounter {
	return make(GCounter)
}

// Increment adds 1 to [nodeID]'s slot.
func (g GCounter) Increment(nodeID ids.NodeID) error {
	return g.Add(nodeID, 1)
}

// Add adds [delta] to [nodeID]'s slot. Negative deltas are rejected and
// overflow is an error rather than a silent wrap.
func (g GCounter) Add(nodeID ids.NodeID, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("%w: %d", ErrDecrement, delta)
	}
	updated, err := safemath.Add(g[nodeID], uint64(delta))
	if err != nil {
		return err
	}
	g[nodeID] = updated
	return nil
}

// Value sums every replica's contribution.
func (g GCounter) Value() uint64 {
	var total uint64
	for _, count := range g {
		total += count
	}
	return total
}

// Copy returns an independent snapshot.
func (g GCounter) Copy() GCounter {
	out := make(GCounter, len(g))
	for nodeID, count := range g {
		out[nodeID] = count
	}
	return out
}

// MergeGCounters returns the element-wise maximum of [a] and [b] as a new
// counter. Neither input is modified.
func MergeGCounters(a, b GCounter) GCounter {
	out := a.Copy()
	for nodeID, count := range b {
		if count > out[nodeID] {
			out[nodeID] = count
		}
	}
	return out
}
