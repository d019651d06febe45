// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crdt

import (
	"bytes"
	"time"

	"github.com/luxfi/ids"
)

// LWWRegister holds a single value under last-write-wins semantics. Exact
// timestamp ties break on the writer's node ID so every replica picks the
// same winner.
type LWWRegister struct {
	Value     interface{} `serialize:"true" json:"value"`
	Timestamp time.Time   `serialize:"true" json:"timestamp"`
	NodeID    ids.NodeID  `serialize:"true" json:"nodeID"`
}

// Set returns a register holding [value] written by [nodeID] at [now].
func (r LWWRegister) Set(nodeID ids.NodeID, value interface{}, now time.Time) LWWRegister {
	return LWWRegister{
		Value:     value,
		Timestamp: now,
		NodeID:    nodeID,
	}
}

// MergeLWWRegisters keeps the later write; the higher node ID wins exact
// ties, giving a deterministic total order.
func MergeLWWRegisters(a, b LWWRegister) LWWRegister {
	switch {
	case a.Timestamp.After(b.Timestamp):
		return a
	case b.Timestamp.After(a.Timestamp):
		return b
	case bytes.Compare(a.NodeID.Bytes(), b.NodeID.Bytes()) >= 0:
		return a
	default:
		return b
	}
}
