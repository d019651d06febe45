// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"context"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// MessageType tags messages handed to the coordinator for delivery.
type MessageType uint8

const (
	MessageProposal MessageType = iota
	MessageStateFull
	MessageStateDelta
)

// Message is an opaque payload handed to the swarm coordinator for
// best-effort delivery. Wire framing is the coordinator's concern.
type Message struct {
	Type    MessageType            `serialize:"true" json:"type"`
	Key     string                 `serialize:"true" json:"key,omitempty"`
	Payload map[string]interface{} `serialize:"true" json:"payload"`
}

// TopologyInfo is the coordinator's view of the swarm.
type TopologyInfo struct {
	Agents      []ids.NodeID `serialize:"true" json:"agents"`
	Connections int          `serialize:"true" json:"connections"`
	Healthy     bool         `serialize:"true" json:"healthy"`
}

// Coordinator is the external swarm topology/broadcast layer. Delivery is
// best effort; the returned count is how many agents the message reached.
type Coordinator interface {
	Broadcast(ctx context.Context, from ids.NodeID, msg Message, exclude set.Set[ids.NodeID]) (int, error)
	TopologyInfo(ctx context.Context) (TopologyInfo, error)
}

// Memory is the external persistence layer used by the state synchronizer for
// durable writes. Implementations typically wrap a database.Database.
type Memory interface {
	Store(key []byte, value []byte) error
	Load(key []byte) ([]byte, error)
}
