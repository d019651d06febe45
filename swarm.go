// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swarm defines the shared data model for the swarm
// coordination-consensus core: proposals, votes, consensus results, and
// replicated state versions. The decision machinery itself lives in the
// consensus, crdt, and statesync packages.
package swarm

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/luxfi/ids"
)

var ErrNoParticipants = errors.New("proposal has no participants")

// VoteType is an agent's position on a proposal.
type VoteType uint8

const (
	VoteFor VoteType = iota
	VoteAgainst
	VoteAbstain
)

func (v VoteType) String() string {
	switch v {
	case VoteFor:
		return "for"
	case VoteAgainst:
		return "against"
	case VoteAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a consensus round.
type Decision uint8

const (
	DecisionApproved Decision = iota
	DecisionRejected
	DecisionTimeout
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionRejected:
		return "rejected"
	case DecisionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Agent is a consensus participant. Weight defaults to 1.0 and is only
// consulted by weight-aware algorithms; Role is a free-form tag used by
// domain weight presets.
type Agent struct {
	NodeID ids.NodeID `serialize:"true" json:"nodeID"`
	Weight float64    `serialize:"true" json:"weight"`
	Role   string     `serialize:"true" json:"role,omitempty"`
}

// Proposal is a request for the swarm to agree on an opaque payload. The
// participant list is fixed at creation; the payload is never interpreted by
// the consensus core.
type Proposal struct {
	ID           ids.ID                 `serialize:"true" json:"id"`
	Payload      map[string]interface{} `serialize:"true" json:"payload"`
	Participants []ids.NodeID           `serialize:"true" json:"participants"`
	CreatedAt    time.Time              `serialize:"true" json:"createdAt"`
}

// NewProposal builds a proposal with a freshly generated identifier. It
// returns ErrNoParticipants when the participant list is empty.
func NewProposal(payload map[string]interface{}, participants []ids.NodeID) (*Proposal, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	id, err := ids.ToID(seed[:])
	if err != nil {
		return nil, err
	}

	// Callers never mutate the stored slice through the proposal.
	held := make([]ids.NodeID, len(participants))
	copy(held, participants)

	return &Proposal{
		ID:           id,
		Payload:      payload,
		Participants: held,
		CreatedAt:    time.Now(),
	}, nil
}

// Vote is one agent's position on one proposal. A later vote from the same
// agent replaces an earlier one; algorithms that need to observe flips (e.g.
// Byzantine round checks) keep per-round vote sets.
type Vote struct {
	NodeID    ids.NodeID             `serialize:"true" json:"nodeID"`
	Type      VoteType               `serialize:"true" json:"type"`
	Metadata  map[string]interface{} `serialize:"true" json:"metadata,omitempty"`
	Timestamp time.Time              `serialize:"true" json:"timestamp"`
}

// ConsensusResult reports the outcome of one consensus round.
type ConsensusResult struct {
	Decision     Decision               `serialize:"true" json:"decision"`
	VotesFor     int                    `serialize:"true" json:"votesFor"`
	VotesAgainst int                    `serialize:"true" json:"votesAgainst"`
	Threshold    float64                `serialize:"true" json:"threshold"`
	Participants []ids.NodeID           `serialize:"true" json:"participants"`
	Algorithm    string                 `serialize:"true" json:"algorithm"`
	Duration     time.Duration          `serialize:"true" json:"duration"`
	Metadata     map[string]interface{} `serialize:"true" json:"metadata,omitempty"`
}

// StateVersion is one replica's view of a state value. Clock is nil for
// strategies that order by wall time alone.
type StateVersion struct {
	Value     interface{} `serialize:"true" json:"value"`
	Timestamp time.Time   `serialize:"true" json:"timestamp"`
	NodeID    ids.NodeID  `serialize:"true" json:"nodeID"`
	Clock     VectorClock `serialize:"true" json:"clock,omitempty"`
}
