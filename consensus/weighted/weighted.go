// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package weighted implements expertise-weighted consensus: every agent
// carries a vote weight and a proposal is approved when the weight voting for
// it reaches the configured share of the total participating weight.
package weighted

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/swarm"
	"github.com/luxfi/swarm/consensus/quorum"
)

// DefaultWeight is assumed for agents without an explicit weight entry.
const DefaultWeight = 1.0

// RolePresets maps designated expert roles to their weight multipliers.
var RolePresets = map[string]float64{
	"researcher":  1.3,
	"reviewer":    1.4,
	"coordinator": 1.5,
	"architect":   2.0,
}

var (
	_ swarm.Algorithm = (*Consensus)(nil)

	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")
	ErrNegativeWeight   = errors.New("weight must be non-negative")
)

// Consensus decides by comparing the for-voting weight share against a
// threshold. Weight 0 silences an agent while keeping it a participant.
type Consensus struct {
	log log.Logger

	mu        sync.RWMutex
	threshold float64
	weights   map[ids.NodeID]float64
	roles     map[ids.NodeID]string
}

func New(logger log.Logger, threshold float64) (*Consensus, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidThreshold, threshold)
	}
	return &Consensus{
		log:       logger,
		threshold: threshold,
		weights:   make(map[ids.NodeID]float64),
		roles:     make(map[ids.NodeID]string),
	}, nil
}

func (*Consensus) Name() string {
	return "weighted"
}

// SetWeight assigns an explicit weight to [nodeID]. Zero is allowed and
// silences the agent; negative weights are rejected.
func (c *Consensus) SetWeight(nodeID ids.NodeID, weight float64) error {
	if weight < 0 {
		return fmt.Errorf("%w: %f", ErrNegativeWeight, weight)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weights[nodeID] = weight
	return nil
}

// SetRole tags [nodeID] with a role so preset multipliers can be applied in
// batch.
func (c *Consensus) SetRole(nodeID ids.NodeID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[nodeID] = role
}

// ApplyRolePresets batch-updates the weight of every agent whose role appears
// in [presets], returning the number of agents updated.
func (c *Consensus) ApplyRolePresets(presets map[string]float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := 0
	for nodeID, role := range c.roles {
		if mult, ok := presets[role]; ok {
			c.weights[nodeID] = DefaultWeight * mult
			updated++
		}
	}
	return updated
}

// Weight returns the effective weight of [nodeID].
func (c *Consensus) Weight(nodeID ids.NodeID) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.weightLocked(nodeID)
}

func (c *Consensus) weightLocked(nodeID ids.NodeID) float64 {
	if weight, ok := c.weights[nodeID]; ok {
		return weight
	}
	return DefaultWeight
}

func (c *Consensus) Propose(_ context.Context, proposal *swarm.Proposal) error {
	if len(proposal.Participants) == 0 {
		return swarm.ErrNoParticipants
	}
	return nil
}

func (c *Consensus) Decide(
	_ context.Context,
	proposal *swarm.Proposal,
	votes []swarm.Vote,
	timeoutReached bool,
) (*swarm.ConsensusResult, error) {
	c.mu.RLock()
	threshold := c.threshold

	var weightFor, weightTotal float64
	for _, nodeID := range proposal.Participants {
		weightTotal += c.weightLocked(nodeID)
	}

	final := quorum.Dedupe(votes, proposal.Participants)
	votesFor, votesAgainst := 0, 0
	for nodeID, vote := range final {
		switch vote.Type {
		case swarm.VoteFor:
			votesFor++
			weightFor += c.weightLocked(nodeID)
		case swarm.VoteAgainst:
			votesAgainst++
		}
	}
	c.mu.RUnlock()

	ratio := 0.0
	if weightTotal > 0 {
		ratio = weightFor / weightTotal
	}

	decision := swarm.DecisionRejected
	switch {
	case timeoutReached && ratio < threshold:
		decision = swarm.DecisionTimeout
	case ratio >= threshold:
		decision = swarm.DecisionApproved
	}

	c.log.Debug("weighted decision",
		log.Stringer("proposalID", proposal.ID),
		log.Int("votesFor", votesFor),
		log.String("decision", decision.String()),
	)

	return &swarm.ConsensusResult{
		Decision:     decision,
		VotesFor:     votesFor,
		VotesAgainst: votesAgainst,
		Threshold:    threshold,
		Participants: proposal.Participants,
		Algorithm:    c.Name(),
		Metadata: map[string]interface{}{
			"weightFor":     weightFor,
			"weightTotal":   weightTotal,
			"approvalRatio": ratio,
		},
	}, nil
}
