// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package byzantine implements BFT-style consensus over repeated voting
// rounds. With fault tolerance f the proposal needs 3f+1 participants; agents
// whose votes flip between rounds are flagged malicious and excluded, and the
// decision requires 2f+1 agreeing honest agents.
package byzantine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/swarm"
)

const (
	// DefaultRounds is how many voting rounds are run per proposal.
	DefaultRounds = 3

	// RoundMetadataKey carries the zero-based round index on each vote.
	RoundMetadataKey = "round"
)

var (
	_ swarm.Algorithm = (*Consensus)(nil)

	ErrInsufficientParticipants = errors.New("byzantine consensus requires at least 3f+1 participants")
	ErrInvalidFaultTolerance    = errors.New("fault tolerance must be positive")
	ErrInvalidRounds            = errors.New("round count must be positive")
)

// Config parameterizes a Byzantine consensus instance.
type Config struct {
	// FaultTolerance is f: the number of arbitrarily misbehaving agents the
	// instance absorbs while still deciding correctly.
	FaultTolerance int `serialize:"true" json:"faultTolerance"`

	// Rounds is how many voting rounds each proposal runs.
	Rounds int `serialize:"true" json:"rounds"`
}

// DefaultConfig returns a single-fault instance with the default round count.
func DefaultConfig() Config {
	return Config{
		FaultTolerance: 1,
		Rounds:         DefaultRounds,
	}
}

// Consensus holds instance-scoped malicious history so independent clusters
// never share detection state.
type Consensus struct {
	log    log.Logger
	config Config

	mu        sync.RWMutex
	malicious set.Set[ids.NodeID]
}

func New(logger log.Logger, config Config) (*Consensus, error) {
	if config.FaultTolerance <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFaultTolerance, config.FaultTolerance)
	}
	if config.Rounds <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRounds, config.Rounds)
	}
	return &Consensus{
		log:       logger,
		config:    config,
		malicious: set.NewSet[ids.NodeID](0),
	}, nil
}

func (*Consensus) Name() string {
	return "byzantine"
}

// Rounds reports how many voting rounds the manager should run for each
// proposal.
func (c *Consensus) Rounds() int {
	return c.config.Rounds
}

// MinParticipants is the 3f+1 floor for the configured fault tolerance.
func (c *Consensus) MinParticipants() int {
	return 3*c.config.FaultTolerance + 1
}

func (c *Consensus) Propose(_ context.Context, proposal *swarm.Proposal) error {
	if len(proposal.Participants) == 0 {
		return swarm.ErrNoParticipants
	}
	if min := c.MinParticipants(); len(proposal.Participants) < min {
		return fmt.Errorf("%w: need %d, have %d",
			ErrInsufficientParticipants, min, len(proposal.Participants))
	}
	return nil
}

// Decide partitions [votes] by agent, flags agents whose position changed
// between rounds, and tallies only the remaining honest agents. Detected
// agents are remembered across proposals until ClearMalicious.
func (c *Consensus) Decide(
	_ context.Context,
	proposal *swarm.Proposal,
	votes []swarm.Vote,
	timeoutReached bool,
) (*swarm.ConsensusResult, error) {
	eligible := set.Of(proposal.Participants...)
	history := make(map[ids.NodeID][]swarm.VoteType, len(proposal.Participants))
	finalVote := make(map[ids.NodeID]swarm.VoteType, len(proposal.Participants))
	for _, vote := range votes {
		if !eligible.Contains(vote.NodeID) {
			continue
		}
		history[vote.NodeID] = append(history[vote.NodeID], vote.Type)
		finalVote[vote.NodeID] = vote.Type
	}

	flipped := set.NewSet[ids.NodeID](0)
	for nodeID, positions := range history {
		for _, position := range positions[1:] {
			if position != positions[0] {
				flipped.Add(nodeID)
				break
			}
		}
	}

	// Union allocates a fresh set, so the snapshot read below never races
	// with a later detection pass.
	c.mu.Lock()
	c.malicious = c.malicious.Union(flipped)
	excluded := c.malicious
	c.mu.Unlock()

	votesFor, votesAgainst := 0, 0
	for nodeID, position := range finalVote {
		if excluded.Contains(nodeID) {
			continue
		}
		switch position {
		case swarm.VoteFor:
			votesFor++
		case swarm.VoteAgainst:
			votesAgainst++
		}
	}

	required := 2*c.config.FaultTolerance + 1
	decision := swarm.DecisionRejected
	switch {
	case votesFor >= required:
		decision = swarm.DecisionApproved
	case timeoutReached && votesAgainst < required:
		decision = swarm.DecisionTimeout
	}

	if flipped.Len() > 0 {
		c.log.Warn("malicious agents detected",
			log.Stringer("proposalID", proposal.ID),
			log.Int("count", flipped.Len()),
		)
	}

	maliciousList := make([]ids.NodeID, 0, excluded.Len())
	for nodeID := range excluded {
		maliciousList = append(maliciousList, nodeID)
	}

	return &swarm.ConsensusResult{
		Decision:     decision,
		VotesFor:     votesFor,
		VotesAgainst: votesAgainst,
		Threshold:    float64(required),
		Participants: proposal.Participants,
		Algorithm:    c.Name(),
		Metadata: map[string]interface{}{
			"faultTolerance":  c.config.FaultTolerance,
			"rounds":          c.config.Rounds,
			"requiredVotes":   required,
			"maliciousAgents": maliciousList,
		},
	}, nil
}

// MaliciousAgents returns the agents flagged so far on this instance.
func (c *Consensus) MaliciousAgents() []ids.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ids.NodeID, 0, c.malicious.Len())
	for nodeID := range c.malicious {
		out = append(out, nodeID)
	}
	return out
}

// ClearMalicious forgets all malicious history.
func (c *Consensus) ClearMalicious() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malicious = set.NewSet[ids.NodeID](0)
}
