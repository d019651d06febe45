// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package quorum implements threshold-fraction consensus: a proposal is
// approved when the fraction of participants voting for it meets the
// configured threshold.
package quorum

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
	// ThresholdMajority approves on a simple majority.
	ThresholdMajority = 0.51
	// ThresholdSupermajority approves on a two-thirds majority.
	ThresholdSupermajority = 0.66
	// ThresholdUnanimous requires every participant.
	ThresholdUnanimous = 1.0
)

var (
	_ swarm.Algorithm = (*Consensus)(nil)

	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")
)

// Consensus decides by counting for-votes against the full participant list.
// Abstentions widen the denominator without contributing to approval.
type Consensus struct {
	log log.Logger

	mu        sync.RWMutex
	threshold float64
}

// New returns a quorum consensus with the given threshold.
func New(logger log.Logger, threshold float64) (*Consensus, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidThreshold, threshold)
	}
	return &Consensus{
		log:       logger,
		threshold: threshold,
	}, nil
}

func (*Consensus) Name() string {
	return "quorum"
}

// Threshold returns the current approval threshold.
func (c *Consensus) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// SetThreshold replaces the approval threshold, rejecting values outside
// (0, 1].
func (c *Consensus) SetThreshold(threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidThreshold, threshold)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
	return nil
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
	threshold := c.Threshold()

	votesFor, votesAgainst := Tally(votes, proposal.Participants)
	ratio := float64(votesFor) / float64(len(proposal.Participants))

	decision := swarm.DecisionRejected
	switch {
	case timeoutReached && ratio < threshold:
		decision = swarm.DecisionTimeout
	case ratio >= threshold:
		decision = swarm.DecisionApproved
	}

	c.log.Debug("quorum decision",
		log.Stringer("proposalID", proposal.ID),
		log.Int("votesFor", votesFor),
		log.Int("participants", len(proposal.Participants)),
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
			"approvalRatio": ratio,
		},
	}, nil
}

// Tally counts for and against votes after last-vote-wins deduplication by
// agent. Votes from agents outside [participants] are discarded; abstentions
// are counted in neither bucket.
func Tally(votes []swarm.Vote, participants []ids.NodeID) (votesFor, votesAgainst int) {
	final := Dedupe(votes, participants)
	for _, vote := range final {
		switch vote.Type {
		case swarm.VoteFor:
			votesFor++
		case swarm.VoteAgainst:
			votesAgainst++
		}
	}
	return votesFor, votesAgainst
}

// Dedupe reduces [votes] to at most one vote per agent in [participants],
// keeping the latest by timestamp (falling back to arrival order on equal
// stamps). Votes from agents outside the participant list are discarded so a
// stranger can never move the tally.
func Dedupe(votes []swarm.Vote, participants []ids.NodeID) map[ids.NodeID]swarm.Vote {
	eligible := set.Of(participants...)
	final := make(map[ids.NodeID]swarm.Vote, len(participants))
	for _, vote := range votes {
		if !eligible.Contains(vote.NodeID) {
			continue
		}
		prior, ok := final[vote.NodeID]
		if !ok || !vote.Timestamp.Before(prior.Timestamp) {
			final[vote.NodeID] = vote
		}
	}
	return final
}
