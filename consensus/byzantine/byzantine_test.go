// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package byzantine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/swarm"
)

func newTestProposal(t *testing.T, n int) *swarm.Proposal {
	t.Helper()

	participants := make([]ids.NodeID, n)
	for i := range participants {
		participants[i] = ids.GenerateTestNodeID()
	}
	proposal, err := swarm.NewProposal(nil, participants)
	require.NoError(t, err)
	return proposal
}

// roundVotes emits one vote per agent per round, with [flipper] alternating
// its position each round.
func roundVotes(proposal *swarm.Proposal, rounds int, honest swarm.VoteType, flipper ids.NodeID) []swarm.Vote {
	base := time.Now()
	var votes []swarm.Vote
	for round := 0; round < rounds; round++ {
		for _, nodeID := range proposal.Participants {
			voteType := honest
			if nodeID == flipper {
				voteType = swarm.VoteFor
				if round%2 == 1 {
					voteType = swarm.VoteAgainst
				}
			}
			votes = append(votes, swarm.Vote{
				NodeID:    nodeID,
				Type:      voteType,
				Timestamp: base.Add(time.Duration(round) * time.Second),
				Metadata:  map[string]interface{}{RoundMetadataKey: round},
			})
		}
	}
	return votes
}

func TestConfigValidation(t *testing.T) {
	_, err := New(log.NoLog{}, Config{FaultTolerance: 0, Rounds: 3})
	require.ErrorIs(t, err, ErrInvalidFaultTolerance)

	_, err = New(log.NoLog{}, Config{FaultTolerance: 1, Rounds: 0})
	require.ErrorIs(t, err, ErrInvalidRounds)
}

func TestProposeRequires3FPlus1(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)
	require.Equal(4, c.MinParticipants())

	err = c.Propose(context.Background(), newTestProposal(t, 3))
	require.ErrorIs(err, ErrInsufficientParticipants)

	require.NoError(c.Propose(context.Background(), newTestProposal(t, 4)))
}

// With n = 3f+1 and one agent flipping between rounds, the flipper is
// excluded and the honest majority decides.
func TestFlippingAgentExcluded(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	proposal := newTestProposal(t, 4)
	flipper := proposal.Participants[3]

	votes := roundVotes(proposal, c.Rounds(), swarm.VoteFor, flipper)
	result, err := c.Decide(context.Background(), proposal, votes, false)
	require.NoError(err)

	require.Equal(swarm.DecisionApproved, result.Decision)
	require.Equal(3, result.VotesFor)
	require.Zero(result.VotesAgainst)

	malicious := c.MaliciousAgents()
	require.Len(malicious, 1)
	require.Equal(flipper, malicious[0])
}

func TestHonestRejection(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	proposal := newTestProposal(t, 4)
	votes := roundVotes(proposal, c.Rounds(), swarm.VoteAgainst, proposal.Participants[0])
	result, err := c.Decide(context.Background(), proposal, votes, false)
	require.NoError(err)

	require.Equal(swarm.DecisionRejected, result.Decision)
	require.Zero(result.VotesFor)
	require.Equal(3, result.VotesAgainst)
}

// Stable agents are never flagged, even across repeated proposals.
func TestConsistentAgentsNotFlagged(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	for i := 0; i < 3; i++ {
		proposal := newTestProposal(t, 4)
		votes := roundVotes(proposal, c.Rounds(), swarm.VoteFor, ids.EmptyNodeID)
		_, err := c.Decide(context.Background(), proposal, votes, false)
		require.NoError(err)
	}
	require.Empty(c.MaliciousAgents())
}

// Malicious history is instance-scoped and persists until cleared.
func TestMaliciousHistoryAcrossProposals(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	first := newTestProposal(t, 4)
	flipper := first.Participants[0]
	_, err = c.Decide(context.Background(), first,
		roundVotes(first, c.Rounds(), swarm.VoteFor, flipper), false)
	require.NoError(err)
	require.Len(c.MaliciousAgents(), 1)

	// A second proposal that includes the flagged agent keeps excluding it
	// even if it now votes consistently.
	second, err := swarm.NewProposal(nil, first.Participants)
	require.NoError(err)
	result, err := c.Decide(context.Background(), second,
		roundVotes(second, c.Rounds(), swarm.VoteFor, ids.EmptyNodeID), false)
	require.NoError(err)
	require.Equal(3, result.VotesFor)

	c.ClearMalicious()
	require.Empty(c.MaliciousAgents())

	// An independent instance never saw any of this history.
	fresh, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)
	require.Empty(fresh.MaliciousAgents())
}

// Votes from agents outside the participant list are discarded before
// detection and tallying.
func TestIgnoresNonParticipantVotes(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	proposal := newTestProposal(t, 4)
	votes := roundVotes(proposal, c.Rounds(), swarm.VoteAgainst, ids.EmptyNodeID)
	// A stranger floods every round with for-votes.
	stranger := ids.GenerateTestNodeID()
	for round := 0; round < c.Rounds(); round++ {
		votes = append(votes, swarm.Vote{
			NodeID:    stranger,
			Type:      swarm.VoteFor,
			Timestamp: time.Now(),
		})
	}

	result, err := c.Decide(context.Background(), proposal, votes, false)
	require.NoError(err)
	require.Equal(swarm.DecisionRejected, result.Decision)
	require.Zero(result.VotesFor)
	require.Equal(4, result.VotesAgainst)
	require.Empty(c.MaliciousAgents())
}

// Up to f unresponsive agents are absorbed: 2f+1 honest votes still decide.
func TestToleratesSilentAgents(t *testing.T) {
	require := require.New(t)

	c, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	proposal := newTestProposal(t, 4)
	silent := proposal.Participants[3]

	var votes []swarm.Vote
	for _, vote := range roundVotes(proposal, c.Rounds(), swarm.VoteFor, ids.EmptyNodeID) {
		if vote.NodeID != silent {
			votes = append(votes, vote)
		}
	}
	result, err := c.Decide(context.Background(), proposal, votes, true)
	require.NoError(err)
	require.Equal(swarm.DecisionApproved, result.Decision)
	require.Equal(3, result.VotesFor)
}
