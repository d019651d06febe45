// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gossip

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/swarm"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected error
	}{
		{
			name:     "zero fanout",
			config:   Config{Fanout: 0, ConvergenceThreshold: 0.95, MaxRounds: 10},
			expected: ErrInvalidFanout,
		},
		{
			name:     "threshold above one",
			config:   Config{Fanout: 3, ConvergenceThreshold: 1.1, MaxRounds: 10},
			expected: ErrInvalidThreshold,
		},
		{
			name:     "zero rounds",
			config:   Config{Fanout: 3, ConvergenceThreshold: 0.95, MaxRounds: 0},
			expected: ErrInvalidRounds,
		},
		{
			name:   "defaults are valid",
			config: DefaultConfig(),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(log.NoLog{}, test.config)
			require.ErrorIs(t, err, test.expected)
		})
	}
}

func TestSamplePeers(t *testing.T) {
	require := require.New(t)

	src := rand.New(rand.NewPCG(1, 2))

	// Fanout larger than the network samples everyone else.
	peers := samplePeers(0, 4, 10, src)
	require.Len(peers, 3)
	require.NotContains(peers, 0)

	peers = samplePeers(5, 100, 5, src)
	require.Len(peers, 5)
	require.NotContains(peers, 5)
	seen := make(map[int]struct{}, len(peers))
	for _, peer := range peers {
		require.GreaterOrEqual(peer, 0)
		require.Less(peer, 100)
		_, dup := seen[peer]
		require.False(dup)
		seen[peer] = struct{}{}
	}

	// A single agent has nobody to sample.
	require.Empty(samplePeers(0, 1, 3, src))
}

func TestAdoptMajority(t *testing.T) {
	require := require.New(t)

	states := []swarm.VoteType{
		swarm.VoteFor,
		swarm.VoteFor,
		swarm.VoteAgainst,
		swarm.VoteAgainst,
		swarm.VoteAgainst,
	}
	require.Equal(swarm.VoteAgainst, adopt(states, 0, []int{2, 3, 4}))
	require.Equal(swarm.VoteFor, adopt(states, 2, []int{0, 1}))
	// Ties keep the agent's current state.
	require.Equal(swarm.VoteFor, adopt(states, 0, []int{2}))
}

func split(n int, forShare float64) []swarm.VoteType {
	states := make([]swarm.VoteType, n)
	cutoff := int(float64(n) * forShare)
	for i := range states {
		if i < cutoff {
			states[i] = swarm.VoteFor
		} else {
			states[i] = swarm.VoteAgainst
		}
	}
	return states
}

// A 70/30 split over 100 agents with fanout 5 converges to the majority
// within O(log n) rounds.
func TestConvergenceLargeNetwork(t *testing.T) {
	require := require.New(t)

	p, err := New(log.NoLog{}, Config{
		Fanout:               5,
		ConvergenceThreshold: 0.95,
		MaxRounds:            10,
		Seed:                 42,
	})
	require.NoError(err)

	result, err := p.Run(context.Background(), split(100, 0.7))
	require.NoError(err)
	require.True(result.Converged)
	require.Equal(swarm.VoteFor, result.Value)
	require.LessOrEqual(result.Rounds, 7)
	require.GreaterOrEqual(result.Ratio, 0.95)
}

func TestConvergenceSmallNetwork(t *testing.T) {
	require := require.New(t)

	p, err := New(log.NoLog{}, Config{
		Fanout:               5,
		ConvergenceThreshold: 0.95,
		MaxRounds:            10,
		Seed:                 7,
	})
	require.NoError(err)

	result, err := p.Run(context.Background(), split(10, 0.7))
	require.NoError(err)
	require.True(result.Converged)
	require.Equal(swarm.VoteFor, result.Value)
	require.LessOrEqual(result.Rounds, 4)
}

// Already-unanimous input converges without running a single round.
func TestAlreadyConverged(t *testing.T) {
	require := require.New(t)

	p, err := New(log.NoLog{}, DefaultConfig())
	require.NoError(err)

	result, err := p.Run(context.Background(), split(20, 1))
	require.NoError(err)
	require.True(result.Converged)
	require.Zero(result.Rounds)
}

// An evenly split network may fail to converge inside the round budget; the
// protocol then reports non-convergence instead of erroring.
func TestNonConvergenceReported(t *testing.T) {
	require := require.New(t)

	p, err := New(log.NoLog{}, Config{
		Fanout:               1,
		ConvergenceThreshold: 1.0,
		MaxRounds:            1,
		Seed:                 3,
	})
	require.NoError(err)

	result, err := p.Run(context.Background(), split(50, 0.5))
	require.NoError(err)
	if !result.Converged {
		require.Equal(1, result.Rounds)
		require.Less(result.Ratio, 1.0)
	}
}

func TestDecide(t *testing.T) {
	require := require.New(t)

	p, err := New(log.NoLog{}, Config{
		Fanout:               5,
		ConvergenceThreshold: 0.9,
		MaxRounds:            10,
		Seed:                 11,
	})
	require.NoError(err)

	participants := make([]ids.NodeID, 20)
	for i := range participants {
		participants[i] = ids.GenerateTestNodeID()
	}
	proposal, err := swarm.NewProposal(nil, participants)
	require.NoError(err)

	votes := make([]swarm.Vote, len(participants))
	for i, nodeID := range participants {
		voteType := swarm.VoteFor
		if i >= 14 {
			voteType = swarm.VoteAgainst
		}
		votes[i] = swarm.Vote{NodeID: nodeID, Type: voteType, Timestamp: time.Now()}
	}

	result, err := p.Decide(context.Background(), proposal, votes, false)
	require.NoError(err)
	require.Equal(swarm.DecisionApproved, result.Decision)
	require.Equal(14, result.VotesFor)
	require.Equal(6, result.VotesAgainst)
	require.Equal(true, result.Metadata["converged"])
}
