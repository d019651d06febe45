// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestNewProposal(t *testing.T) {
	require := require.New(t)

	_, err := NewProposal(nil, nil)
	require.ErrorIs(err, ErrNoParticipants)

	participants := []ids.NodeID{
		ids.GenerateTestNodeID(),
		ids.GenerateTestNodeID(),
	}
	first, err := NewProposal(map[string]interface{}{"k": "v"}, participants)
	require.NoError(err)
	require.Len(first.Participants, 2)
	require.False(first.CreatedAt.IsZero())

	second, err := NewProposal(nil, participants)
	require.NoError(err)
	require.NotEqual(first.ID, second.ID)

	// The proposal holds its own copy of the participant list.
	participants[0] = ids.GenerateTestNodeID()
	require.NotEqual(participants[0], first.Participants[0])
}

func TestVoteTypeString(t *testing.T) {
	require := require.New(t)

	require.Equal("for", VoteFor.String())
	require.Equal("against", VoteAgainst.String())
	require.Equal("abstain", VoteAbstain.String())
	require.Equal("approved", DecisionApproved.String())
	require.Equal("rejected", DecisionRejected.String())
	require.Equal("timeout", DecisionTimeout.String())
}
