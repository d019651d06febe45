// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/swarm"
	"github.com/luxfi/swarm/crdt"
)

func TestResolveLWW(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyLWW, StrategyLWW)
	base := time.Now()

	older := swarm.StateVersion{Value: "old", Timestamp: base, NodeID: ids.GenerateTestNodeID()}
	newer := swarm.StateVersion{Value: "new", Timestamp: base.Add(time.Second), NodeID: ids.GenerateTestNodeID()}

	winner, err := r.Resolve("task", older, newer)
	require.NoError(err)
	require.Equal("new", winner.Value)

	// Argument order must not matter.
	winner, err = r.Resolve("task", newer, older)
	require.NoError(err)
	require.Equal("new", winner.Value)
}

func TestResolveLWWTieBreak(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyLWW, StrategyLWW)
	stamp := time.Now()

	a := swarm.StateVersion{Value: "a", Timestamp: stamp, NodeID: ids.GenerateTestNodeID()}
	b := swarm.StateVersion{Value: "b", Timestamp: stamp, NodeID: ids.GenerateTestNodeID()}

	first, err := r.Resolve("task", a, b)
	require.NoError(err)
	second, err := r.Resolve("task", b, a)
	require.NoError(err)
	require.Equal(first.Value, second.Value)
}

func TestResolveVersionVectorDominance(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyVersionVector, StrategyLWW)
	nodeA := ids.GenerateTestNodeID()
	nodeB := ids.GenerateTestNodeID()

	behind := swarm.StateVersion{
		Value:  "behind",
		NodeID: nodeA,
		Clock:  swarm.VectorClock{nodeA: 1},
	}
	ahead := swarm.StateVersion{
		Value:  "ahead",
		NodeID: nodeB,
		Clock:  swarm.VectorClock{nodeA: 1, nodeB: 2},
	}

	require.False(r.DetectConflict(behind, ahead))

	winner, err := r.Resolve("plan", behind, ahead)
	require.NoError(err)
	require.Equal("ahead", winner.Value)

	history := r.History()
	require.Len(history, 1)
	require.Equal(StrategyVersionVector.String(), history[0].Strategy)
	require.False(history[0].Concurrent)
}

// Concurrent versions fall through to the secondary strategy.
func TestResolveVersionVectorConcurrent(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyVersionVector, StrategyLWW)
	nodeA := ids.GenerateTestNodeID()
	nodeB := ids.GenerateTestNodeID()
	base := time.Now()

	left := swarm.StateVersion{
		Value:     "left",
		Timestamp: base.Add(time.Second),
		NodeID:    nodeA,
		Clock:     swarm.VectorClock{nodeA: 2, nodeB: 1},
	}
	right := swarm.StateVersion{
		Value:     "right",
		Timestamp: base,
		NodeID:    nodeB,
		Clock:     swarm.VectorClock{nodeA: 1, nodeB: 2},
	}

	require.True(r.DetectConflict(left, right))

	winner, err := r.Resolve("plan", left, right)
	require.NoError(err)
	require.Equal("left", winner.Value)

	history := r.History()
	require.Len(history, 1)
	require.Equal(StrategyLWW.String(), history[0].Strategy)
	require.True(history[0].Concurrent)
}

func TestResolveCRDT(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyCRDT, StrategyLWW)
	nodeA := ids.GenerateTestNodeID()
	nodeB := ids.GenerateTestNodeID()

	counterA := crdt.NewGCounter()
	require.NoError(counterA.Add(nodeA, 5))
	counterB := crdt.NewGCounter()
	require.NoError(counterB.Add(nodeB, 3))

	winner, err := r.Resolve("counter",
		swarm.StateVersion{Value: counterA, NodeID: nodeA},
		swarm.StateVersion{Value: counterB, NodeID: nodeB},
	)
	require.NoError(err)

	merged, ok := winner.Value.(crdt.GCounter)
	require.True(ok)
	require.Equal(uint64(8), merged.Value())
}

func TestResolveCRDTUnsupportedValue(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyCRDT, StrategyLWW)
	_, err := r.Resolve("bad",
		swarm.StateVersion{Value: "plain string"},
		swarm.StateVersion{Value: "other"},
	)
	require.ErrorIs(err, ErrUnsupportedValue)
}

func TestHistoryClear(t *testing.T) {
	require := require.New(t)

	r := NewResolver(log.NoLog{}, StrategyLWW, StrategyLWW)
	_, err := r.Resolve("k",
		swarm.StateVersion{Value: 1, NodeID: ids.GenerateTestNodeID()},
		swarm.StateVersion{Value: 2, NodeID: ids.GenerateTestNodeID()},
	)
	require.NoError(err)
	require.Len(r.History(), 1)

	r.ClearHistory()
	require.Empty(r.History())
}
