// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package statesync keeps replicated swarm state aligned: a conflict
// resolver orders divergent state versions and a synchronizer propagates
// full or delta updates through the external coordinator, persisting results
// through the external memory layer.
package statesync

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/swarm"
	"github.com/luxfi/swarm/crdt"
	"github.com/luxfi/swarm/utils/timer/mockable"
)

// Strategy selects how divergent versions are reconciled.
type Strategy uint8

const (
	// StrategyLWW picks the later write, tie-breaking on node ID.
	StrategyLWW Strategy = iota
	// StrategyVersionVector prefers causal dominance, falling back to a
	// secondary strategy for concurrent versions.
	StrategyVersionVector
	// StrategyCRDT merges values through their CRDT type.
	StrategyCRDT
)

func (s Strategy) String() string {
	switch s {
	case StrategyLWW:
		return "lww"
	case StrategyVersionVector:
		return "version_vector"
	case StrategyCRDT:
		return "crdt"
	default:
		return "unknown"
	}
}

var (
	ErrUnsupportedValue = errors.New("value has no CRDT merge")
	ErrUnknownStrategy  = errors.New("unknown resolution strategy")
)

// Resolution records one resolved conflict.
type Resolution struct {
	Key        string    `serialize:"true" json:"key"`
	Strategy   string    `serialize:"true" json:"strategy"`
	Concurrent bool      `serialize:"true" json:"concurrent"`
	Winner     string    `serialize:"true" json:"winner"`
	ResolvedAt time.Time `serialize:"true" json:"resolvedAt"`
}

// Resolver reconciles divergent state versions. Every resolution is appended
// to a queryable history; the history log is the only shared state.
type Resolver struct {
	log       log.Logger
	clock     *mockable.Clock
	strategy  Strategy
	secondary Strategy

	mu      sync.Mutex
	history []Resolution
}

// NewResolver builds a resolver using [strategy], with [secondary] deciding
// concurrent versions under the version-vector strategy.
func NewResolver(logger log.Logger, strategy, secondary Strategy) *Resolver {
	return &Resolver{
		log:       logger,
		clock:     &mockable.Clock{},
		strategy:  strategy,
		secondary: secondary,
	}
}

// Clock exposes the resolver's clock so tests can pin history timestamps.
func (r *Resolver) Clock() *mockable.Clock {
	return r.clock
}

// DetectConflict reports whether [a] and [b] are concurrent: neither
// causally precedes the other. Versions without vector clocks are ordered by
// wall time and only conflict on an exact timestamp tie between different
// agents.
func (r *Resolver) DetectConflict(a, b swarm.StateVersion) bool {
	if a.Clock != nil && b.Clock != nil {
		return a.Clock.Compare(b.Clock) == swarm.OrderingConcurrent
	}
	return a.Timestamp.Equal(b.Timestamp) && a.NodeID != b.NodeID
}

// Resolve reconciles [a] and [b] under the configured strategy and records
// the outcome against [key].
func (r *Resolver) Resolve(key string, a, b swarm.StateVersion) (swarm.StateVersion, error) {
	winner, strategyUsed, err := r.resolve(r.strategy, a, b)
	if err != nil {
		return swarm.StateVersion{}, err
	}

	record := Resolution{
		Key:        key,
		Strategy:   strategyUsed.String(),
		Concurrent: r.DetectConflict(a, b),
		Winner:     winner.NodeID.String(),
		ResolvedAt: r.clock.Time(),
	}

	r.mu.Lock()
	r.history = append(r.history, record)
	r.mu.Unlock()

	r.log.Debug("conflict resolved",
		log.String("key", key),
		log.String("strategy", record.Strategy),
		log.Bool("concurrent", record.Concurrent),
	)
	return winner, nil
}

func (r *Resolver) resolve(strategy Strategy, a, b swarm.StateVersion) (swarm.StateVersion, Strategy, error) {
	switch strategy {
	case StrategyLWW:
		return resolveLWW(a, b), StrategyLWW, nil

	case StrategyVersionVector:
		if a.Clock == nil || b.Clock == nil {
			// No causal information; order by wall time.
			return resolveLWW(a, b), StrategyLWW, nil
		}
		switch a.Clock.Compare(b.Clock) {
		case swarm.OrderingAfter:
			return a, StrategyVersionVector, nil
		case swarm.OrderingBefore:
			return b, StrategyVersionVector, nil
		case swarm.OrderingEqual:
			return a, StrategyVersionVector, nil
		default:
			return r.resolve(r.secondary, a, b)
		}

	case StrategyCRDT:
		merged, err := mergeCRDT(a, b)
		return merged, StrategyCRDT, err

	default:
		return swarm.StateVersion{}, strategy, fmt.Errorf("%w: %d", ErrUnknownStrategy, strategy)
	}
}

// resolveLWW keeps the later version; the higher node ID wins exact ties so
// every replica agrees.
func resolveLWW(a, b swarm.StateVersion) swarm.StateVersion {
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

// mergeCRDT dispatches to the value's CRDT merge. The merged version carries
// the later timestamp and the union of both clocks.
func mergeCRDT(a, b swarm.StateVersion) (swarm.StateVersion, error) {
	merged := swarm.StateVersion{
		Timestamp: a.Timestamp,
		NodeID:    a.NodeID,
	}
	if b.Timestamp.After(a.Timestamp) {
		merged.Timestamp = b.Timestamp
		merged.NodeID = b.NodeID
	}
	if a.Clock != nil || b.Clock != nil {
		clock := a.Clock
		if clock == nil {
			clock = swarm.VectorClock{}
		}
		merged.Clock = clock.Merge(b.Clock)
	}

	switch av := a.Value.(type) {
	case crdt.GCounter:
		bv, ok := b.Value.(crdt.GCounter)
		if !ok {
			return swarm.StateVersion{}, fmt.Errorf("%w: %T vs %T", ErrUnsupportedValue, a.Value, b.Value)
		}
		merged.Value = crdt.MergeGCounters(av, bv)
	case crdt.PNCounter:
		bv, ok := b.Value.(crdt.PNCounter)
		if !ok {
			return swarm.StateVersion{}, fmt.Errorf("%w: %T vs %T", ErrUnsupportedValue, a.Value, b.Value)
		}
		merged.Value = crdt.MergePNCounters(av, bv)
	case crdt.LWWRegister:
		bv, ok := b.Value.(crdt.LWWRegister)
		if !ok {
			return swarm.StateVersion{}, fmt.Errorf("%w: %T vs %T", ErrUnsupportedValue, a.Value, b.Value)
		}
		merged.Value = crdt.MergeLWWRegisters(av, bv)
	case crdt.ORSet:
		bv, ok := b.Value.(crdt.ORSet)
		if !ok {
			return swarm.StateVersion{}, fmt.Errorf("%w: %T vs %T", ErrUnsupportedValue, a.Value, b.Value)
		}
		merged.Value = crdt.MergeORSets(av, bv)
	default:
		return swarm.StateVersion{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, a.Value)
	}
	return merged, nil
}

// History returns a copy of the resolution log.
func (r *Resolver) History() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resolution, len(r.history))
	copy(out, r.history)
	return out
}

// ClearHistory drops the resolution log.
func (r *Resolver) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}
