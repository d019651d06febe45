// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements the manager that routes proposals to
// registered consensus algorithms: it broadcasts the proposal through the
// external coordinator, collects votes under a timeout, delegates the
// decision, and records per-algorithm statistics.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	metric "github.com/luxfi/metric"

	"github.com/luxfi/swarm"
	"github.com/luxfi/swarm/utils/timer/mockable"
	"github.com/luxfi/swarm/utils/wrappers"
)

const (
	// DefaultTimeout bounds vote collection when the caller provides none.
	DefaultTimeout = 5 * time.Second

	// voteBuffer sizes each proposal's vote sink so submitters rarely
	// block.
	voteBuffer = 64
)

var (
	ErrUnknownAlgorithm = errors.New("unknown consensus algorithm")
	ErrNoActiveProposal = errors.New("no active proposal with that ID")
)

// MultiRound is implemented by algorithms (e.g. Byzantine) that need the
// manager to run several voting rounds over the same proposal.
type MultiRound interface {
	Rounds() int
}

// Config wires a Manager to its collaborators.
type Config struct {
	// NodeID identifies this manager's agent as the broadcast originator.
	NodeID ids.NodeID

	// Coordinator delivers proposals to participants. Best effort.
	Coordinator swarm.Coordinator

	// DefaultAlgorithm is used when a request names none.
	DefaultAlgorithm string

	// DefaultTimeout bounds vote collection per request.
	DefaultTimeout time.Duration

	Log      log.Logger
	Registry metric.Registry
}

// Manager is the algorithm registry and proposal router. Concurrent requests
// for different proposals each own their collection state; only the
// statistics and registry maps are shared.
type Manager struct {
	config Config
	clock  mockable.Clock

	mu         sync.RWMutex
	algorithms map[string]swarm.Algorithm
	pending    map[ids.ID]chan swarm.Vote

	statsMu sync.Mutex
	stats   map[string]*algorithmStats
}

func NewManager(config Config) (*Manager, error) {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	if config.Registry == nil {
		config.Registry = metric.NewRegistry()
	}
	return &Manager{
		config:     config,
		algorithms: make(map[string]swarm.Algorithm),
		pending:    make(map[ids.ID]chan swarm.Vote),
		stats:      make(map[string]*algorithmStats),
	}, nil
}

// RegisterAlgorithm binds [algo] under [name]. Registering a duplicate name
// replaces the prior binding.
func (m *Manager) RegisterAlgorithm(name string, algo swarm.Algorithm) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, replaced := m.algorithms[name]; replaced {
		m.config.Log.Info("replacing consensus algorithm",
			log.String("name", name),
		)
	}
	m.algorithms[name] = algo
}

// UnregisterAlgorithm removes the binding for [name].
func (m *Manager) UnregisterAlgorithm(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.algorithms[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	delete(m.algorithms, name)
	return nil
}

// Algorithm returns the registered algorithm for [name].
func (m *Manager) Algorithm(name string) (swarm.Algorithm, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	algo, ok := m.algorithms[name]
	return algo, ok
}

// SubmitVote routes [vote] to the collection round for [proposalID]. Votes
// for unknown or already-decided proposals are rejected.
func (m *Manager) SubmitVote(proposalID ids.ID, vote swarm.Vote) error {
	m.mu.RLock()
	sink, ok := m.pending[proposalID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveProposal, proposalID)
	}
	if vote.Timestamp.IsZero() {
		vote.Timestamp = m.clock.Time()
	}

	select {
	case sink <- vote:
		return nil
	default:
		// A full sink means the round is drowning in duplicates; the
		// last-vote-wins dedupe makes dropping safe.
		return nil
	}
}

// RequestConsensus runs one consensus round for [proposal] using
// [algorithmName] (the configured default when empty). Validation failures
// are errors; vote-collection timeouts are not, the algorithm still decides
// with whatever votes arrived.
func (m *Manager) RequestConsensus(
	ctx context.Context,
	proposal *swarm.Proposal,
	algorithmName string,
	timeout time.Duration,
) (*swarm.ConsensusResult, error) {
	if algorithmName == "" {
		algorithmName = m.config.DefaultAlgorithm
	}
	algo, ok := m.Algorithm(algorithmName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithmName)
	}
	if len(proposal.Participants) == 0 {
		return nil, swarm.ErrNoParticipants
	}
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	if err := algo.Propose(ctx, proposal); err != nil {
		return nil, err
	}

	rounds := 1
	if multiRound, ok := algo.(MultiRound); ok {
		rounds = multiRound.Rounds()
	}

	// Size the sink so a synchronous coordinator can deliver every round's
	// votes before collection starts draining.
	capacity := rounds * len(proposal.Participants)
	if capacity < voteBuffer {
		capacity = voteBuffer
	}
	sink := make(chan swarm.Vote, capacity)
	m.mu.Lock()
	m.pending[proposal.ID] = sink
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, proposal.ID)
		m.mu.Unlock()
	}()

	start := m.clock.Time()
	votes, timeoutReached := m.collect(ctx, proposal, sink, rounds, timeout)

	result, err := algo.Decide(ctx, proposal, votes, timeoutReached)
	if err != nil {
		return nil, err
	}
	result.Duration = m.clock.Time().Sub(start)

	m.recordResult(algorithmName, result)

	m.config.Log.Info("consensus round complete",
		log.Stringer("proposalID", proposal.ID),
		log.String("algorithm", algorithmName),
		log.String("decision", result.Decision.String()),
		log.Int("votesFor", result.VotesFor),
		log.Int("votesAgainst", result.VotesAgainst),
		log.Duration("duration", result.Duration),
	)
	return result, nil
}

// collect runs [rounds] collection windows over [sink]. Each round
// re-broadcasts the proposal and waits for one vote per participant or its
// share of [timeout], whichever comes first. The degraded vote set is
// returned with timeoutReached set when any round came up short.
func (m *Manager) collect(
	ctx context.Context,
	proposal *swarm.Proposal,
	sink <-chan swarm.Vote,
	rounds int,
	timeout time.Duration,
) ([]swarm.Vote, bool) {
	var (
		votes          []swarm.Vote
		timeoutReached bool
		perRound       = timeout / time.Duration(rounds)
		eligible       = set.Of(proposal.Participants...)
	)

	for round := 0; round < rounds; round++ {
		m.broadcastProposal(ctx, proposal, round)

		voted := set.NewSet[ids.NodeID](len(proposal.Participants))
		deadline := time.NewTimer(perRound)

	roundLoop:
		for voted.Len() < len(proposal.Participants) {
			select {
			case vote := <-sink:
				// A vote from outside the participant list neither
				// counts nor completes the round.
				if !eligible.Contains(vote.NodeID) {
					continue
				}
				vote.Metadata = withRound(vote.Metadata, round)
				votes = append(votes, vote)
				voted.Add(vote.NodeID)
			case <-deadline.C:
				timeoutReached = true
				break roundLoop
			case <-ctx.Done():
				timeoutReached = true
				break roundLoop
			}
		}
		deadline.Stop()

		if ctx.Err() != nil {
			break
		}
	}
	return votes, timeoutReached
}

// broadcastProposal is best effort; delivery shortfalls are absorbed up to
// each algorithm's own fault bound.
func (m *Manager) broadcastProposal(ctx context.Context, proposal *swarm.Proposal, round int) {
	msg := swarm.Message{
		Type: swarm.MessageProposal,
		Key:  proposal.ID.String(),
		Payload: map[string]interface{}{
			"payload": proposal.Payload,
			"round":   round,
		},
	}
	delivered, err := m.config.Coordinator.Broadcast(ctx, m.config.NodeID, msg, set.Of(m.config.NodeID))
	if err != nil {
		m.config.Log.Warn("proposal broadcast failed",
			log.Stringer("proposalID", proposal.ID),
			log.Int("round", round),
			log.Err(err),
		)
		return
	}
	if delivered < len(proposal.Participants) {
		m.config.Log.Debug("partial proposal delivery",
			log.Stringer("proposalID", proposal.ID),
			log.Int("delivered", delivered),
			log.Int("participants", len(proposal.Participants)),
		)
	}
}

func (m *Manager) recordResult(algorithmName string, result *swarm.ConsensusResult) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stats, ok := m.stats[algorithmName]
	if !ok {
		errs := wrappers.Errs{}
		stats = newAlgorithmStats(algorithmName, m.config.Registry, &errs)
		if errs.Errored() {
			m.config.Log.Warn("failed registering decision metrics",
				log.String("algorithm", algorithmName),
				log.Err(errs.Err),
			)
		}
		m.stats[algorithmName] = stats
	}
	stats.observe(result.Decision, result.Duration)
}

// Statistics returns a point-in-time summary of every algorithm's counters.
func (m *Manager) Statistics() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	out := Stats{
		Algorithms: make(map[string]AlgorithmStats, len(m.stats)),
	}
	for name, stats := range m.stats {
		snap := stats.snapshot()
		out.Algorithms[name] = snap
		out.TotalProposals += snap.Total
	}
	return out
}

// Report renders the statistics as JSON.
func (m *Manager) Report() ([]byte, error) {
	return m.Statistics().MarshalReport()
}

// withRound annotates a copy of [metadata]; the submitter's map is never
// written to.
func withRound(metadata map[string]interface{}, round int) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for key, value := range metadata {
		out[key] = value
	}
	out["round"] = round
	return out
}
