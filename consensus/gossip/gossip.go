// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gossip implements epidemic consensus for large swarms. Each round
// every agent samples a small random peer set, observes their states plus its
// own, and adopts the majority; rounds repeat until an agreement ratio meets
// the convergence threshold or the round budget runs out. Message cost is
// O(n * fanout) per round with convergence expected in O(log n) rounds.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/luxfi/swarm"
)

var (
	_ swarm.Algorithm = (*Protocol)(nil)

	ErrInvalidFanout    = errors.New("fanout must be positive")
	ErrInvalidThreshold = errors.New("convergence threshold must be in (0, 1]")
	ErrInvalidRounds    = errors.New("max rounds must be positive")
)

// Config tunes the epidemic spread.
type Config struct {
	// Fanout is how many peers each agent samples per round.
	Fanout int `serialize:"true" json:"fanout"`

	// ConvergenceThreshold is the agreement ratio treated as converged.
	ConvergenceThreshold float64 `serialize:"true" json:"convergenceThreshold"`

	// MaxRounds bounds the protocol when convergence stalls.
	MaxRounds int `serialize:"true" json:"maxRounds"`

	// Seed fixes the peer-sampling randomness; 0 derives a seed from the
	// wall clock.
	Seed uint64 `serialize:"true" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Fanout:               3,
		ConvergenceThreshold: 0.95,
		MaxRounds:            10,
	}
}

// Result is one gossip run's outcome. Converged is false when the round
// budget ran out first; Value is then the best current majority.
type Result struct {
	Value     swarm.VoteType `serialize:"true" json:"value"`
	Rounds    int            `serialize:"true" json:"rounds"`
	Converged bool           `serialize:"true" json:"converged"`
	Ratio     float64        `serialize:"true" json:"ratio"`
}

// Protocol runs synchronous-round epidemic agreement.
type Protocol struct {
	log    log.Logger
	config Config
}

func New(logger log.Logger, config Config) (*Protocol, error) {
	if config.Fanout <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFanout, config.Fanout)
	}
	if config.ConvergenceThreshold <= 0 || config.ConvergenceThreshold > 1 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidThreshold, config.ConvergenceThreshold)
	}
	if config.MaxRounds <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRounds, config.MaxRounds)
	}
	return &Protocol{
		log:    logger,
		config: config,
	}, nil
}

func (*Protocol) Name() string {
	return "gossip"
}

func (p *Protocol) Propose(_ context.Context, proposal *swarm.Proposal) error {
	if len(proposal.Participants) == 0 {
		return swarm.ErrNoParticipants
	}
	return nil
}

// Decide seeds each participant's state from its vote (abstain when it never
// voted) and lets the epidemic run. A converged run maps the winning value to
// approved/rejected; exhausting the round budget reports the best current
// majority as a timeout-shaped result.
func (p *Protocol) Decide(
	ctx context.Context,
	proposal *swarm.Proposal,
	votes []swarm.Vote,
	timeoutReached bool,
) (*swarm.ConsensusResult, error) {
	eligible := set.Of(proposal.Participants...)
	final := make(map[ids.NodeID]swarm.VoteType, len(proposal.Participants))
	for _, vote := range votes {
		if !eligible.Contains(vote.NodeID) {
			continue
		}
		final[vote.NodeID] = vote.Type
	}

	states := make([]swarm.VoteType, len(proposal.Participants))
	for i, nodeID := range proposal.Participants {
		position, ok := final[nodeID]
		if !ok {
			position = swarm.VoteAbstain
		}
		states[i] = position
	}

	result, err := p.Run(ctx, states)
	if err != nil {
		return nil, err
	}

	votesFor, votesAgainst := 0, 0
	for _, vote := range final {
		switch vote {
		case swarm.VoteFor:
			votesFor++
		case swarm.VoteAgainst:
			votesAgainst++
		}
	}

	decision := swarm.DecisionTimeout
	if result.Converged {
		if result.Value == swarm.VoteFor {
			decision = swarm.DecisionApproved
		} else {
			decision = swarm.DecisionRejected
		}
	}

	return &swarm.ConsensusResult{
		Decision:     decision,
		VotesFor:     votesFor,
		VotesAgainst: votesAgainst,
		Threshold:    p.config.ConvergenceThreshold,
		Participants: proposal.Participants,
		Algorithm:    p.Name(),
		Metadata: map[string]interface{}{
			"rounds":        result.Rounds,
			"converged":     result.Converged,
			"agreement":     result.Ratio,
			"majorityValue": result.Value.String(),
		},
	}, nil
}

// Run executes rounds over [initial] until convergence or the round budget.
// The input slice is not modified. Within a round every agent's sampling and
// adoption step runs in parallel; the round barrier is the group join.
func (p *Protocol) Run(ctx context.Context, initial []swarm.VoteType) (Result, error) {
	n := len(initial)
	if n == 0 {
		return Result{Converged: true, Ratio: 1}, nil
	}

	seed := p.config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	current := make([]swarm.VoteType, n)
	copy(current, initial)

	value, ratio := majority(current)
	round := 0
	for ; round < p.config.MaxRounds && ratio < p.config.ConvergenceThreshold; round++ {
		if err := ctx.Err(); err != nil {
			return Result{Value: value, Rounds: round, Ratio: ratio}, err
		}

		next := make([]swarm.VoteType, n)
		g, _ := errgroup.WithContext(ctx)
		for i := range current {
			g.Go(func() error {
				src := rand.NewPCG(seed+uint64(round), uint64(i))
				peers := samplePeers(i, n, p.config.Fanout, rand.New(src))
				next[i] = adopt(current, i, peers)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{Value: value, Rounds: round, Ratio: ratio}, err
		}

		current = next
		value, ratio = majority(current)

		p.log.Debug("gossip round complete",
			log.Int("round", round+1),
			log.String("majority", value.String()),
		)
	}

	return Result{
		Value:     value,
		Rounds:    round,
		Converged: ratio >= p.config.ConvergenceThreshold,
		Ratio:     ratio,
	}, nil
}

// samplePeers picks up to [fanout] distinct peers for agent [self] out of [n]
// agents, excluding itself. Smaller networks observe everyone.
func samplePeers(self, n, fanout int, src *rand.Rand) []int {
	k := fanout
	if n-1 < k {
		k = n - 1
	}
	if k <= 0 {
		return nil
	}

	idxs := make([]int, k)
	sampleuv.WithoutReplacement(idxs, n-1, src)
	for i, idx := range idxs {
		// Shift past self so the sample covers every other agent.
		if idx >= self {
			idxs[i] = idx + 1
		}
	}
	return idxs
}

// adopt returns the majority state among agent [self]'s own state and its
// sampled peers, keeping the current state on ties.
func adopt(states []swarm.VoteType, self int, peers []int) swarm.VoteType {
	var counts [3]int
	counts[states[self]]++
	for _, peer := range peers {
		counts[states[peer]]++
	}

	best := states[self]
	for candidate, count := range counts {
		if count > counts[best] {
			best = swarm.VoteType(candidate)
		}
	}
	return best
}

// majority returns the most common state and its share of all agents.
func majority(states []swarm.VoteType) (swarm.VoteType, float64) {
	var counts [3]int
	for _, state := range states {
		counts[state]++
	}

	best := swarm.VoteFor
	for candidate, count := range counts {
		if count > counts[best] {
			best = swarm.VoteType(candidate)
		}
	}
	return best, float64(counts[best]) / float64(len(states))
}
