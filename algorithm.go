// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"context"

	"github.com/luxfi/log"
)

// Algorithm is a pluggable consensus strategy. Propose validates a proposal
// and performs any algorithm-specific setup; Decide folds the collected votes
// into a result. Implementations keep only instance-scoped bookkeeping (terms,
// malicious history) so independent clusters can coexist.
type Algorithm interface {
	// Name identifies the algorithm in the manager's registry and in
	// recorded statistics.
	Name() string

	// Propose validates [proposal] for this algorithm. Validation failures
	// (e.g. too few participants for the configured fault tolerance) are
	// returned synchronously.
	Propose(ctx context.Context, proposal *Proposal) error

	// Decide folds [votes] into a consensus result. When [timeoutReached]
	// is set the vote set may be partial; the algorithm still decides with
	// what arrived.
	Decide(ctx context.Context, proposal *Proposal, votes []Vote, timeoutReached bool) (*ConsensusResult, error)
}

// Factory creates algorithm instances. A Factory creates new instances of a
// consensus algorithm bound to the given logger.
type Factory interface {
	New(log.Logger) (Algorithm, error)
}
