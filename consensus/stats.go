// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"encoding/json"
	"time"

	metric "github.com/luxfi/metric"

	"github.com/luxfi/swarm"
	utilmetric "github.com/luxfi/swarm/utils/metric"
	"github.com/luxfi/swarm/utils/wrappers"
)

// AlgorithmStats is the JSON-serializable per-algorithm summary. Counters
// are append-only.
type AlgorithmStats struct {
	Total        uint64  `json:"total"`
	Approved     uint64  `json:"approved"`
	Rejected     uint64  `json:"rejected"`
	TimedOut     uint64  `json:"timedOut"`
	ApprovalRate float64 `json:"approvalRate"`
	AvgDuration  float64 `json:"avgDurationMs"`
}

// Stats is the manager-wide summary exposed to callers.
type Stats struct {
	TotalProposals uint64                    `json:"totalProposals"`
	Algorithms     map[string]AlgorithmStats `json:"algorithms"`
}

// MarshalReport renders the stats as a JSON report.
func (s Stats) MarshalReport() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// algorithmStats is the internal mutable counterpart of AlgorithmStats. The
// manager's stats mutex guards it; the averager additionally feeds the
// metrics registry.
type algorithmStats struct {
	total    uint64
	approved uint64
	rejected uint64
	timedOut uint64

	durationSum time.Duration
	averager    utilmetric.Averager
}

func newAlgorithmStats(name string, registry metric.Registry, errs *wrappers.Errs) *algorithmStats {
	return &algorithmStats{
		averager: utilmetric.NewAveragerWithErrs(
			name+"_decision",
			"time (in ns) spent deciding a "+name+" proposal",
			registry,
			errs,
		),
	}
}

func (a *algorithmStats) observe(decision swarm.Decision, duration time.Duration) {
	a.total++
	switch decision {
	case swarm.DecisionApproved:
		a.approved++
	case swarm.DecisionRejected:
		a.rejected++
	case swarm.DecisionTimeout:
		a.timedOut++
	}
	a.durationSum += duration
	a.averager.Observe(float64(duration))
}

func (a *algorithmStats) snapshot() AlgorithmStats {
	out := AlgorithmStats{
		Total:    a.total,
		Approved: a.approved,
		Rejected: a.rejected,
		TimedOut: a.timedOut,
	}
	if a.total > 0 {
		out.ApprovalRate = float64(a.approved) / float64(a.total)
		out.AvgDuration = float64(a.durationSum.Milliseconds()) / float64(a.total)
	}
	return out
}
