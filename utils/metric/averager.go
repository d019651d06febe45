// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package utilmetric layers small aggregation helpers over the metrics
// registry.
package utilmetric

import (
	"strings"

	metric "github.com/luxfi/metric"

	"github.com/luxfi/swarm/utils/wrappers"
)

// Averager tracks a running observation count and sum, from which the
// registry-side average is derived.
type Averager interface {
	Observe(float64)
}

type averager struct {
	count metric.Counter
	sum   metric.Gauge
}

func NewAverager(name, desc string, registry metric.Registry) (Averager, error) {
	errs := wrappers.Errs{}
	a := NewAveragerWithErrs(name, desc, registry, &errs)
	return a, errs.Err
}

func NewAveragerWithErrs(name, desc string, registry metric.Registry, errs *wrappers.Errs) Averager {
	metricsInstance := metric.NewWithRegistry("", registry)

	a := averager{
		count: metricsInstance.NewCounter(
			AppendNamespace(name, "count"),
			"Total # of observations of "+desc,
		),
		sum: metricsInstance.NewGauge(
			AppendNamespace(name, "sum"),
			"Sum of "+desc,
		),
	}

	return &a
}

func (a *averager) Observe(v float64) {
	a.count.Inc()
	a.sum.Add(v)
}

// AppendNamespace joins metric name parts, skipping empty segments.
func AppendNamespace(prefix, suffix string) string {
	switch {
	case prefix == "":
		return suffix
	case suffix == "":
		return prefix
	default:
		return strings.Join([]string{prefix, suffix}, "_")
	}
}
