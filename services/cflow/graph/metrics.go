// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("cflow.graph")

// Metrics for dominator-family computations.
var (
	computeLatency metric.Float64Histogram
	computeTotal   metric.Int64Counter
	nodesReached   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		computeLatency, err = meter.Float64Histogram(
			"cflow_graph_compute_duration_seconds",
			metric.WithDescription("Duration of dominator, post-dominator and frontier computations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		computeTotal, err = meter.Int64Counter(
			"cflow_graph_compute_total",
			metric.WithDescription("Total number of graph computations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesReached, err = meter.Int64Histogram(
			"cflow_graph_nodes_reached",
			metric.WithDescription("Number of nodes reached from the start node per computation"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordComputeMetrics records one finished computation of the given kind
// ("dominators", "post_dominators", "frontiers", "control_dependence").
func recordComputeMetrics(ctx context.Context, kind string, duration time.Duration, reached int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	computeLatency.Record(ctx, duration.Seconds(), attrs)
	computeTotal.Add(ctx, 1, attrs)
	nodesReached.Record(ctx, int64(reached), attrs)
}
