// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recorder

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("cflow.recorder")

var (
	memoLookups    metric.Int64Counter
	deriveDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		memoLookups, err = meter.Int64Counter(
			"cflow_recorder_memo_lookups_total",
			metric.WithDescription("Derived structure lookups by kind and result (hit/miss)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		deriveDuration, err = meter.Float64Histogram(
			"cflow_recorder_derive_duration_seconds",
			metric.WithDescription("Time spent computing a derived structure on a memo miss"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordMemoLookup(ctx context.Context, kind string, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	memoLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func recordDerive(ctx context.Context, kind string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	deriveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}
