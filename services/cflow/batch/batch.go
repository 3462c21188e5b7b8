// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch analyzes many recorded methods concurrently.
//
// Each method's derived structures are computed concurrently on its own
// recorder; methods are spread over a bounded worker pool. Results keep
// the order of the input.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/cfg"
	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/recorder"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var batchTracer = otel.Tracer("cflow.batch")

// Method is one frozen recording to analyze.
type Method struct {
	Name     string
	Recorder *recorder.Recorder
}

// Options configures Analyze.
type Options struct {
	// Parallelism bounds the number of methods analyzed at once.
	// <= 0 selects runtime.NumCPU().
	Parallelism int

	// SkipCFG skips basic-block construction.
	SkipCFG bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result holds the derived structures of one method.
type Result struct {
	Name        string
	Fingerprint uint64

	DominatorTree       *graph.DominatorTree
	PostDominatorTree   *graph.PostDominatorTree
	ControlDependencies *graph.ControlDependencies
	CFG                 *cfg.CFG

	Duration time.Duration

	// Err is set when any structure of this method failed.
	Err error
}

// MethodError ties a failure to the method it came from.
type MethodError struct {
	Method string
	Err    error
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("method %s: %v", e.Method, e.Err)
}

func (e *MethodError) Unwrap() error { return e.Err }

// Analyze computes the dominator tree, post-dominator tree, control
// dependencies and (unless skipped) the basic-block CFG of every method.
//
// Description:
//
//	Methods run on a pool of at most opts.Parallelism goroutines. Within a
//	method the four structures are requested concurrently; the recorder's
//	memoization makes the control-dependence computation share the
//	post-dominator tree instead of building it twice.
//
// Outputs:
//
//   - []Result: One entry per method, in input order. Failed methods have
//     Err set and whichever structures succeeded.
//   - error: All method failures joined, each a *MethodError. Nil when
//     every method succeeded.
//
// Thread Safety: Safe for concurrent use. Every recorder must be frozen
// and must not be reinitialized while Analyze runs.
func Analyze(ctx context.Context, methods []Method, opts Options) ([]Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("batch: %w: nil context", graph.ErrInvalidArgument)
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := batchTracer.Start(ctx, "batch.Analyze",
		trace.WithAttributes(
			attribute.Int("method_count", len(methods)),
			attribute.Int("parallelism", parallelism),
		),
	)
	defer span.End()

	start := time.Now()
	results := make([]Result, len(methods))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(parallelism)
	for i, m := range methods {
		p.Go(func(ctx context.Context) error {
			results[i] = analyzeMethod(ctx, m, opts.SkipCFG)
			if results[i].Err != nil {
				return &MethodError{Method: m.Name, Err: results[i].Err}
			}
			return nil
		})
	}
	err := p.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("failed_count", failed))
	if err != nil {
		telemetry.RecordError(span, err)
	}

	telemetry.LoggerWithTrace(ctx, logger).Info("batch: analysis finished",
		slog.Int("methods", len(methods)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)),
	)
	return results, err
}

func analyzeMethod(ctx context.Context, m Method, skipCFG bool) Result {
	res := Result{Name: m.Name}
	if m.Recorder == nil {
		res.Err = fmt.Errorf("%w: nil recorder", graph.ErrInvalidArgument)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	ctx, span := batchTracer.Start(ctx, "batch.analyzeMethod",
		trace.WithAttributes(
			attribute.String("method", m.Name),
			attribute.String("recorder.id", m.Recorder.ID()),
		),
	)
	defer span.End()

	r := m.Recorder
	res.Fingerprint = r.Fingerprint()

	var g errgroup.Group
	g.Go(func() (err error) {
		res.DominatorTree, err = r.DominatorTree(ctx)
		return err
	})
	g.Go(func() (err error) {
		res.PostDominatorTree, err = r.PostDominatorTree(ctx)
		return err
	})
	g.Go(func() (err error) {
		res.ControlDependencies, err = r.ControlDependencies(ctx)
		return err
	})
	if !skipCFG {
		g.Go(func() (err error) {
			res.CFG, err = r.BasicBlockCFG(ctx)
			return err
		})
	}

	// Wait reports the first failure; the structures that succeeded are kept.
	res.Err = g.Wait()
	res.Duration = time.Since(start)
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	}
	return res
}
