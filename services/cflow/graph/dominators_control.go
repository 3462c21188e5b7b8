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
	"log/slog"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/intset"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Control Dependence
// =============================================================================

var controlTracer = otel.Tracer("cflow.graph.control")

// ControlDependencies is the control-dependence relation of a graph.
//
// Node A is control-dependent on B if B has one successor from which every
// path to an exit passes through A and another successor from which some
// path avoids A. In other words, B decides whether A executes.
//
// Thread Safety: Safe for concurrent use after construction.
type ControlDependencies struct {
	// dependsOn[a] holds the nodes a is control-dependent on.
	dependsOn []*intset.Set

	// dependents[b] holds the nodes b controls.
	dependents []*intset.Set

	edges int
}

// DependsOn returns the nodes n is control-dependent on. The returned set
// must not be modified.
func (cd *ControlDependencies) DependsOn(n int) *intset.Set {
	if cd == nil || n < 0 || n >= len(cd.dependsOn) {
		return nil
	}
	return cd.dependsOn[n]
}

// Dependents returns the nodes whose execution b controls. The returned
// set must not be modified.
func (cd *ControlDependencies) Dependents(b int) *intset.Set {
	if cd == nil || b < 0 || b >= len(cd.dependents) {
		return nil
	}
	return cd.dependents[b]
}

// IsController reports whether n controls at least one node.
func (cd *ControlDependencies) IsController(n int) bool {
	return !cd.Dependents(n).IsEmpty()
}

// EdgeCount returns the number of (dependent, controller) pairs.
func (cd *ControlDependencies) EdgeCount() int {
	if cd == nil {
		return 0
	}
	return cd.edges
}

// ControllerCount returns the number of nodes that control some node.
func (cd *ControlDependencies) ControllerCount() int {
	if cd == nil {
		return 0
	}
	count := 0
	for _, s := range cd.dependents {
		if !s.IsEmpty() {
			count++
		}
	}
	return count
}

// ControlDependencyChain returns the transitive controllers of n,
// breadth-first, up to maxDepth levels. n itself is only included when it
// controls itself through a loop.
//
// Returns nil for maxDepth <= 0.
func (cd *ControlDependencies) ControlDependencyChain(n, maxDepth int) []int {
	if cd == nil || maxDepth <= 0 {
		return nil
	}

	chain := make([]int, 0)
	seen := intset.New()
	queue := []int{n}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var next []int
		for _, current := range queue {
			for dep := range cd.DependsOn(current).All() {
				if seen.Add(dep) {
					chain = append(chain, dep)
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	return chain
}

// Equal reports whether two relations have the same pairs.
func (cd *ControlDependencies) Equal(other *ControlDependencies) bool {
	if cd == nil || other == nil {
		return cd == other
	}
	if cd.edges != other.edges {
		return false
	}
	n := max(len(cd.dependsOn), len(other.dependsOn))
	for i := 0; i < n; i++ {
		if !cd.DependsOn(i).Equal(other.DependsOn(i)) {
			return false
		}
	}
	return true
}

// ComputeControlDependencies derives the control-dependence relation from
// a post-dominator tree.
//
// Description:
//
//	Computes the dominance frontiers of pdt over the reversed graph. The
//	post-dominance frontier of n is exactly the set of nodes n is
//	control-dependent on. Only nodes accepted by isExecuted participate,
//	which lets the recorder pass sparse, partially executed id ranges.
//
// Inputs:
//
//   - ctx: Carries the tracing span and logger context.
//   - pdt: The post-dominator tree of g. Must not be nil.
//   - g: The original (not reversed) graph.
//   - isExecuted: Marks participating nodes; nil accepts every node.
//
// Outputs:
//
//   - *ControlDependencies: The relation. The virtual exit never appears.
//   - error: ErrInvalidArgument if pdt or g is nil.
//
// Thread Safety: Safe for concurrent use if g is.
func ComputeControlDependencies(ctx context.Context, pdt *PostDominatorTree, g Graph, isExecuted func(n int) bool) (*ControlDependencies, error) {
	if pdt == nil {
		return nil, invalidNode("ComputeControlDependencies", NoNode, "post-dominator tree must not be nil")
	}
	if g == nil {
		return nil, invalidNode("ComputeControlDependencies", NoNode, "graph must not be nil")
	}

	startTime := time.Now()
	ctx, span := controlTracer.Start(ctx, "graph.ComputeControlDependencies",
		trace.WithAttributes(
			attribute.Int("max_node", pdt.maxNode-1),
			attribute.Bool("augmented", pdt.IsAugmented()),
		),
	)
	defer span.End()

	df, err := ComputeDominanceFrontiers(ctx, pdt.DominatorTree, Reverse(g), isExecuted)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	size := pdt.maxNode + 1
	cd := &ControlDependencies{
		dependsOn:  df.frontiers,
		dependents: make([]*intset.Set, size),
	}
	for a, controllers := range cd.dependsOn {
		for b := range controllers.All() {
			if cd.dependents[b] == nil {
				cd.dependents[b] = intset.New()
			}
			cd.dependents[b].Add(a)
			cd.edges++
		}
	}

	span.SetAttributes(
		attribute.Int("edge_count", cd.edges),
		attribute.Int("controller_count", cd.ControllerCount()),
	)
	recordComputeMetrics(ctx, "control_dependence", time.Since(startTime), pdt.ReachedCount())

	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("control_dependence: computed",
		slog.Int("edges", cd.edges),
		slog.Int("controllers", cd.ControllerCount()),
		slog.Duration("duration", time.Since(startTime)),
	)

	return cd, nil
}
