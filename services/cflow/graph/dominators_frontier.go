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
// Dominance Frontiers
// =============================================================================

var frontierTracer = otel.Tracer("cflow.graph.frontier")

// DominanceFrontiers holds DF(n) for every node of a dominator tree.
//
// y is in DF(x) if x dominates a predecessor of y but does not strictly
// dominate y. On a forward dominator tree the nodes with a non-empty
// inverse frontier are the merge points of the graph.
//
// Thread Safety: Safe for concurrent use after construction.
type DominanceFrontiers struct {
	frontiers []*intset.Set
	inbound   []int // inbound[y] counts the frontiers containing y
}

// Frontier returns DF(n). The returned set must not be modified; it is
// empty for unreached or filtered nodes.
func (df *DominanceFrontiers) Frontier(n int) *intset.Set {
	if df == nil || n < 0 || n >= len(df.frontiers) {
		return nil
	}
	return df.frontiers[n]
}

// IsMergePoint reports whether n lies in the frontier of some node.
func (df *DominanceFrontiers) IsMergePoint(n int) bool {
	return df.MergePointDegree(n) > 0
}

// MergePointDegree returns the number of frontiers containing n.
func (df *DominanceFrontiers) MergePointDegree(n int) int {
	if df == nil || n < 0 || n >= len(df.inbound) {
		return 0
	}
	return df.inbound[n]
}

// ComputeDominanceFrontiers computes DF(n) for every node reached in dt.
//
// Description:
//
//	Uses the Cytron et al. formulation: DF(x) is the union of the local
//	part (successors y of x in g with idom(y) != x) and the up part (the
//	members y of DF(z) for every child z of x with idom(y) != x). Nodes
//	are processed children first, which the reverse DFS preorder of dt
//	provides without recursion.
//
// Inputs:
//
//   - ctx: Carries the tracing span and logger context.
//   - dt: The dominator tree of g. Must not be nil.
//   - g: The graph dt was computed on.
//   - isValid: Restricts the result to the nodes it accepts; nil accepts
//     all. A virtual start node never appears in a frontier.
//
// Outputs:
//
//   - *DominanceFrontiers: The frontiers.
//   - error: ErrInvalidArgument if dt or g is nil.
//
// Complexity: O(V + E + sum of frontier sizes).
func ComputeDominanceFrontiers(ctx context.Context, dt *DominatorTree, g Graph, isValid func(n int) bool) (*DominanceFrontiers, error) {
	if dt == nil {
		return nil, invalidNode("ComputeDominanceFrontiers", NoNode, "dominator tree must not be nil")
	}
	if g == nil {
		return nil, invalidNode("ComputeDominanceFrontiers", NoNode, "graph must not be nil")
	}

	startTime := time.Now()
	ctx, span := frontierTracer.Start(ctx, "graph.ComputeDominanceFrontiers",
		trace.WithAttributes(
			attribute.Int("max_node", dt.maxNode),
			attribute.Int("reached_count", dt.ReachedCount()),
		),
	)
	defer span.End()

	accept := func(y int) bool {
		if dt.hasVirtualStart && y == dt.startNode {
			return false
		}
		return isValid == nil || isValid(y)
	}

	size := dt.maxNode + 1
	df := &DominanceFrontiers{
		frontiers: make([]*intset.Set, size),
		inbound:   make([]int, size),
	}

	for i := len(dt.order) - 1; i >= 0; i-- {
		x := dt.order[i]
		var set *intset.Set
		add := func(y int) {
			if set == nil {
				set = intset.New()
			}
			set.Add(y)
		}

		for y := range g.Successors(x) {
			if !dt.Reached(y) || !accept(y) {
				continue
			}
			if dt.idom[y] != x {
				add(y)
			}
		}
		for _, z := range dt.Children(x) {
			for y := range df.frontiers[z].All() {
				if dt.idom[y] != x {
					add(y)
				}
			}
		}
		df.frontiers[x] = set
	}

	// Up parts read the frontiers of filtered children, so filtering of
	// the owners happens only once every frontier is known.
	edges := 0
	for x, set := range df.frontiers {
		if set == nil {
			continue
		}
		if !accept(x) {
			df.frontiers[x] = nil
			continue
		}
		for y := range set.All() {
			df.inbound[y]++
		}
		edges += set.Len()
	}

	span.SetAttributes(attribute.Int("frontier_edges", edges))
	recordComputeMetrics(ctx, "frontiers", time.Since(startTime), dt.ReachedCount())

	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("frontier: computed",
		slog.Int("reached", dt.ReachedCount()),
		slog.Int("frontier_edges", edges),
		slog.Duration("duration", time.Since(startTime)),
	)

	return df, nil
}
