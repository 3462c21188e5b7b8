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
	"iter"
	"log/slog"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/intset"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Post-Dominator Trees
// =============================================================================

// PostDominatorTree is a dominator tree over the reversed graph, rooted at
// a virtual exit node maxNode+1.
//
// When the graph contains loops that can never reach an exit, their headers
// are treated as additional exits. Such a tree is augmented: near those
// headers it no longer describes pure post-dominance.
//
// Thread Safety: Safe for concurrent use after construction.
type PostDominatorTree struct {
	*DominatorTree

	infiniteLoopHeaders *intset.Set
}

// StartNodesOfInfiniteLoops returns the loop headers that were attached to
// the virtual exit. The returned set must not be modified.
func (pdt *PostDominatorTree) StartNodesOfInfiniteLoops() *intset.Set {
	return pdt.infiniteLoopHeaders
}

// VirtualExit returns the synthesized root, i.e. the original maxNode+1.
func (pdt *PostDominatorTree) VirtualExit() int {
	return pdt.startNode
}

// Equal reports whether two post-dominator trees are structurally equal.
func (pdt *PostDominatorTree) Equal(other *PostDominatorTree) bool {
	if pdt == nil || other == nil {
		return pdt == other
	}
	return pdt.DominatorTree.Equal(other.DominatorTree) &&
		pdt.infiniteLoopHeaders.Equal(other.infiniteLoopHeaders)
}

// ComputePostDominators computes the (possibly augmented) post-dominator
// tree of g.
//
// Description:
//
//	Builds the reversed graph with a virtual start maxNode+1 whose
//	successors are all exit nodes and all infinite-loop headers. Every
//	other edge is reversed. The dominator tree of that graph, rooted at
//	the virtual start, is the post-dominator tree.
//
// Inputs:
//
//   - ctx: Carries the tracing span and logger context.
//   - isExitNode: Reports exit nodes. May be nil when exitNodes is given.
//   - infiniteLoopHeaders: Headers of loops with no path to an exit. May be nil.
//   - exitNodes: Enumerates the exit nodes. May be nil when isExitNode is
//     given. The exits are the union of both.
//   - g: The original (not reversed) graph.
//   - maxNode: The largest node id of g. Must be >= 0.
//
// Outputs:
//
//   - *PostDominatorTree: The tree; IsAugmented() iff infiniteLoopHeaders
//     is non-empty.
//   - error: ErrInvalidArgument for a nil graph or negative maxNode.
//
// Thread Safety: Safe for concurrent use if g is.
//
// Complexity: O((V+E) log V).
func ComputePostDominators(
	ctx context.Context,
	isExitNode func(n int) bool,
	infiniteLoopHeaders *intset.Set,
	exitNodes iter.Seq[int],
	g Graph,
	maxNode int,
) (*PostDominatorTree, error) {
	if g == nil {
		return nil, invalidNode("ComputePostDominators", NoNode, "graph must not be nil")
	}
	if maxNode < 0 {
		return nil, invalidNode("ComputePostDominators", maxNode, "maxNode must not be negative")
	}

	startTime := time.Now()

	exits := intset.New()
	if exitNodes != nil {
		for n := range exitNodes {
			if n <= maxNode {
				exits.Add(n)
			}
		}
	}
	if isExitNode != nil {
		for n := 0; n <= maxNode; n++ {
			if isExitNode(n) {
				exits.Add(n)
			}
		}
	}
	headers := infiniteLoopHeaders.Clone()

	ctx, span := dominatorTracer.Start(ctx, "graph.ComputePostDominators",
		trace.WithAttributes(
			attribute.Int("max_node", maxNode),
			attribute.Int("exit_count", exits.Len()),
			attribute.Int("infinite_loop_headers", headers.Len()),
		),
	)
	defer span.End()

	virtual := maxNode + 1
	rg := &reversedWithExit{
		g:       g,
		virtual: virtual,
		exits:   exits,
		headers: headers,
	}
	dt := computeDominators(ctx, virtual, true, rg, virtual)
	dt.augmented = !headers.IsEmpty()

	span.SetAttributes(attribute.Bool("augmented", dt.augmented))
	recordComputeMetrics(ctx, "post_dominators", time.Since(startTime), dt.ReachedCount())

	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("post_dominators: computed",
		slog.Int("max_node", maxNode),
		slog.Int("exits", exits.Len()),
		slog.Int("infinite_loop_headers", headers.Len()),
		slog.Bool("augmented", dt.augmented),
		slog.Duration("duration", time.Since(startTime)),
	)

	return &PostDominatorTree{DominatorTree: dt, infiniteLoopHeaders: headers}, nil
}

// reversedWithExit is g reversed, plus a virtual node whose successors are
// the exits and infinite-loop headers.
type reversedWithExit struct {
	g       Graph
	virtual int
	exits   *intset.Set
	headers *intset.Set
}

func (r *reversedWithExit) attached(n int) bool {
	return r.exits.Contains(n) || r.headers.Contains(n)
}

func (r *reversedWithExit) Successors(n int) iter.Seq[int] {
	if n != r.virtual {
		return r.g.Predecessors(n)
	}
	return func(yield func(int) bool) {
		for e := range r.exits.All() {
			if !yield(e) {
				return
			}
		}
		for h := range r.headers.All() {
			if r.exits.Contains(h) {
				continue
			}
			if !yield(h) {
				return
			}
		}
	}
}

func (r *reversedWithExit) Predecessors(n int) iter.Seq[int] {
	if n == r.virtual {
		return func(func(int) bool) {}
	}
	if !r.attached(n) {
		return r.g.Successors(n)
	}
	return func(yield func(int) bool) {
		if !yield(r.virtual) {
			return
		}
		for s := range r.g.Successors(n) {
			if !yield(s) {
				return
			}
		}
	}
}
