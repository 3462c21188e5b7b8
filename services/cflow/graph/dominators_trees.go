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
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/intset"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Dominator Trees - Iterative Lengauer-Tarjan
// =============================================================================

var dominatorTracer = otel.Tracer("cflow.graph.dominators")

// DominatorTree represents the computed dominator relationships.
//
// A node D dominates node N if every path from the start node to N passes
// through D. The tree stores the immediate dominator of every node reached
// from the start node; unreached nodes have NoNode.
//
// Thread Safety: Safe for concurrent use after construction.
type DominatorTree struct {
	startNode       int
	hasVirtualStart bool
	augmented       bool
	maxNode         int

	// idom[n] is the immediate dominator of n; idom[start] == start.
	idom []int

	// depth[n] is the distance from the start node in the tree, -1 if
	// unreached.
	depth []int

	// order lists reached nodes in DFS preorder. Every node appears before
	// the nodes it dominates.
	order []int

	children     [][]int
	childrenOnce sync.Once
}

// ComputeDominators computes the dominator tree of g rooted at startNode.
//
// Description:
//
//	Implements the Lengauer-Tarjan algorithm with path compression. All
//	three phases (DFS numbering, semidominators, immediate dominators) run
//	on explicit stacks so degenerate graphs with very long paths cannot
//	exhaust the goroutine stack.
//
//	If startHasPredecessors is true, the node maxNode+1 is synthesized as
//	the real start with a single edge into startNode. The returned tree
//	then reports StartNode() == maxNode+1 and HasVirtualStartNode() == true.
//
// Inputs:
//
//   - ctx: Carries the tracing span and logger context. Not used for cancellation.
//   - startNode: The root. Must be in [0, maxNode].
//   - startHasPredecessors: Whether any edge enters startNode.
//   - g: The graph. Ids it reports outside [0, maxNode] are ignored.
//   - maxNode: The largest node id. Must be >= 0.
//
// Outputs:
//
//   - *DominatorTree: The computed tree. Never nil on success.
//   - error: ErrInvalidArgument (wrapped in *DominatorError) for a nil graph,
//     negative maxNode or out-of-range startNode.
//
// Example:
//
//	g := graph.NewAdjacencyGraph(3)
//	g.AddEdge(0, 1)
//	g.AddEdge(1, 2)
//	dt, err := graph.ComputeDominators(ctx, 0, false, g, 3)
//	idom, _ := dt.Dom(2) // 1
//
// Thread Safety: Safe for concurrent use if g is.
//
// Complexity: O((V+E) log V).
func ComputeDominators(ctx context.Context, startNode int, startHasPredecessors bool, g Graph, maxNode int) (*DominatorTree, error) {
	if g == nil {
		return nil, invalidNode("ComputeDominators", NoNode, "graph must not be nil")
	}
	if maxNode < 0 {
		return nil, invalidNode("ComputeDominators", maxNode, "maxNode must not be negative")
	}
	if startNode < 0 || startNode > maxNode {
		return nil, invalidNode("ComputeDominators", startNode, "start node outside [0, maxNode]")
	}

	if startHasPredecessors {
		virtual := maxNode + 1
		vg := withVirtualStart{g: g, start: startNode, virtual: virtual}
		return computeDominators(ctx, virtual, true, vg, virtual), nil
	}
	return computeDominators(ctx, startNode, false, g, maxNode), nil
}

// computeDominators runs Lengauer-Tarjan on validated input.
func computeDominators(ctx context.Context, start int, virtualStart bool, g Graph, maxNode int) *DominatorTree {
	startTime := time.Now()

	ctx, span := dominatorTracer.Start(ctx, "graph.ComputeDominators",
		trace.WithAttributes(
			attribute.Int("start_node", start),
			attribute.Int("max_node", maxNode),
			attribute.Bool("virtual_start", virtualStart),
		),
	)
	defer span.End()

	lt := newLengauerTarjan(maxNode + 1)
	lt.number(g, start)
	span.AddEvent("dfs_numbered", trace.WithAttributes(attribute.Int("reached", lt.n)))

	lt.semidominators(g)
	lt.idom[start] = start

	dt := &DominatorTree{
		startNode:       start,
		hasVirtualStart: virtualStart,
		maxNode:         maxNode,
		idom:            lt.idom,
		depth:           lt.dfnum, // reused as depth storage below
		order:           slices.Clone(lt.vertex[1 : lt.n+1]),
	}
	dt.computeDepths()

	span.SetAttributes(attribute.Int("reached_count", len(dt.order)))
	recordComputeMetrics(ctx, "dominators", time.Since(startTime), len(dt.order))

	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("dominators: computed",
		slog.Int("start_node", start),
		slog.Int("max_node", maxNode),
		slog.Int("reached", len(dt.order)),
		slog.Int("max_depth", dt.MaxDepth()),
		slog.Duration("duration", time.Since(startTime)),
	)

	return dt
}

// lengauerTarjan holds the per-node working arrays of one computation.
// Node-valued entries use NoNode for "none"; dfnum uses 0 for unreached.
type lengauerTarjan struct {
	dfnum    []int
	vertex   []int // vertex[i] is the node with DFS number i (1-based)
	parent   []int
	semi     []int
	ancestor []int
	best     []int
	samedom  []int
	idom     []int

	bucketHead []int
	bucketNext []int

	path []int // scratch stack for eval
	n    int   // number of reached nodes
}

func newLengauerTarjan(size int) *lengauerTarjan {
	fill := func(v int) []int {
		s := make([]int, size)
		if v != 0 {
			for i := range s {
				s[i] = v
			}
		}
		return s
	}

	lt := &lengauerTarjan{
		dfnum:      fill(0),
		vertex:     make([]int, size+1),
		parent:     fill(NoNode),
		semi:       make([]int, size),
		ancestor:   fill(NoNode),
		best:       make([]int, size),
		samedom:    fill(NoNode),
		idom:       fill(NoNode),
		bucketHead: fill(NoNode),
		bucketNext: fill(NoNode),
	}
	for i := 0; i < size; i++ {
		lt.semi[i] = i
		lt.best[i] = i
	}
	return lt
}

// number assigns DFS preorder numbers starting at 1.
//
// Every successor is pushed with the node that discovered it; a node is
// numbered when popped for the first time, and its parent is the node
// whose entry was popped.
func (lt *lengauerTarjan) number(g Graph, start int) {
	size := len(lt.dfnum)

	type frame struct{ node, parent int }
	work := []frame{{node: start, parent: NoNode}}

	for len(work) > 0 {
		f := work[len(work)-1]
		work = work[:len(work)-1]
		if lt.dfnum[f.node] != 0 {
			continue
		}

		lt.n++
		lt.dfnum[f.node] = lt.n
		lt.vertex[lt.n] = f.node
		lt.parent[f.node] = f.parent

		for s := range g.Successors(f.node) {
			if s >= 0 && s < size && lt.dfnum[s] == 0 {
				work = append(work, frame{node: s, parent: f.node})
			}
		}
	}
}

// semidominators computes semidominators in decreasing DFS order, resolves
// immediate dominators through the buckets and finally applies the
// deferred same-dominator assignments in increasing DFS order.
func (lt *lengauerTarjan) semidominators(g Graph) {
	size := len(lt.dfnum)

	for i := lt.n; i >= 2; i-- {
		w := lt.vertex[i]
		p := lt.parent[w]

		s := p
		for v := range g.Predecessors(w) {
			if v < 0 || v >= size || lt.dfnum[v] == 0 {
				continue
			}
			var candidate int
			if lt.dfnum[v] <= lt.dfnum[w] {
				candidate = v
			} else {
				candidate = lt.semi[lt.eval(v)]
			}
			if lt.dfnum[candidate] < lt.dfnum[s] {
				s = candidate
			}
		}
		lt.semi[w] = s
		lt.bucketNext[w] = lt.bucketHead[s]
		lt.bucketHead[s] = w

		// link(p, w)
		lt.ancestor[w] = p

		for v := lt.bucketHead[p]; v != NoNode; v = lt.bucketNext[v] {
			y := lt.eval(v)
			if lt.semi[y] == lt.semi[v] {
				lt.idom[v] = p
			} else {
				lt.samedom[v] = y
			}
		}
		lt.bucketHead[p] = NoNode
	}

	for i := 2; i <= lt.n; i++ {
		w := lt.vertex[i]
		if lt.samedom[w] != NoNode {
			lt.idom[w] = lt.idom[lt.samedom[w]]
		}
	}
}

// eval returns the ancestor of v (in the linked forest) with the
// semidominator of lowest DFS number, compressing the path on the way.
func (lt *lengauerTarjan) eval(v int) int {
	if lt.ancestor[v] == NoNode {
		return lt.best[v]
	}

	path := lt.path[:0]
	x := v
	for lt.ancestor[lt.ancestor[x]] != NoNode {
		path = append(path, x)
		x = lt.ancestor[x]
	}

	// Unwind from the node closest to the root so each ancestor is already
	// compressed when its descendant reads it.
	for i := len(path) - 1; i >= 0; i-- {
		y := path[i]
		a := lt.ancestor[y]
		b := lt.best[a]
		lt.ancestor[y] = lt.ancestor[a]
		if lt.dfnum[lt.semi[b]] < lt.dfnum[lt.semi[lt.best[y]]] {
			lt.best[y] = b
		}
	}
	lt.path = path

	return lt.best[v]
}

// computeDepths overwrites dt.depth with tree depths, -1 for unreached.
func (dt *DominatorTree) computeDepths() {
	for i := range dt.depth {
		dt.depth[i] = -1
	}
	for _, n := range dt.order {
		if n == dt.startNode {
			dt.depth[n] = 0
			continue
		}
		dt.depth[n] = dt.depth[dt.idom[n]] + 1
	}
}

// =============================================================================
// Queries
// =============================================================================

// StartNode returns the root of the tree.
func (dt *DominatorTree) StartNode() int { return dt.startNode }

// HasVirtualStartNode reports whether the root was synthesized.
func (dt *DominatorTree) HasVirtualStartNode() bool { return dt.hasVirtualStart }

// IsAugmented reports whether the tree was built with synthetic exit edges
// for infinite loops. Always false for plain dominator trees.
func (dt *DominatorTree) IsAugmented() bool { return dt.augmented }

// MaxNode returns the largest valid node id, including a virtual start.
func (dt *DominatorTree) MaxNode() int { return dt.maxNode }

// ReachedCount returns the number of nodes reached from the start node.
func (dt *DominatorTree) ReachedCount() int { return len(dt.order) }

// Reached reports whether n was reached from the start node.
func (dt *DominatorTree) Reached(n int) bool {
	return n >= 0 && n <= dt.maxNode && dt.idom[n] != NoNode
}

// Dom returns the immediate dominator of n.
//
// Returns NoNode without error for nodes that were not reached. Returns
// ErrInvalidArgument for the start node and for ids outside [0, MaxNode()].
func (dt *DominatorTree) Dom(n int) (int, error) {
	if n < 0 || n > dt.maxNode {
		return NoNode, invalidNode("Dom", n, "node outside [0, maxNode]")
	}
	if n == dt.startNode {
		return NoNode, invalidNode("Dom", n, "the start node has no immediate dominator")
	}
	return dt.idom[n], nil
}

// StrictlyDominates reports whether n strictly dominates w, i.e. chasing
// immediate dominators from w reaches n. A node never strictly dominates
// itself.
//
// Complexity: O(depth(w)).
func (dt *DominatorTree) StrictlyDominates(n, w int) bool {
	if n == w || !dt.Reached(n) || !dt.Reached(w) {
		return false
	}
	target := dt.depth[n]
	for x := w; dt.depth[x] > target; {
		x = dt.idom[x]
		if x == n {
			return true
		}
	}
	return false
}

// Dominates reports whether a dominates b. Dominance is reflexive for
// reached nodes.
func (dt *DominatorTree) Dominates(a, b int) bool {
	if a == b {
		return dt.Reached(a)
	}
	return dt.StrictlyDominates(a, b)
}

// Leaves returns the reached nodes that dominate no other node.
//
// Complexity: O(maxNode).
func (dt *DominatorTree) Leaves() *intset.Set {
	dominates := make([]bool, dt.maxNode+1)
	for _, n := range dt.order {
		if n != dt.startNode {
			dominates[dt.idom[n]] = true
		}
	}

	leaves := intset.New()
	for _, n := range dt.order {
		if !dominates[n] {
			leaves.Add(n)
		}
	}
	return leaves
}

// DominatorsOf returns n followed by all of its dominators up to and
// including the start node. Empty if n was not reached.
func (dt *DominatorTree) DominatorsOf(n int) []int {
	if !dt.Reached(n) {
		return []int{}
	}

	result := make([]int, 0, dt.depth[n]+1)
	result = append(result, n)
	for x := n; x != dt.startNode; {
		x = dt.idom[x]
		result = append(result, x)
	}
	return result
}

// DominatedBy returns all nodes dominated by n (the subtree rooted at n,
// n included) in breadth-first order. Empty if n was not reached.
func (dt *DominatorTree) DominatedBy(n int) []int {
	if !dt.Reached(n) {
		return []int{}
	}

	result := []int{n}
	for i := 0; i < len(result); i++ {
		result = append(result, dt.Children(result[i])...)
	}
	return result
}

// Children returns the nodes immediately dominated by n, in increasing id
// order. The returned slice must not be modified.
//
// Thread Safety: Safe for concurrent use. Built once on first call.
func (dt *DominatorTree) Children(n int) []int {
	dt.childrenOnce.Do(func() {
		dt.children = make([][]int, dt.maxNode+1)
		for id, d := range dt.idom {
			if d != NoNode && id != dt.startNode {
				dt.children[d] = append(dt.children[d], id)
			}
		}
	})
	if n < 0 || n > dt.maxNode {
		return nil
	}
	return dt.children[n]
}

// Depth returns the depth of n in the tree (0 for the start node), or -1
// if n was not reached.
func (dt *DominatorTree) Depth(n int) int {
	if n < 0 || n > dt.maxNode {
		return -1
	}
	return dt.depth[n]
}

// MaxDepth returns the maximum depth in the dominator tree.
func (dt *DominatorTree) MaxDepth() int {
	maxDepth := 0
	for _, n := range dt.order {
		if dt.depth[n] > maxDepth {
			maxDepth = dt.depth[n]
		}
	}
	return maxDepth
}

// LowestCommonDominator returns the deepest node dominating both a and b,
// or NoNode if either was not reached.
//
// Complexity: O(depth).
func (dt *DominatorTree) LowestCommonDominator(a, b int) int {
	if !dt.Reached(a) || !dt.Reached(b) {
		return NoNode
	}
	for dt.depth[a] > dt.depth[b] {
		a = dt.idom[a]
	}
	for dt.depth[b] > dt.depth[a] {
		b = dt.idom[b]
	}
	for a != b {
		a = dt.idom[a]
		b = dt.idom[b]
	}
	return a
}

// ImmediateDominators returns a copy of the idom array, indexed by node id.
// Unreached nodes hold NoNode; the start node holds itself.
func (dt *DominatorTree) ImmediateDominators() []int {
	return slices.Clone(dt.idom)
}

// ForEachReached calls fn for every reached node in DFS preorder, so that
// every node is visited before the nodes it dominates.
func (dt *DominatorTree) ForEachReached(fn func(n int)) {
	for _, n := range dt.order {
		fn(n)
	}
}

// Equal reports whether two trees have the same root and immediate
// dominators.
func (dt *DominatorTree) Equal(other *DominatorTree) bool {
	if dt == nil || other == nil {
		return dt == other
	}
	return dt.startNode == other.startNode &&
		dt.hasVirtualStart == other.hasVirtualStart &&
		dt.augmented == other.augmented &&
		slices.Equal(dt.idom, other.idom)
}
