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
	"iter"
	"slices"
)

// NoNode denotes the absence of a node, e.g. the immediate dominator of an
// unreached node.
const NoNode = -1

// Graph enumerates the edges of a directed graph over ids 0..maxNode.
//
// Implementations may report ids outside the analyzed range; the engines
// ignore them. Both enumerations must describe the same edge set.
type Graph interface {
	// Successors yields the targets of the edges leaving n.
	Successors(n int) iter.Seq[int]

	// Predecessors yields the sources of the edges entering n.
	Predecessors(n int) iter.Seq[int]
}

// AdjacencyGraph is a materialized Graph backed by per-node slices.
//
// Duplicate edges are ignored. Used by tests and by the CLI when replaying
// trace files; the recorder implements Graph directly over its own storage.
//
// Thread Safety: Not safe for concurrent mutation. Safe for concurrent
// reads once built.
type AdjacencyGraph struct {
	succ    [][]int
	pred    [][]int
	maxNode int
	edges   int
}

// NewAdjacencyGraph creates an empty graph over ids 0..maxNode.
func NewAdjacencyGraph(maxNode int) *AdjacencyGraph {
	if maxNode < 0 {
		maxNode = -1
	}
	return &AdjacencyGraph{
		succ:    make([][]int, maxNode+1),
		pred:    make([][]int, maxNode+1),
		maxNode: maxNode,
	}
}

// AddEdge adds from->to. It reports false for duplicate edges and for ids
// outside 0..MaxNode().
func (g *AdjacencyGraph) AddEdge(from, to int) bool {
	if from < 0 || from > g.maxNode || to < 0 || to > g.maxNode {
		return false
	}
	if slices.Contains(g.succ[from], to) {
		return false
	}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
	g.edges++
	return true
}

// MaxNode returns the largest valid id.
func (g *AdjacencyGraph) MaxNode() int { return g.maxNode }

// EdgeCount returns the number of distinct edges.
func (g *AdjacencyGraph) EdgeCount() int { return g.edges }

// Successors implements Graph.
func (g *AdjacencyGraph) Successors(n int) iter.Seq[int] {
	return g.adjacent(g.succ, n)
}

// Predecessors implements Graph.
func (g *AdjacencyGraph) Predecessors(n int) iter.Seq[int] {
	return g.adjacent(g.pred, n)
}

func (g *AdjacencyGraph) adjacent(lists [][]int, n int) iter.Seq[int] {
	return func(yield func(int) bool) {
		if n < 0 || n > g.maxNode {
			return
		}
		for _, m := range lists[n] {
			if !yield(m) {
				return
			}
		}
	}
}

// Reverse returns a view of g with every edge flipped.
func Reverse(g Graph) Graph {
	if r, ok := g.(reversed); ok {
		return r.g
	}
	return reversed{g: g}
}

type reversed struct {
	g Graph
}

func (r reversed) Successors(n int) iter.Seq[int]   { return r.g.Predecessors(n) }
func (r reversed) Predecessors(n int) iter.Seq[int] { return r.g.Successors(n) }

// withVirtualStart adds node virtual with a single edge into start.
type withVirtualStart struct {
	g       Graph
	start   int
	virtual int
}

func (v withVirtualStart) Successors(n int) iter.Seq[int] {
	if n == v.virtual {
		return func(yield func(int) bool) { yield(v.start) }
	}
	return v.g.Successors(n)
}

func (v withVirtualStart) Predecessors(n int) iter.Seq[int] {
	if n != v.start {
		return v.g.Predecessors(n)
	}
	return func(yield func(int) bool) {
		if !yield(v.virtual) {
			return
		}
		for p := range v.g.Predecessors(n) {
			if !yield(p) {
				return
			}
		}
	}
}
