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
	"encoding/binary"
	"iter"

	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/intset"
	"github.com/cespare/xxhash/v2"
)

// Sets returned by the queries below are shared with the recorder unless
// stated otherwise and must not be modified. Queries about pcs that were
// never executed, or lie outside [0, MaxPC()], return empty (possibly nil)
// sets.

func (r *Recorder) inRange(pc int) bool {
	return pc >= 0 && pc <= r.maxPC
}

// WasExecuted reports whether pc has a recorded successor or is an exit.
func (r *Recorder) WasExecuted(pc int) bool {
	if !r.inRange(pc) {
		return false
	}
	return r.regular[pc] != nil || r.exceptional[pc] != nil || r.IsExitPC(pc)
}

// RegularSuccessorsOf returns the recorded non-exceptional successors.
func (r *Recorder) RegularSuccessorsOf(pc int) *intset.Set {
	if !r.inRange(pc) {
		return nil
	}
	return r.regular[pc]
}

// ExceptionSuccessorsOf returns the recorded exception-handler successors.
func (r *Recorder) ExceptionSuccessorsOf(pc int) *intset.Set {
	if !r.inRange(pc) {
		return nil
	}
	return r.exceptional[pc]
}

// AllSuccessorsOf returns a new set with the regular and exceptional
// successors of pc.
func (r *Recorder) AllSuccessorsOf(pc int) *intset.Set {
	return r.RegularSuccessorsOf(pc).Union(r.ExceptionSuccessorsOf(pc))
}

// PredecessorsOf returns the pcs with a regular or exceptional edge to pc.
//
// The predecessor relation is built by inverting the successor arrays on
// first use and cached until the next recorded edge.
func (r *Recorder) PredecessorsOf(pc int) *intset.Set {
	if !r.inRange(pc) {
		return nil
	}
	return r.predecessors()[pc]
}

func (r *Recorder) predecessors() []*intset.Set {
	r.predMu.Lock()
	defer r.predMu.Unlock()

	if r.preds != nil {
		return r.preds
	}
	preds := make([]*intset.Set, r.maxPC+1)
	add := func(from int, succs *intset.Set) {
		for to := range succs.All() {
			if preds[to] == nil {
				preds[to] = intset.New()
			}
			preds[to].Add(from)
		}
	}
	for from := 0; from <= r.maxPC; from++ {
		add(from, r.regular[from])
		add(from, r.exceptional[from])
	}
	r.preds = preds
	return preds
}

// HasMultipleSuccessors reports whether pc has more than one distinct
// successor of either kind.
func (r *Recorder) HasMultipleSuccessors(pc int) bool {
	return r.AllSuccessorsOf(pc).Len() > 1
}

// JustExceptions reports whether pc only ever continued exceptionally, or
// was declared exceptional-only.
func (r *Recorder) JustExceptions(pc int) bool {
	if r.excOnly.Contains(pc) {
		return true
	}
	return r.RegularSuccessorsOf(pc).IsEmpty() && !r.ExceptionSuccessorsOf(pc).IsEmpty()
}

// ExceptionalOnlyPCs returns the pcs declared by RecordExceptionalOnly.
func (r *Recorder) ExceptionalOnlyPCs() *intset.Set { return r.excOnly.Clone() }

// IsDirectRegularPredecessorOf reports whether a regular edge pred->succ
// was recorded.
func (r *Recorder) IsDirectRegularPredecessorOf(pred, succ int) bool {
	return r.RegularSuccessorsOf(pred).Contains(succ)
}

// IsRegularPredecessorOf reports whether succ can be reached from pred
// over one or more regular edges.
func (r *Recorder) IsRegularPredecessorOf(pred, succ int) bool {
	if !r.inRange(pred) || !r.inRange(succ) {
		return false
	}
	seen := intset.New()
	queue := []int{pred}
	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		for s := range r.regular[pc].All() {
			if s == succ {
				return true
			}
			if seen.Add(s) {
				queue = append(queue, s)
			}
		}
	}
	return false
}

// ReachableFrom returns a new set with the given pcs and every pc
// transitively reachable from them over recorded edges of either kind.
func (r *Recorder) ReachableFrom(pcs ...int) *intset.Set {
	return r.bfs(pcs, func(pc int) iter.Seq[int] {
		return func(yield func(int) bool) {
			for s := range r.regular[pc].All() {
				if !yield(s) {
					return
				}
			}
			for s := range r.exceptional[pc].All() {
				if !yield(s) {
					return
				}
			}
		}
	})
}

// bfs collects the closure of starts under next. Out-of-range starts are
// ignored.
func (r *Recorder) bfs(starts []int, next func(pc int) iter.Seq[int]) *intset.Set {
	seen := intset.New()
	queue := make([]int, 0, len(starts))
	for _, pc := range starts {
		if r.inRange(pc) && seen.Add(pc) {
			queue = append(queue, pc)
		}
	}
	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		for s := range next(pc) {
			if seen.Add(s) {
				queue = append(queue, s)
			}
		}
	}
	return seen
}

// InfiniteLoopHeaders returns a new set with the jump-back targets from
// which no exit can be reached.
//
// Computed by a backward breadth-first search from all exits; every
// jump-back target the search does not reach heads a loop that never
// terminates.
func (r *Recorder) InfiniteLoopHeaders() *intset.Set {
	if r.jumpBack.IsEmpty() {
		return intset.New()
	}
	preds := r.predecessors()
	canExit := r.bfs(r.ExitPCs().Slice(), func(pc int) iter.Seq[int] {
		return preds[pc].All()
	})
	return r.jumpBack.Difference(canExit)
}

// JumpBackTargets returns a copy of the targets of edges from >= to.
func (r *Recorder) JumpBackTargets() *intset.Set { return r.jumpBack.Clone() }

// ExitPCs returns a new set with all normal and abrupt exit pcs.
func (r *Recorder) ExitPCs() *intset.Set { return r.normalExits.Union(r.abruptExits) }

// AbruptExitPCs returns a copy of the pcs recorded as abrupt exits.
func (r *Recorder) AbruptExitPCs() *intset.Set { return r.abruptExits.Clone() }

// SubroutineStarts returns a copy of the recorded subroutine entry pcs.
func (r *Recorder) SubroutineStarts() *intset.Set { return r.subroutines.Clone() }

// IsExitPC reports whether pc is a normal or abrupt exit.
func (r *Recorder) IsExitPC(pc int) bool {
	return r.normalExits.Contains(pc) || r.abruptExits.Contains(pc)
}

// IsNormalExitPC reports whether pc returns normally.
func (r *Recorder) IsNormalExitPC(pc int) bool { return r.normalExits.Contains(pc) }

// IsAbruptExitPC reports whether pc may leave the method by an uncaught
// exception.
func (r *Recorder) IsAbruptExitPC(pc int) bool { return r.abruptExits.Contains(pc) }

// IsSubroutineStart reports whether pc starts a jsr/ret subroutine.
func (r *Recorder) IsSubroutineStart(pc int) bool { return r.subroutines.Contains(pc) }

// ExecutedPCs returns a new set with every executed pc.
func (r *Recorder) ExecutedPCs() *intset.Set {
	out := r.ExitPCs()
	for pc := 0; pc <= r.maxPC; pc++ {
		if r.regular[pc] != nil || r.exceptional[pc] != nil {
			out.Add(pc)
		}
	}
	return out
}

// EdgeCount returns the number of distinct recorded edges.
func (r *Recorder) EdgeCount() int { return r.edgeCount }

// Fingerprint hashes the recorded graph. Two recordings with the same
// edges, exits and subroutine starts over the same pc range have equal
// fingerprints regardless of recording order.
func (r *Recorder) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	putSet := func(tag int, s *intset.Set) {
		put(tag)
		put(s.Len())
		for v := range s.All() {
			put(v)
		}
	}

	put(r.maxPC)
	for pc := 0; pc <= r.maxPC; pc++ {
		if r.regular[pc] == nil && r.exceptional[pc] == nil {
			continue
		}
		put(pc)
		putSet(0, r.regular[pc])
		putSet(1, r.exceptional[pc])
	}
	put(graph.NoNode)
	putSet(2, r.normalExits)
	putSet(3, r.abruptExits)
	putSet(4, r.subroutines)
	return d.Sum64()
}

// Graph returns the recorded flow graph, with regular and exceptional
// edges merged, as a graph.Graph over [0, MaxPC()].
func (r *Recorder) Graph() graph.Graph {
	return recordedGraph{r: r}
}

type recordedGraph struct {
	r *Recorder
}

func (g recordedGraph) Successors(pc int) iter.Seq[int] {
	return func(yield func(int) bool) {
		regular := g.r.RegularSuccessorsOf(pc)
		for s := range regular.All() {
			if !yield(s) {
				return
			}
		}
		for s := range g.r.ExceptionSuccessorsOf(pc).All() {
			if regular.Contains(s) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

func (g recordedGraph) Predecessors(pc int) iter.Seq[int] {
	return g.r.PredecessorsOf(pc).All()
}
