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

	"github.com/AleutianAI/cflow/services/cflow/cfg"
	"github.com/AleutianAI/cflow/services/cflow/graph"
)

// DominatorTree returns the dominator tree of the recorded flow graph,
// rooted at pc 0.
//
// A virtual start node MaxPC()+1 is used when pc 0 has predecessors, i.e.
// when the method starts with a loop.
//
// Returns ErrIllegalState (wrapped in *RecorderError) before Freeze.
func (r *Recorder) DominatorTree(ctx context.Context) (*graph.DominatorTree, error) {
	return derive(ctx, r, &r.domTree, func(ctx context.Context) (*graph.DominatorTree, error) {
		return graph.ComputeDominators(ctx, 0, !r.PredecessorsOf(0).IsEmpty(), r.Graph(), r.maxPC)
	})
}

// PostDominatorTree returns the post-dominator tree of the recorded flow
// graph. Headers of loops that never reach an exit are attached to the
// virtual exit; the tree is then augmented.
//
// Returns ErrIllegalState (wrapped in *RecorderError) before Freeze.
func (r *Recorder) PostDominatorTree(ctx context.Context) (*graph.PostDominatorTree, error) {
	return derive(ctx, r, &r.postDom, func(ctx context.Context) (*graph.PostDominatorTree, error) {
		exits := r.ExitPCs()
		return graph.ComputePostDominators(ctx, nil, r.InfiniteLoopHeaders(), exits.All(), r.Graph(), r.maxPC)
	})
}

// ControlDependencies returns the control-dependence relation of the
// executed pcs.
//
// Returns ErrIllegalState (wrapped in *RecorderError) before Freeze.
func (r *Recorder) ControlDependencies(ctx context.Context) (*graph.ControlDependencies, error) {
	return derive(ctx, r, &r.control, func(ctx context.Context) (*graph.ControlDependencies, error) {
		pdt, err := r.PostDominatorTree(ctx)
		if err != nil {
			return nil, err
		}
		return graph.ComputeControlDependencies(ctx, pdt, r.Graph(), r.WasExecuted)
	})
}

// BasicBlockCFG returns the basic-block control-flow graph, built with the
// exception table and layout the recorder was initialized with.
//
// Returns ErrIllegalState (wrapped in *RecorderError) before Freeze.
func (r *Recorder) BasicBlockCFG(ctx context.Context) (*cfg.CFG, error) {
	return derive(ctx, r, &r.blocks, func(ctx context.Context) (*cfg.CFG, error) {
		return cfg.Build(ctx, r, r.handlers, r.layout)
	})
}

// Computations returns how many times the structure of the given kind was
// computed since the recorder was created. Unknown kinds report 0.
func (r *Recorder) Computations(kind string) int64 {
	switch kind {
	case KindDominatorTree:
		return r.domTree.computations.Load()
	case KindPostDominatorTree:
		return r.postDom.computations.Load()
	case KindControlDependencies:
		return r.control.computations.Load()
	case KindBasicBlockCFG:
		return r.blocks.computations.Load()
	}
	return 0
}

var _ cfg.Recording = (*Recorder)(nil)
