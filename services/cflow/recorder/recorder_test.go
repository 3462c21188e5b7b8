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
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edge struct {
	from, to    int
	exceptional bool
}

// newRecording records edges and exits and freezes the result.
func newRecording(t *testing.T, maxPC int, edges []edge, exits []int, opts ...Option) *Recorder {
	t.Helper()
	r, err := New(maxPC, opts...)
	require.NoError(t, err)
	for _, e := range edges {
		require.NoError(t, r.RecordEdge(e.from, e.to, e.exceptional))
	}
	for _, pc := range exits {
		require.NoError(t, r.RecordExit(pc))
	}
	r.Freeze(context.Background())
	return r
}

func mustDom(t *testing.T, dt *graph.DominatorTree, n int) int {
	t.Helper()
	d, err := dt.Dom(n)
	require.NoError(t, err)
	return d
}

func TestRecorder_LoopWithExit(t *testing.T) {
	r := newRecording(t, 3, []edge{{0, 1, false}, {1, 2, false}, {2, 1, false}, {2, 3, false}}, []int{3})

	assert.Equal(t, []int{1}, r.JumpBackTargets().Slice())
	assert.True(t, r.InfiniteLoopHeaders().IsEmpty(), "the loop can leave through 3")

	pdt, err := r.PostDominatorTree(context.Background())
	require.NoError(t, err)
	assert.False(t, pdt.IsAugmented())
	assert.Equal(t, 2, mustDom(t, pdt.DominatorTree, 1))

	dt, err := r.DominatorTree(context.Background())
	require.NoError(t, err)
	assert.False(t, dt.HasVirtualStartNode())
	assert.Equal(t, 1, mustDom(t, dt, 2))
}

func TestRecorder_InfiniteLoop(t *testing.T) {
	r := newRecording(t, 3, []edge{{0, 1, false}, {1, 2, false}, {2, 1, false}}, nil)

	assert.Equal(t, []int{1}, r.InfiniteLoopHeaders().Slice())

	pdt, err := r.PostDominatorTree(context.Background())
	require.NoError(t, err)
	assert.True(t, pdt.IsAugmented())
	assert.Equal(t, pdt.VirtualExit(), mustDom(t, pdt.DominatorTree, 1))
	assert.Equal(t, 1, mustDom(t, pdt.DominatorTree, 2))
	assert.False(t, pdt.Reached(3), "pc 3 was never executed")
}

func TestRecorder_InfiniteLoopBehindExitingLoop(t *testing.T) {
	// 1-2 loops and leaves either to the exit 5 or to 3, which spins
	// forever on 4-3.
	r := newRecording(t, 5, []edge{
		{0, 1, false}, {1, 2, false}, {2, 1, false}, {2, 3, false},
		{3, 4, false}, {4, 3, false}, {2, 5, false},
	}, []int{5})

	assert.Equal(t, []int{1, 3}, r.JumpBackTargets().Slice())
	assert.Equal(t, []int{3}, r.InfiniteLoopHeaders().Slice())
}

func TestRecorder_StartWithPredecessors(t *testing.T) {
	r := newRecording(t, 2, []edge{{0, 1, false}, {1, 0, false}, {1, 2, false}}, []int{2})

	dt, err := r.DominatorTree(context.Background())
	require.NoError(t, err)
	assert.True(t, dt.HasVirtualStartNode())
	assert.Equal(t, 3, dt.StartNode())
	assert.Equal(t, 3, mustDom(t, dt, 0))
	assert.Equal(t, 0, mustDom(t, dt, 1))
}

func TestRecorder_ControlDependencies(t *testing.T) {
	r := newRecording(t, 3, []edge{{0, 1, false}, {0, 2, false}, {1, 3, false}, {2, 3, false}}, []int{3})

	cd, err := r.ControlDependencies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, cd.DependsOn(1).Slice())
	assert.Equal(t, []int{0}, cd.DependsOn(2).Slice())
	assert.True(t, cd.DependsOn(3).IsEmpty())
	assert.Equal(t, int64(1), r.Computations(KindPostDominatorTree))
}

func TestRecorder_RecordErrors(t *testing.T) {
	_, err := New(-1)
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)

	r, err := New(3)
	require.NoError(t, err)

	err = r.RecordEdge(0, 4, false)
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)
	var recErr *RecorderError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, 4, recErr.PC)
	assert.Equal(t, "RecordEdge", recErr.Op)

	assert.ErrorIs(t, r.RecordExit(-1), graph.ErrInvalidArgument)
	assert.ErrorIs(t, r.RecordSubroutineStart(9), graph.ErrInvalidArgument)

	require.NoError(t, r.RecordEdge(0, 1, false))

	// pc 2 only throws: a regular edge out of it conflicts either way round.
	require.NoError(t, r.RecordExceptionalOnly(2))
	require.NoError(t, r.RecordEdge(2, 3, true))
	err = r.RecordEdge(2, 3, false)
	assert.ErrorIs(t, err, graph.ErrPreconditionViolation)
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, 2, recErr.PC)
	assert.True(t, r.RegularSuccessorsOf(2).IsEmpty(), "rejected edge must not be recorded")
	assert.True(t, r.JustExceptions(2))
	assert.ErrorIs(t, r.RecordExceptionalOnly(0), graph.ErrPreconditionViolation)
	assert.False(t, r.ExceptionalOnlyPCs().Contains(0))
	assert.ErrorIs(t, r.RecordExceptionalOnly(7), graph.ErrInvalidArgument)

	r.Freeze(context.Background())
	r.Freeze(context.Background())
	assert.True(t, r.IsFrozen())

	assert.ErrorIs(t, r.RecordEdge(1, 2, false), graph.ErrPreconditionViolation)
	assert.ErrorIs(t, r.RecordExit(1), graph.ErrPreconditionViolation)
	assert.ErrorIs(t, r.RecordAbruptExit(1), graph.ErrPreconditionViolation)
	assert.ErrorIs(t, r.RecordSubroutineStart(1), graph.ErrPreconditionViolation)
	assert.ErrorIs(t, r.RecordExceptionalOnly(1), graph.ErrPreconditionViolation)
}

func TestRecorder_DerivedBeforeFreeze(t *testing.T) {
	r, err := New(1)
	require.NoError(t, err)
	require.NoError(t, r.RecordEdge(0, 1, false))

	ctx := context.Background()
	_, err = r.DominatorTree(ctx)
	assert.ErrorIs(t, err, graph.ErrIllegalState)
	_, err = r.PostDominatorTree(ctx)
	assert.ErrorIs(t, err, graph.ErrIllegalState)
	_, err = r.ControlDependencies(ctx)
	assert.ErrorIs(t, err, graph.ErrIllegalState)
	_, err = r.BasicBlockCFG(ctx)
	assert.ErrorIs(t, err, graph.ErrIllegalState)
}

func TestRecorder_RecordEdgeIdempotent(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, r.RecordEdge(0, 1, false))
		require.NoError(t, r.RecordEdge(1, 3, true))
	}
	assert.Equal(t, 2, r.EdgeCount())
	assert.Equal(t, []int{1}, r.RegularSuccessorsOf(0).Slice())
	assert.Equal(t, []int{3}, r.ExceptionSuccessorsOf(1).Slice())

	// Same pair, other kind, is a distinct edge.
	require.NoError(t, r.RecordEdge(0, 1, true))
	assert.Equal(t, 3, r.EdgeCount())
	assert.Equal(t, []int{1}, r.AllSuccessorsOf(0).Slice())
}

func TestRecorder_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const maxPC = 60

	r, err := New(maxPC)
	require.NoError(t, err)

	wantRegular := make(map[[2]int]bool)
	wantExceptional := make(map[[2]int]bool)
	for range 300 {
		from, to := rng.Intn(maxPC+1), rng.Intn(maxPC+1)
		exceptional := rng.Intn(4) == 0
		require.NoError(t, r.RecordEdge(from, to, exceptional))
		if exceptional {
			wantExceptional[[2]int{from, to}] = true
		} else {
			wantRegular[[2]int{from, to}] = true
		}
	}

	for pc := 0; pc <= maxPC; pc++ {
		for s := range r.RegularSuccessorsOf(pc).All() {
			assert.True(t, wantRegular[[2]int{pc, s}], "unexpected regular edge %d->%d", pc, s)
			assert.True(t, r.PredecessorsOf(s).Contains(pc))
		}
		for s := range r.ExceptionSuccessorsOf(pc).All() {
			assert.True(t, wantExceptional[[2]int{pc, s}], "unexpected exceptional edge %d->%d", pc, s)
			assert.True(t, r.PredecessorsOf(s).Contains(pc))
		}
	}
	for e := range wantRegular {
		assert.True(t, r.IsDirectRegularPredecessorOf(e[0], e[1]))
	}
	for e := range wantExceptional {
		assert.True(t, r.ExceptionSuccessorsOf(e[0]).Contains(e[1]))
	}
	assert.Equal(t, len(wantRegular)+len(wantExceptional), r.EdgeCount())
}

func TestRecorder_PredecessorsInvalidated(t *testing.T) {
	r, err := New(3)
	require.NoError(t, err)

	require.NoError(t, r.RecordEdge(0, 2, false))
	assert.Equal(t, []int{0}, r.PredecessorsOf(2).Slice())

	require.NoError(t, r.RecordEdge(1, 2, true))
	assert.Equal(t, []int{0, 1}, r.PredecessorsOf(2).Slice())
	assert.True(t, r.PredecessorsOf(3).IsEmpty())
	assert.True(t, r.PredecessorsOf(99).IsEmpty())
}

func TestRecorder_Queries(t *testing.T) {
	r, err := New(6)
	require.NoError(t, err)
	require.NoError(t, r.RecordEdge(0, 1, false))
	require.NoError(t, r.RecordEdge(1, 2, false))
	require.NoError(t, r.RecordEdge(1, 4, false))
	require.NoError(t, r.RecordEdge(2, 5, true))
	require.NoError(t, r.RecordEdge(2, 2, false))
	require.NoError(t, r.RecordEdge(4, 5, true))
	require.NoError(t, r.RecordExit(3))
	require.NoError(t, r.RecordAbruptExit(5))
	require.NoError(t, r.RecordSubroutineStart(4))

	assert.True(t, r.WasExecuted(0))
	assert.True(t, r.WasExecuted(3), "exits count as executed")
	assert.False(t, r.WasExecuted(6))
	assert.False(t, r.WasExecuted(-1))
	assert.False(t, r.WasExecuted(7))

	assert.True(t, r.HasMultipleSuccessors(1))
	assert.True(t, r.HasMultipleSuccessors(2))
	assert.False(t, r.HasMultipleSuccessors(0))

	assert.True(t, r.JustExceptions(4))
	assert.False(t, r.JustExceptions(2))
	assert.False(t, r.JustExceptions(6))

	assert.True(t, r.IsRegularPredecessorOf(0, 2))
	assert.True(t, r.IsRegularPredecessorOf(2, 2), "self loop")
	assert.False(t, r.IsRegularPredecessorOf(0, 5), "5 is only reached exceptionally")
	assert.False(t, r.IsRegularPredecessorOf(0, 0))

	assert.Equal(t, []int{0, 1, 2, 4, 5}, r.ReachableFrom(0).Slice())
	assert.Equal(t, []int{2, 5}, r.ReachableFrom(2).Slice())
	assert.Equal(t, []int{3}, r.ReachableFrom(3, -4, 100).Slice())

	assert.Equal(t, []int{3, 5}, r.ExitPCs().Slice())
	assert.Equal(t, []int{5}, r.AbruptExitPCs().Slice())
	assert.True(t, r.IsNormalExitPC(3))
	assert.False(t, r.IsNormalExitPC(5))
	assert.True(t, r.IsAbruptExitPC(5))
	assert.True(t, r.IsExitPC(5))
	assert.True(t, r.IsSubroutineStart(4))
	assert.Equal(t, []int{4}, r.SubroutineStarts().Slice())
	assert.Equal(t, []int{2}, r.JumpBackTargets().Slice())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, r.ExecutedPCs().Slice())

	copied := r.JumpBackTargets()
	copied.Add(6)
	assert.False(t, r.JumpBackTargets().Contains(6), "JumpBackTargets returns a copy")
}

func TestRecorder_Fingerprint(t *testing.T) {
	build := func(edges []edge) *Recorder {
		return newRecording(t, 4, edges, []int{4})
	}
	a := build([]edge{{0, 1, false}, {1, 2, false}, {2, 4, true}})
	b := build([]edge{{2, 4, true}, {1, 2, false}, {0, 1, false}})
	c := build([]edge{{0, 1, false}, {1, 2, false}, {2, 4, false}})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "recording order must not matter")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "edge kind must matter")
}

func TestRecorder_InitResets(t *testing.T) {
	r := newRecording(t, 2, []edge{{0, 1, false}, {1, 2, false}}, []int{2})
	dt, err := r.DominatorTree(context.Background())
	require.NoError(t, err)
	gen := r.Generation()

	require.NoError(t, r.Init(5))
	assert.Equal(t, gen+1, r.Generation())
	assert.False(t, r.IsFrozen())
	assert.Equal(t, 5, r.MaxPC())
	assert.Equal(t, 0, r.EdgeCount())
	assert.True(t, r.ExitPCs().IsEmpty())

	require.NoError(t, r.RecordEdge(0, 5, false))
	require.NoError(t, r.RecordExit(5))
	r.Freeze(context.Background())

	dt2, err := r.DominatorTree(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, dt, dt2)
	assert.Equal(t, 5, dt2.MaxNode())
	assert.Equal(t, 0, mustDom(t, dt2, 5))
}

func TestRecorder_DerivedIsMemoized(t *testing.T) {
	r := newRecording(t, 3, []edge{{0, 1, false}, {0, 2, false}, {1, 3, false}, {2, 3, false}}, []int{3})
	ctx := context.Background()

	const workers = 32
	trees := make([]*graph.DominatorTree, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dt, err := r.DominatorTree(ctx)
			assert.NoError(t, err)
			trees[i] = dt
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), r.Computations(KindDominatorTree))
	for _, dt := range trees[1:] {
		assert.Same(t, trees[0], dt)
	}

	blocks1, err := r.BasicBlockCFG(ctx)
	require.NoError(t, err)
	blocks2, err := r.BasicBlockCFG(ctx)
	require.NoError(t, err)
	assert.Same(t, blocks1, blocks2)
	assert.Equal(t, int64(1), r.Computations(KindBasicBlockCFG))
	assert.Equal(t, int64(0), r.Computations("unknown"))
}

func TestRecorder_EvictedStructureIsRecomputed(t *testing.T) {
	ev := cache.NewEvictor(1)
	r := newRecording(t, 3, []edge{{0, 1, false}, {1, 2, false}, {2, 1, false}, {2, 3, false}}, []int{3}, WithEvictor(ev))
	ctx := context.Background()

	first, err := r.DominatorTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Len())

	_, err = r.BasicBlockCFG(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Evictions(), "the dominator tree was least recently used")

	second, err := r.DominatorTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Computations(KindDominatorTree))
	assert.NotSame(t, first, second)
	assert.True(t, first.Equal(second), "recomputation yields an equal tree")
}

func TestRecorder_EvictorSharedAcrossRecorders(t *testing.T) {
	ev := cache.NewEvictor(8)
	edges := []edge{{0, 1, false}, {1, 2, false}}
	a := newRecording(t, 2, edges, []int{2}, WithEvictor(ev))
	b := newRecording(t, 2, edges, []int{2}, WithEvictor(ev))
	ctx := context.Background()

	_, err := a.DominatorTree(ctx)
	require.NoError(t, err)
	_, err = b.DominatorTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Len(), "entries are keyed per recorder")

	require.NoError(t, a.Init(2))
	assert.Equal(t, 1, ev.Len(), "Init forgets the recorder's entries")
	assert.Equal(t, int64(0), ev.Evictions())
}
