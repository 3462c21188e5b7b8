// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/AleutianAI/cflow/services/cflow/cfg"
	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trace describes one recorded method.
type trace struct {
	maxPC       int
	edges       [][2]int
	exceptional [][2]int
	exits       []int
	abrupt      []int
	subroutines []int
}

func build(t *testing.T, tr trace, opts ...recorder.Option) (*cfg.CFG, error) {
	t.Helper()
	r, err := recorder.New(tr.maxPC, opts...)
	require.NoError(t, err)
	for _, e := range tr.edges {
		require.NoError(t, r.RecordEdge(e[0], e[1], false))
	}
	for _, e := range tr.exceptional {
		require.NoError(t, r.RecordEdge(e[0], e[1], true))
	}
	for _, pc := range tr.exits {
		require.NoError(t, r.RecordExit(pc))
	}
	for _, pc := range tr.abrupt {
		require.NoError(t, r.RecordAbruptExit(pc))
	}
	for _, pc := range tr.subroutines {
		require.NoError(t, r.RecordSubroutineStart(pc))
	}
	r.Freeze(context.Background())
	return r.BasicBlockCFG(context.Background())
}

func mustBuild(t *testing.T, tr trace, opts ...recorder.Option) *cfg.CFG {
	t.Helper()
	c, err := build(t, tr, opts...)
	require.NoError(t, err)
	return c
}

func blockRanges(c *cfg.CFG) [][2]int {
	var out [][2]int
	for _, b := range c.Blocks() {
		out = append(out, [2]int{b.StartPC, b.EndPC})
	}
	return out
}

func TestBuild_ExceptionalEdgeEndsBlock(t *testing.T) {
	handlers := []cfg.ExceptionHandler{{StartPC: 0, EndPC: 2, HandlerPC: 3, CatchType: "java/io/IOException"}}
	c := mustBuild(t, trace{
		maxPC:       3,
		edges:       [][2]int{{0, 1}, {1, 2}},
		exceptional: [][2]int{{1, 3}},
		exits:       []int{2, 3},
	}, recorder.WithExceptionHandlers(handlers))

	assert.Equal(t, [][2]int{{0, 1}, {2, 2}, {3, 3}}, blockRanges(c))

	start := c.StartBlock()
	require.NotNil(t, start)
	require.Len(t, c.CatchNodes(), 1)
	catch := c.CatchNodes()[0]
	assert.Equal(t, 0, catch.Index)
	assert.Equal(t, handlers[0], catch.Handler)

	handlerBlock := c.BasicBlockAt(3)
	assert.ElementsMatch(t, []cfg.Node{c.BasicBlockAt(2), catch}, start.Successors())
	assert.Equal(t, []cfg.Node{handlerBlock}, catch.Successors())
	assert.Equal(t, []cfg.Node{start}, catch.Predecessors())
	assert.Equal(t, []cfg.Node{c.NormalReturnNode()}, c.BasicBlockAt(2).Successors())
	assert.Equal(t, []cfg.Node{c.NormalReturnNode()}, handlerBlock.Successors())
	assert.Empty(t, c.AbnormalReturnNode().Predecessors())
}

func TestBuild_BlockBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		trace trace
		want  [][2]int
	}{
		{
			name:  "straight line is one block",
			trace: trace{maxPC: 3, edges: [][2]int{{0, 1}, {1, 2}, {2, 3}}, exits: []int{3}},
			want:  [][2]int{{0, 3}},
		},
		{
			name:  "jump ends block",
			trace: trace{maxPC: 3, edges: [][2]int{{0, 2}, {2, 3}}, exits: []int{3}},
			want:  [][2]int{{0, 0}, {2, 3}},
		},
		{
			name:  "branch ends block",
			trace: trace{maxPC: 3, edges: [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}}, exits: []int{3}},
			want:  [][2]int{{0, 0}, {1, 1}, {2, 2}, {3, 3}},
		},
		{
			name:  "merge point starts block",
			trace: trace{maxPC: 4, edges: [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 1}, {3, 4}}, exits: []int{4}},
			want:  [][2]int{{0, 0}, {1, 3}, {4, 4}},
		},
		{
			name:  "exit with successor ends block",
			trace: trace{maxPC: 2, edges: [][2]int{{0, 1}, {1, 2}}, exits: []int{1, 2}},
			want:  [][2]int{{0, 1}, {2, 2}},
		},
		{
			name:  "unreached pcs get no block",
			trace: trace{maxPC: 5, edges: [][2]int{{0, 1}, {1, 4}}, exits: []int{4}},
			want:  [][2]int{{0, 1}, {4, 4}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustBuild(t, tt.trace)
			assert.Equal(t, tt.want, blockRanges(c))
		})
	}
}

func TestBuild_LoopEdges(t *testing.T) {
	c := mustBuild(t, trace{maxPC: 4, edges: [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 1}, {3, 4}}, exits: []int{4}})

	body := c.BasicBlockAt(2)
	require.NotNil(t, body)
	assert.Same(t, body, c.BasicBlockAt(1))
	assert.Same(t, body, c.BasicBlockAt(3))
	assert.ElementsMatch(t, []cfg.Node{body, c.BasicBlockAt(4)}, body.Successors())
	assert.ElementsMatch(t, []cfg.Node{c.StartBlock(), body}, body.Predecessors())
	assert.Nil(t, c.BasicBlockAt(5))
	assert.Nil(t, c.BasicBlockAt(-1))
}

func TestBuild_EdgesConnectedOnce(t *testing.T) {
	// Two blocks throw into the same handler entry.
	handlers := []cfg.ExceptionHandler{{StartPC: 0, EndPC: 3, HandlerPC: 3}}
	c := mustBuild(t, trace{
		maxPC:       3,
		edges:       [][2]int{{0, 1}, {1, 2}},
		exceptional: [][2]int{{0, 3}, {1, 3}},
		exits:       []int{2, 3},
	}, recorder.WithExceptionHandlers(handlers))

	require.Len(t, c.CatchNodes(), 1)
	catch := c.CatchNodes()[0]
	assert.ElementsMatch(t, []cfg.Node{c.BasicBlockAt(0), c.BasicBlockAt(1)}, catch.Predecessors())
	assert.Len(t, c.BasicBlockAt(0).Successors(), 2)
}

func TestBuild_UnrealizedHandlers(t *testing.T) {
	handlers := []cfg.ExceptionHandler{
		{StartPC: 0, EndPC: 1, HandlerPC: 5}, // handler never executed
		{StartPC: 0, EndPC: 3, HandlerPC: 3}, // nothing in range throws
	}
	c := mustBuild(t, trace{
		maxPC: 5,
		edges: [][2]int{{0, 1}, {1, 2}, {2, 3}},
		exits: []int{3},
	}, recorder.WithExceptionHandlers(handlers))

	assert.Empty(t, c.CatchNodes())
}

func TestBuild_SynthesizedCatchNode(t *testing.T) {
	c := mustBuild(t, trace{
		maxPC:       3,
		edges:       [][2]int{{0, 1}, {1, 2}},
		exceptional: [][2]int{{0, 3}, {1, 3}},
		exits:       []int{2, 3},
	})

	require.Len(t, c.CatchNodes(), 1)
	catch := c.CatchNodes()[0]
	assert.Equal(t, -1, catch.Index)
	assert.Equal(t, 3, catch.Handler.HandlerPC)
	assert.Equal(t, []cfg.Node{c.BasicBlockAt(3)}, catch.Successors())
	assert.Len(t, catch.Predecessors(), 2)
	assert.Equal(t, "Catch[?->3]", catch.String())
}

func TestBuild_ExitKinds(t *testing.T) {
	c := mustBuild(t, trace{
		maxPC:  3,
		edges:  [][2]int{{0, 1}, {0, 2}, {0, 3}},
		exits:  []int{1, 3},
		abrupt: []int{2, 3},
	})

	assert.Equal(t, []cfg.Node{c.NormalReturnNode()}, c.BasicBlockAt(1).Successors())
	assert.Equal(t, []cfg.Node{c.AbnormalReturnNode()}, c.BasicBlockAt(2).Successors())
	assert.ElementsMatch(t, []cfg.Node{c.NormalReturnNode(), c.AbnormalReturnNode()}, c.BasicBlockAt(3).Successors())
	assert.Len(t, c.NormalReturnNode().Predecessors(), 2)
	assert.Len(t, c.AbnormalReturnNode().Predecessors(), 2)
}

func TestBuild_SubroutineStart(t *testing.T) {
	c := mustBuild(t, trace{
		maxPC:       4,
		edges:       [][2]int{{0, 3}, {3, 4}, {4, 1}},
		exits:       []int{1},
		subroutines: []int{3},
	})

	sub := c.BasicBlockAt(3)
	require.NotNil(t, sub)
	assert.True(t, sub.IsStartOfSubroutine)
	assert.False(t, c.StartBlock().IsStartOfSubroutine)
}

func TestBuild_OffsetLayout(t *testing.T) {
	layout := cfg.NewOffsetLayout([]int{7, 0, 3, 3})
	c := mustBuild(t, trace{
		maxPC: 9,
		edges: [][2]int{{0, 3}, {3, 7}},
		exits: []int{7},
	}, recorder.WithLayout(layout))

	assert.Equal(t, [][2]int{{0, 7}}, blockRanges(c))
	assert.Same(t, c.StartBlock(), c.BasicBlockAt(3))
	assert.True(t, c.StartBlock().Contains(5))
}

func TestBuild_PartialHandlerTable(t *testing.T) {
	handlers := []cfg.ExceptionHandler{{StartPC: 0, EndPC: 2, HandlerPC: 3}}
	c, err := build(t, trace{
		maxPC:       4,
		edges:       [][2]int{{0, 1}},
		exceptional: [][2]int{{1, 4}},
		exits:       []int{4},
	}, recorder.WithExceptionHandlers(handlers))
	require.NoError(t, err)

	require.Len(t, c.CatchNodes(), 1, "the table entry for pc 3 is never reached")
	catch := c.CatchNodes()[0]
	assert.Equal(t, "Catch[?->4]", catch.String())
	assert.Equal(t, []cfg.Node{c.BasicBlockAt(1)}, catch.Predecessors())
	assert.Equal(t, []cfg.Node{c.BasicBlockAt(4)}, catch.Successors())
}

func TestBuild_PreconditionViolations(t *testing.T) {
	t.Run("nothing recorded", func(t *testing.T) {
		_, err := build(t, trace{maxPC: 3})
		assert.ErrorIs(t, err, graph.ErrPreconditionViolation)
		assert.True(t, cfg.IsPreconditionViolation(err))
	})

	t.Run("nil recording", func(t *testing.T) {
		_, err := cfg.Build(context.Background(), nil, nil, nil)
		assert.ErrorIs(t, err, graph.ErrInvalidArgument)
	})
}

func TestBuild_Deterministic(t *testing.T) {
	tr := trace{
		maxPC:       6,
		edges:       [][2]int{{0, 1}, {1, 2}, {1, 4}, {2, 3}, {3, 1}, {4, 5}},
		exceptional: [][2]int{{2, 6}},
		exits:       []int{5, 6},
	}
	a := mustBuild(t, tr)
	b := mustBuild(t, tr)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.EdgeCount(), b.EdgeCount())
	assert.Len(t, a.AllNodes(), len(a.Blocks())+len(a.CatchNodes())+2)
}

func TestCFG_WriteDOT(t *testing.T) {
	handlers := []cfg.ExceptionHandler{{StartPC: 0, EndPC: 2, HandlerPC: 3}}
	c := mustBuild(t, trace{
		maxPC:       3,
		edges:       [][2]int{{0, 1}, {1, 2}, {2, 2}},
		exceptional: [][2]int{{1, 3}},
		exits:       []int{3},
		subroutines: []int{2},
	}, recorder.WithExceptionHandlers(handlers))

	var buf bytes.Buffer
	require.NoError(t, c.WriteDOT(&buf, "method"))
	out := buf.String()

	assert.Contains(t, out, "digraph method {")
	assert.Contains(t, out, "bb_0 -> catch_0")
	assert.Contains(t, out, "catch_0 -> bb_3")
	assert.Contains(t, out, "exit_normal")
	assert.Contains(t, out, "self-loop")
	assert.Contains(t, out, "bold")
}
