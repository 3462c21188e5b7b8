// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cfg folds per-instruction flow recordings into a basic-block
// control-flow graph with explicit catch and exit nodes.
package cfg

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/intset"
)

// Recording is the read-only view of a recorded method the builder needs.
// *recorder.Recorder implements it.
type Recording interface {
	MaxPC() int
	WasExecuted(pc int) bool
	RegularSuccessorsOf(pc int) *intset.Set
	ExceptionSuccessorsOf(pc int) *intset.Set
	PredecessorsOf(pc int) *intset.Set
	IsExitPC(pc int) bool
	IsNormalExitPC(pc int) bool
	IsAbruptExitPC(pc int) bool
	IsSubroutineStart(pc int) bool
}

// ExceptionHandler is one entry of a method's exception table.
type ExceptionHandler struct {
	// StartPC is the first guarded pc (inclusive).
	StartPC int `yaml:"start_pc" json:"start_pc"`

	// EndPC is the end of the guarded range (exclusive).
	EndPC int `yaml:"end_pc" json:"end_pc"`

	// HandlerPC is the first pc of the handler code.
	HandlerPC int `yaml:"handler_pc" json:"handler_pc"`

	// CatchType names the caught type; empty catches everything.
	CatchType string `yaml:"catch_type,omitempty" json:"catch_type,omitempty"`
}

// Guards reports whether pc lies in the guarded range.
func (h ExceptionHandler) Guards(pc int) bool {
	return pc >= h.StartPC && pc < h.EndPC
}

// BuildError describes a failed CFG construction.
type BuildError struct {
	Op      string
	PC      int
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.PC == graph.NoNode {
		return fmt.Sprintf("cfg %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("cfg %s: pc %d: %s", e.Op, e.PC, e.Message)
}

func (e *BuildError) Unwrap() error { return e.Err }

// IsPreconditionViolation reports whether err stems from a broken
// recording protocol.
func IsPreconditionViolation(err error) bool {
	return errors.Is(err, graph.ErrPreconditionViolation)
}

// =============================================================================
// Nodes
// =============================================================================

// NodeKind distinguishes the node types of a CFG.
type NodeKind int

const (
	KindBasicBlock NodeKind = iota
	KindCatch
	KindExit
)

func (k NodeKind) String() string {
	switch k {
	case KindBasicBlock:
		return "basic_block"
	case KindCatch:
		return "catch"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// Node is a basic block, catch node or exit node.
type Node interface {
	Kind() NodeKind
	Predecessors() []Node
	Successors() []Node
	String() string

	edges() *edgeSet
}

// edgeSet holds the edges of a node.
type edgeSet struct {
	preds []Node
	succs []Node
}

func (l *edgeSet) edges() *edgeSet { return l }

// Predecessors returns the nodes with an edge into this node.
func (l *edgeSet) Predecessors() []Node { return l.preds }

// Successors returns the nodes this node has an edge to.
func (l *edgeSet) Successors() []Node { return l.succs }

// connect adds from->to once.
func connect(from, to Node) {
	fl := from.edges()
	if slices.Contains(fl.succs, to) {
		return
	}
	fl.succs = append(fl.succs, to)
	tl := to.edges()
	tl.preds = append(tl.preds, from)
}

// BasicBlock is a maximal run of instructions [StartPC, EndPC] entered
// only at StartPC and left only at EndPC.
type BasicBlock struct {
	edgeSet

	StartPC int
	EndPC   int

	// IsStartOfSubroutine is set when the block holds a jsr/ret
	// subroutine entry.
	IsStartOfSubroutine bool
}

func (b *BasicBlock) Kind() NodeKind { return KindBasicBlock }

func (b *BasicBlock) String() string {
	return fmt.Sprintf("BB[%d-%d]", b.StartPC, b.EndPC)
}

// Contains reports whether pc belongs to the block's range.
func (b *BasicBlock) Contains(pc int) bool {
	return pc >= b.StartPC && pc <= b.EndPC
}

// CatchNode stands for one exception-table entry. Its predecessors are the
// blocks whose last instruction may throw into the handler; its single
// successor is the handler block.
type CatchNode struct {
	edgeSet

	// Index is the position in the exception table, or -1 for a catch
	// node synthesized for an exceptional edge no entry covers.
	Index int

	Handler ExceptionHandler
}

func (c *CatchNode) Kind() NodeKind { return KindCatch }

func (c *CatchNode) String() string {
	if c.Index < 0 {
		return fmt.Sprintf("Catch[?->%d]", c.Handler.HandlerPC)
	}
	return fmt.Sprintf("Catch#%d[%d-%d)->%d", c.Index, c.Handler.StartPC, c.Handler.EndPC, c.Handler.HandlerPC)
}

// ExitNode is the sink of one termination kind.
type ExitNode struct {
	edgeSet

	// Normal is true for the normal-return exit and false for the
	// abnormal (exception) exit.
	Normal bool
}

func (e *ExitNode) Kind() NodeKind { return KindExit }

func (e *ExitNode) String() string {
	if e.Normal {
		return "NormalReturn"
	}
	return "AbnormalReturn"
}

// =============================================================================
// CFG
// =============================================================================

// CFG is the basic-block control-flow graph of one method.
//
// Thread Safety: Immutable after Build; safe for concurrent reads.
type CFG struct {
	blocks     []*BasicBlock
	byPC       []*BasicBlock
	catchNodes []*CatchNode
	normal     *ExitNode
	abnormal   *ExitNode
}

// BasicBlockAt returns the block containing pc, or nil if pc was not
// reached.
func (c *CFG) BasicBlockAt(pc int) *BasicBlock {
	if pc < 0 || pc >= len(c.byPC) {
		return nil
	}
	return c.byPC[pc]
}

// Blocks returns the blocks ordered by StartPC.
func (c *CFG) Blocks() []*BasicBlock { return c.blocks }

// StartBlock returns the block containing pc 0.
func (c *CFG) StartBlock() *BasicBlock { return c.BasicBlockAt(0) }

// CatchNodes returns the realized catch nodes: exception-table entries in
// table order, then synthesized ones.
func (c *CFG) CatchNodes() []*CatchNode { return c.catchNodes }

// NormalReturnNode returns the exit reached by normal returns.
func (c *CFG) NormalReturnNode() *ExitNode { return c.normal }

// AbnormalReturnNode returns the exit reached by uncaught exceptions.
func (c *CFG) AbnormalReturnNode() *ExitNode { return c.abnormal }

// AllNodes returns every node: blocks, catch nodes, then both exits.
func (c *CFG) AllNodes() []Node {
	nodes := make([]Node, 0, len(c.blocks)+len(c.catchNodes)+2)
	for _, b := range c.blocks {
		nodes = append(nodes, b)
	}
	for _, cn := range c.catchNodes {
		nodes = append(nodes, cn)
	}
	return append(nodes, c.normal, c.abnormal)
}

// EdgeCount returns the number of edges between nodes.
func (c *CFG) EdgeCount() int {
	count := 0
	for _, n := range c.AllNodes() {
		count += len(n.Successors())
	}
	return count
}

// String renders one line per node with its successors, in AllNodes order.
func (c *CFG) String() string {
	var b strings.Builder
	for _, n := range c.AllNodes() {
		b.WriteString(n.String())
		b.WriteString(" ->")
		for _, s := range n.Successors() {
			b.WriteByte(' ')
			b.WriteString(s.String())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Equal reports whether two CFGs have the same nodes and edges.
func (c *CFG) Equal(other *CFG) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.String() == other.String()
}
