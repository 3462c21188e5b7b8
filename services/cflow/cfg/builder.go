// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var buildTracer = otel.Tracer("cflow.cfg")

// Build folds a frozen recording into a basic-block CFG.
//
// Description:
//
//	Walks the reached instructions in layout order and ends the running
//	block at pc when any of the following holds:
//
//	  (a) pc has no regular successor
//	  (b) pc's regular successors are not exactly {next pc}
//	  (c) pc has an exceptional successor
//	  (d) the next pc has more than one predecessor
//	  (e) pc is an exit pc
//
//	Exception-table entries become catch nodes only if their handler was
//	reached and some instruction in the guarded range has an exceptional
//	edge to it. Exceptional edges covered by no entry get one synthesized
//	catch node per handler pc.
//
// Inputs:
//
//   - ctx: Carries the tracing span and logger context.
//   - rec: The recording. Must have recorded at least one instruction.
//   - handlers: The exception table. May be nil.
//   - layout: Instruction layout. nil means SequentialLayout.
//
// Outputs:
//
//   - *CFG: The graph.
//   - error: *BuildError wrapping graph.ErrPreconditionViolation when
//     nothing was recorded. A partial exception table is not an error.
//
// Thread Safety: Safe for concurrent use if rec is.
//
// Complexity: O(maxPC + E + H·R) for H handlers guarding R pcs.
func Build(ctx context.Context, rec Recording, handlers []ExceptionHandler, layout Layout) (*CFG, error) {
	if rec == nil {
		return nil, &BuildError{Op: "Build", PC: graph.NoNode, Message: "recording must not be nil", Err: graph.ErrInvalidArgument}
	}
	if layout == nil {
		layout = SequentialLayout{}
	}

	startTime := time.Now()
	maxPC := rec.MaxPC()

	ctx, span := buildTracer.Start(ctx, "cfg.Build",
		trace.WithAttributes(
			attribute.Int("max_pc", maxPC),
			attribute.Int("handler_count", len(handlers)),
		),
	)
	defer span.End()

	b := &builder{
		rec:    rec,
		layout: layout,
		maxPC:  maxPC,
		cfg: &CFG{
			byPC:     make([]*BasicBlock, max(maxPC+1, 0)),
			normal:   &ExitNode{Normal: true},
			abnormal: &ExitNode{Normal: false},
		},
	}

	if err := b.validate(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	b.formBlocks()
	span.AddEvent("blocks_formed", trace.WithAttributes(attribute.Int("block_count", len(b.cfg.blocks))))

	b.realizeCatchNodes(handlers)
	b.connectBlocks()

	span.SetAttributes(
		attribute.Int("block_count", len(b.cfg.blocks)),
		attribute.Int("catch_node_count", len(b.cfg.catchNodes)),
	)
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("cfg: built",
		slog.Int("max_pc", maxPC),
		slog.Int("blocks", len(b.cfg.blocks)),
		slog.Int("catch_nodes", len(b.cfg.catchNodes)),
		slog.Duration("duration", time.Since(startTime)),
	)

	return b.cfg, nil
}

type builder struct {
	rec    Recording
	layout Layout
	maxPC  int
	cfg    *CFG

	// synthesized catch nodes by handler pc
	synthesized map[int]*CatchNode
}

// reached reports whether pc belongs in the graph: it either left a
// recorded trace of its own or is the target of a recorded edge.
func (b *builder) reached(pc int) bool {
	return b.rec.WasExecuted(pc) || !b.rec.PredecessorsOf(pc).IsEmpty()
}

// pcs iterates the instruction pcs in layout order.
func (b *builder) pcs(yield func(int) bool) {
	for pc := 0; pc <= b.maxPC; pc = nextPC(b.layout, pc) {
		if !yield(pc) {
			return
		}
	}
}

func (b *builder) validate() error {
	anything := false
	for pc := range b.pcs {
		if b.rec.WasExecuted(pc) {
			anything = true
			break
		}
	}
	if !anything {
		return &BuildError{Op: "Build", PC: graph.NoNode, Message: "no instruction was recorded", Err: graph.ErrPreconditionViolation}
	}
	return nil
}

func (b *builder) formBlocks() {
	var current *BasicBlock
	for pc := range b.pcs {
		if !b.reached(pc) {
			current = nil
			continue
		}
		if current == nil {
			current = &BasicBlock{StartPC: pc}
			b.cfg.blocks = append(b.cfg.blocks, current)
		}
		current.EndPC = pc
		b.cfg.byPC[pc] = current
		if b.rec.IsSubroutineStart(pc) {
			current.IsStartOfSubroutine = true
		}
		if b.endsBlock(pc) {
			current = nil
		}
	}
}

func (b *builder) endsBlock(pc int) bool {
	regular := b.rec.RegularSuccessorsOf(pc)
	next := nextPC(b.layout, pc)
	switch {
	case regular.IsEmpty():
		return true
	case !regular.IsSingleton(next):
		return true
	case !b.rec.ExceptionSuccessorsOf(pc).IsEmpty():
		return true
	case b.rec.PredecessorsOf(next).Len() > 1:
		return true
	case b.rec.IsExitPC(pc):
		return true
	}
	return false
}

func (b *builder) realizeCatchNodes(handlers []ExceptionHandler) {
	for i, h := range handlers {
		handlerBlock := b.cfg.BasicBlockAt(h.HandlerPC)
		if handlerBlock == nil || !b.guardedRangeThrowsTo(h) {
			continue
		}
		cn := &CatchNode{Index: i, Handler: h}
		connect(cn, handlerBlock)
		b.cfg.catchNodes = append(b.cfg.catchNodes, cn)
	}
}

func (b *builder) guardedRangeThrowsTo(h ExceptionHandler) bool {
	for pc := max(h.StartPC, 0); pc < h.EndPC && pc <= b.maxPC; pc++ {
		if b.rec.ExceptionSuccessorsOf(pc).Contains(h.HandlerPC) {
			return true
		}
	}
	return false
}

func (b *builder) connectBlocks() {
	realized := len(b.cfg.catchNodes)

	for _, bb := range b.cfg.blocks {
		end := bb.EndPC

		for target := range b.rec.RegularSuccessorsOf(end).All() {
			if tb := b.cfg.BasicBlockAt(target); tb != nil {
				connect(bb, tb)
			}
		}

		for target := range b.rec.ExceptionSuccessorsOf(end).All() {
			covered := false
			for _, cn := range b.cfg.catchNodes[:realized] {
				if cn.Handler.HandlerPC == target && cn.Handler.Guards(end) {
					connect(bb, cn)
					covered = true
				}
			}
			if !covered {
				if cn := b.synthesizedCatch(target); cn != nil {
					connect(bb, cn)
				}
			}
		}

		// A pc may be recorded as both kinds of exit.
		if b.rec.IsNormalExitPC(end) {
			connect(bb, b.cfg.normal)
		}
		if b.rec.IsAbruptExitPC(end) {
			connect(bb, b.cfg.abnormal)
		}
	}
}

func (b *builder) synthesizedCatch(handlerPC int) *CatchNode {
	if cn, ok := b.synthesized[handlerPC]; ok {
		return cn
	}
	handlerBlock := b.cfg.BasicBlockAt(handlerPC)
	if handlerBlock == nil {
		return nil
	}
	if b.synthesized == nil {
		b.synthesized = make(map[int]*CatchNode)
	}
	cn := &CatchNode{Index: -1, Handler: ExceptionHandler{StartPC: graph.NoNode, EndPC: graph.NoNode, HandlerPC: handlerPC}}
	connect(cn, handlerBlock)
	b.synthesized[handlerPC] = cn
	b.cfg.catchNodes = append(b.cfg.catchNodes, cn)
	return cn
}
