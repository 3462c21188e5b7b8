// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recorder records the flow graph traversed while abstractly
// interpreting one method and derives its control-flow structures.
//
// # Lifecycle
//
//  1. New (or Init to reuse an instance for the next method)
//  2. RecordEdge / RecordExit / RecordAbruptExit / RecordSubroutineStart /
//     RecordExceptionalOnly, called by the interpreter for every instruction
//     transition
//  3. Freeze
//  4. Queries and derived structures (DominatorTree, PostDominatorTree,
//     ControlDependencies, BasicBlockCFG)
//
// # Thread Safety
//
// Recording is single-writer: no Record* call may run concurrently with
// any other call. After Freeze every query and derived accessor is safe for
// concurrent use. Each derived structure is computed at most once at a
// time; concurrent callers wait for and share that computation.
//
// # Soft Caching
//
// Derived structures are cached per recorder. When a shared cache.Evictor
// is configured, least recently used structures may be dropped and are
// transparently recomputed on next access.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/AleutianAI/cflow/services/cflow/cfg"
	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/intset"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"github.com/google/uuid"
)

// Derived structure kinds, used as memo, metric and evictor labels.
const (
	KindDominatorTree       = "dominator_tree"
	KindPostDominatorTree   = "post_dominator_tree"
	KindControlDependencies = "control_dependencies"
	KindBasicBlockCFG       = "basic_block_cfg"
)

// RecorderError describes a rejected recorder call.
type RecorderError struct {
	Op      string
	PC      int
	Message string
	Err     error
}

func (e *RecorderError) Error() string {
	if e.PC == graph.NoNode {
		return fmt.Sprintf("recorder %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("recorder %s: pc %d: %s", e.Op, e.PC, e.Message)
}

func (e *RecorderError) Unwrap() error { return e.Err }

// Option configures a Recorder.
type Option func(*Recorder)

// WithExceptionHandlers sets the exception table used by BasicBlockCFG.
func WithExceptionHandlers(handlers []cfg.ExceptionHandler) Option {
	return func(r *Recorder) {
		r.handlers = handlers
	}
}

// WithLayout sets the instruction layout used by BasicBlockCFG.
func WithLayout(layout cfg.Layout) Option {
	return func(r *Recorder) {
		r.layout = layout
	}
}

// WithEvictor shares a soft-cache evictor between recorders.
func WithEvictor(e *cache.Evictor) Option {
	return func(r *Recorder) {
		r.evictor = e
	}
}

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Recorder accumulates the edges of one method's flow graph.
//
// Thread Safety: See the package documentation.
type Recorder struct {
	id         string
	generation uint64
	logger     *slog.Logger
	evictor    *cache.Evictor
	handlers   []cfg.ExceptionHandler
	layout     cfg.Layout

	maxPC       int
	regular     []*intset.Set
	exceptional []*intset.Set
	normalExits *intset.Set
	abruptExits *intset.Set
	jumpBack    *intset.Set
	subroutines *intset.Set
	excOnly     *intset.Set
	edgeCount   int
	frozen      atomic.Bool

	predMu sync.Mutex
	preds  []*intset.Set

	domTree memo[*graph.DominatorTree]
	postDom memo[*graph.PostDominatorTree]
	control memo[*graph.ControlDependencies]
	blocks  memo[*cfg.CFG]
}

// New creates a recorder for a method whose pcs lie in [0, maxPC].
//
// Returns ErrInvalidArgument for a negative maxPC.
func New(maxPC int, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		id:     uuid.NewString(),
		logger: slog.Default(),
	}
	r.domTree.kind = KindDominatorTree
	r.postDom.kind = KindPostDominatorTree
	r.control.kind = KindControlDependencies
	r.blocks.kind = KindBasicBlockCFG

	if err := r.Init(maxPC, opts...); err != nil {
		return nil, err
	}
	return r, nil
}

// Init clears all recorded and cached state so the recorder can be reused
// for the next method.
//
// The exception table and layout are reset to their defaults before opts
// are applied; the logger and evictor are kept unless opts replace them.
func (r *Recorder) Init(maxPC int, opts ...Option) error {
	if maxPC < 0 {
		return &RecorderError{Op: "Init", PC: maxPC, Message: "maxPC must not be negative", Err: graph.ErrInvalidArgument}
	}

	r.forgetDerived()
	r.generation++

	r.handlers = nil
	r.layout = cfg.SequentialLayout{}
	for _, opt := range opts {
		opt(r)
	}

	r.maxPC = maxPC
	r.regular = make([]*intset.Set, maxPC+1)
	r.exceptional = make([]*intset.Set, maxPC+1)
	r.normalExits = intset.New()
	r.abruptExits = intset.New()
	r.jumpBack = intset.New()
	r.subroutines = intset.New()
	r.excOnly = intset.New()
	r.edgeCount = 0
	r.frozen.Store(false)

	r.predMu.Lock()
	r.preds = nil
	r.predMu.Unlock()

	return nil
}

// forgetDerived clears the memo cells and their evictor entries.
func (r *Recorder) forgetDerived() {
	for _, kind := range []string{KindDominatorTree, KindPostDominatorTree, KindControlDependencies, KindBasicBlockCFG} {
		if r.evictor != nil {
			r.evictor.Forget(r.key(kind))
		}
	}
	r.domTree.reset()
	r.postDom.reset()
	r.control.reset()
	r.blocks.reset()
}

func (r *Recorder) key(kind string) cache.Key {
	return cache.Key{Owner: r.id, Kind: kind, Generation: r.generation}
}

// ID returns the recorder's instance id.
func (r *Recorder) ID() string { return r.id }

// Generation counts Init calls; it changes whenever the recording restarts.
func (r *Recorder) Generation() uint64 { return r.generation }

// MaxPC returns the largest valid pc.
func (r *Recorder) MaxPC() int { return r.maxPC }

// IsFrozen reports whether Freeze was called since the last Init.
func (r *Recorder) IsFrozen() bool { return r.frozen.Load() }

// ExceptionHandlers returns the configured exception table.
func (r *Recorder) ExceptionHandlers() []cfg.ExceptionHandler { return r.handlers }

// =============================================================================
// Recording
// =============================================================================

func (r *Recorder) checkRecordable(op string, pcs ...int) error {
	if r.frozen.Load() {
		return &RecorderError{Op: op, PC: pcs[0], Message: "recording is frozen", Err: graph.ErrPreconditionViolation}
	}
	for _, pc := range pcs {
		if pc < 0 || pc > r.maxPC {
			return &RecorderError{Op: op, PC: pc, Message: fmt.Sprintf("pc outside [0, %d]", r.maxPC), Err: graph.ErrInvalidArgument}
		}
	}
	return nil
}

// RecordEdge records that control may flow from one pc to another.
//
// Recording the same edge again has no effect. An edge with to <= from
// marks to as a jump-back target. A regular edge out of a pc declared by
// RecordExceptionalOnly is an ErrPreconditionViolation.
func (r *Recorder) RecordEdge(from, to int, isExceptional bool) error {
	if err := r.checkRecordable("RecordEdge", from, to); err != nil {
		return err
	}
	if !isExceptional && r.excOnly.Contains(from) {
		return &RecorderError{Op: "RecordEdge", PC: from,
			Message: fmt.Sprintf("regular edge to %d from an exceptional-only pc", to),
			Err:     graph.ErrPreconditionViolation}
	}

	succs := r.regular
	if isExceptional {
		succs = r.exceptional
	}
	if succs[from] == nil {
		succs[from] = intset.New()
	}
	if succs[from].Add(to) {
		r.edgeCount++
		r.predMu.Lock()
		r.preds = nil
		r.predMu.Unlock()
	}

	if to <= from {
		r.jumpBack.Add(to)
	}
	return nil
}

// RecordExceptionalOnly declares that the instruction at pc can only
// complete abruptly (an athrow, for example): every edge out of it is
// exceptional.
//
// Returns ErrPreconditionViolation if a regular edge from pc was already
// recorded.
func (r *Recorder) RecordExceptionalOnly(pc int) error {
	if err := r.checkRecordable("RecordExceptionalOnly", pc); err != nil {
		return err
	}
	if !r.regular[pc].IsEmpty() {
		return &RecorderError{Op: "RecordExceptionalOnly", PC: pc,
			Message: fmt.Sprintf("pc already has regular successors %s", r.regular[pc]),
			Err:     graph.ErrPreconditionViolation}
	}
	r.excOnly.Add(pc)
	return nil
}

// RecordExit marks pc as a normal method exit (a return).
func (r *Recorder) RecordExit(pc int) error {
	if err := r.checkRecordable("RecordExit", pc); err != nil {
		return err
	}
	r.normalExits.Add(pc)
	return nil
}

// RecordAbruptExit marks pc as an exit through an uncaught exception.
func (r *Recorder) RecordAbruptExit(pc int) error {
	if err := r.checkRecordable("RecordAbruptExit", pc); err != nil {
		return err
	}
	r.abruptExits.Add(pc)
	return nil
}

// RecordSubroutineStart marks pc as the entry of a jsr/ret subroutine.
func (r *Recorder) RecordSubroutineStart(pc int) error {
	if err := r.checkRecordable("RecordSubroutineStart", pc); err != nil {
		return err
	}
	r.subroutines.Add(pc)
	return nil
}

// Freeze ends recording. Later Record* calls fail with
// ErrPreconditionViolation. Calling Freeze twice is harmless.
func (r *Recorder) Freeze(ctx context.Context) {
	if r.frozen.Swap(true) {
		return
	}
	telemetry.LoggerWithRecorder(ctx, r.logger, r.id).Debug("recorder: frozen",
		slog.Uint64("generation", r.generation),
		slog.Int("max_pc", r.maxPC),
		slog.Int("edges", r.edgeCount),
		slog.Int("exits", r.normalExits.Len()+r.abruptExits.Len()),
		slog.Int("jump_back_targets", r.jumpBack.Len()),
	)
}
