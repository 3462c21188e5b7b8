// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides dominator, post-dominator and control-dependence
// analyses over dense integer-id graphs.
//
// Nodes are non-negative ints (instruction offsets when analyzing a method)
// bounded by a caller-supplied maxNode. Graphs are never materialized by the
// algorithms: callers implement the Graph interface and the engines pull
// successors and predecessors through it.
//
// # Thread Safety
//
// Computation functions are safe for concurrent use as long as the Graph
// implementation is. Result trees are immutable after construction and safe
// for concurrent reads.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every cflow package.
var (
	// ErrInvalidArgument is returned for node ids outside [0, maxNode] and
	// for asking the dominator of the start node.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPreconditionViolation indicates that the driving interpreter broke
	// the recording protocol, e.g. recording after Freeze.
	ErrPreconditionViolation = errors.New("precondition violation")

	// ErrIllegalState is returned when a derived structure is requested
	// before recording was finalized.
	ErrIllegalState = errors.New("illegal state")
)

// DominatorError represents an error in dominator computation or a
// dominator-tree query.
type DominatorError struct {
	// Op names the failing operation, e.g. "Dom".
	Op string

	// Node is the offending node id, or NoNode.
	Node int

	// Message describes the failure.
	Message string

	// Err is the sentinel this error wraps.
	Err error
}

func (e *DominatorError) Error() string {
	if e.Node == NoNode {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s(%d): %s", e.Op, e.Node, e.Message)
}

func (e *DominatorError) Unwrap() error {
	return e.Err
}

func invalidNode(op string, node int, msg string) error {
	return &DominatorError{Op: op, Node: node, Message: msg, Err: ErrInvalidArgument}
}
