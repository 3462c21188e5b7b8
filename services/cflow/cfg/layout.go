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
	"slices"
)

// Layout maps an instruction to the instruction that follows it in the
// method body. Block construction uses it to recognize fall-through edges.
type Layout interface {
	// NextPC returns the pc of the instruction after pc. It must be
	// greater than pc.
	NextPC(pc int) int
}

// SequentialLayout places one instruction at every pc.
type SequentialLayout struct{}

// NextPC returns pc+1.
func (SequentialLayout) NextPC(pc int) int { return pc + 1 }

// OffsetLayout describes variable-length instructions at known offsets.
type OffsetLayout struct {
	pcs []int
}

// NewOffsetLayout creates a layout from the instruction offsets of a
// method. Order and duplicates do not matter.
func NewOffsetLayout(pcs []int) *OffsetLayout {
	sorted := slices.Clone(pcs)
	slices.Sort(sorted)
	return &OffsetLayout{pcs: slices.Compact(sorted)}
}

// NextPC returns the offset of the next instruction, or pc+1 when pc is
// the last instruction or not an instruction offset.
func (l *OffsetLayout) NextPC(pc int) int {
	i, found := slices.BinarySearch(l.pcs, pc)
	if !found || i+1 >= len(l.pcs) {
		return pc + 1
	}
	return l.pcs[i+1]
}

// nextPC guards against layouts that do not advance.
func nextPC(l Layout, pc int) int {
	if next := l.NextPC(pc); next > pc {
		return next
	}
	return pc + 1
}
