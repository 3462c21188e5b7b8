// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intset provides a compressed set of non-negative node ids.
//
// Sets are backed by roaring bitmaps, which keeps the sparse successor and
// predecessor sets of large methods small while giving ordered iteration.
//
// # Nil Sets
//
// A nil *Set behaves as an empty set for every read operation. Queries that
// have nothing to report may therefore return nil; callers never need a nil
// check before calling Contains, Len, All or Slice.
//
// # Thread Safety
//
// A Set is not safe for concurrent mutation. Concurrent reads are safe once
// the set is no longer modified.
package intset

import (
	"iter"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// Set is an ordered set of non-negative ints.
type Set struct {
	bm *roaring.Bitmap
}

// New returns an empty set.
func New() *Set {
	return &Set{bm: roaring.New()}
}

// Of returns a set containing the given ids. Negative ids are ignored.
func Of(ids ...int) *Set {
	s := New()
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was not yet present.
//
// Negative ids are not representable and are ignored (false is returned).
func (s *Set) Add(id int) bool {
	if id < 0 {
		return false
	}
	return s.bm.CheckedAdd(uint32(id))
}

// Remove deletes id if present.
func (s *Set) Remove(id int) {
	if s == nil || id < 0 {
		return
	}
	s.bm.Remove(uint32(id))
}

// AddAll inserts every id of o.
func (s *Set) AddAll(o *Set) {
	if o == nil {
		return
	}
	s.bm.Or(o.bm)
}

// Contains reports whether id is a member.
func (s *Set) Contains(id int) bool {
	if s == nil || id < 0 {
		return false
	}
	return s.bm.Contains(uint32(id))
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool {
	return s == nil || s.bm.IsEmpty()
}

// Min returns the smallest member. ok is false for an empty set.
func (s *Set) Min() (id int, ok bool) {
	if s.IsEmpty() {
		return 0, false
	}
	return int(s.bm.Minimum()), true
}

// All iterates the members in increasing order.
func (s *Set) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		if s == nil {
			return
		}
		s.bm.Iterate(func(x uint32) bool {
			return yield(int(x))
		})
	}
}

// Slice returns the members in increasing order. Never nil.
func (s *Set) Slice() []int {
	if s == nil {
		return []int{}
	}
	out := make([]int, 0, s.bm.GetCardinality())
	s.bm.Iterate(func(x uint32) bool {
		out = append(out, int(x))
		return true
	})
	return out
}

// Clone returns an independent copy. Cloning nil yields an empty set.
func (s *Set) Clone() *Set {
	if s == nil {
		return New()
	}
	return &Set{bm: s.bm.Clone()}
}

// Union returns a new set holding the members of s and o.
func (s *Set) Union(o *Set) *Set {
	out := s.Clone()
	out.AddAll(o)
	return out
}

// Difference returns a new set holding the members of s that are not in o.
func (s *Set) Difference(o *Set) *Set {
	out := s.Clone()
	if o != nil {
		out.bm.AndNot(o.bm)
	}
	return out
}

// Equal reports whether s and o have the same members.
func (s *Set) Equal(o *Set) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return s.IsEmpty() && o.IsEmpty()
	}
	return s.bm.Equals(o.bm)
}

// IsSingleton reports whether the set is exactly {id}.
func (s *Set) IsSingleton(id int) bool {
	return s.Len() == 1 && s.Contains(id)
}

// String renders the set as "{1, 4, 7}".
func (s *Set) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for id := range s.All() {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(strconv.Itoa(id))
	}
	b.WriteByte('}')
	return b.String()
}
