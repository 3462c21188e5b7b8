// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_AddContains(t *testing.T) {
	s := New()

	assert.True(t, s.Add(3))
	assert.False(t, s.Add(3), "second add of same id must report no change")
	assert.False(t, s.Add(-1), "negative ids are ignored")

	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(4))
	assert.False(t, s.Contains(-1))
	assert.Equal(t, 1, s.Len())
}

func TestSet_NilBehavesAsEmpty(t *testing.T) {
	var s *Set

	assert.True(t, s.IsEmpty())
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains(0))
	assert.Equal(t, []int{}, s.Slice())
	assert.Equal(t, "{}", s.String())
	assert.True(t, s.Equal(New()))

	_, ok := s.Min()
	assert.False(t, ok)

	for range s.All() {
		t.Fatal("nil set must not yield members")
	}
}

func TestSet_OrderedIteration(t *testing.T) {
	s := Of(9, 1, 5, 1)

	assert.Equal(t, []int{1, 5, 9}, s.Slice())
	assert.Equal(t, "{1, 5, 9}", s.String())

	var seen []int
	for id := range s.All() {
		seen = append(seen, id)
		if id == 5 {
			break
		}
	}
	assert.Equal(t, []int{1, 5}, seen, "iteration must stop when yield returns false")

	min, ok := s.Min()
	assert.True(t, ok)
	assert.Equal(t, 1, min)
}

func TestSet_Algebra(t *testing.T) {
	a := Of(1, 2, 3)
	b := Of(3, 4)

	assert.Equal(t, []int{1, 2, 3, 4}, a.Union(b).Slice())
	assert.Equal(t, []int{1, 2}, a.Difference(b).Slice())
	assert.Equal(t, []int{1, 2, 3}, a.Slice(), "operands must not be modified")
	assert.Equal(t, []int{1, 2, 3}, a.Difference(nil).Slice())

	c := a.Clone()
	c.Remove(1)
	assert.True(t, a.Contains(1), "clone must be independent")
	assert.False(t, c.Contains(1))

	assert.True(t, Of(2, 3).Equal(Of(3, 2)))
	assert.False(t, Of(2, 3).Equal(Of(2)))
	assert.True(t, Of(7).IsSingleton(7))
	assert.False(t, Of(7, 8).IsSingleton(7))
}
