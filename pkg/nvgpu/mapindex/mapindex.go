// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mapindex provides an index of non-overlapping address ranges,
// ordered by start address.
package mapindex

import (
	"fmt"

	"github.com/google/btree"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
)

// degree is the B-tree degree. Address spaces hold at most a few thousand
// mappings.
const degree = 16

// Ranged is implemented by values stored in an Index.
type Ranged interface {
	// AddrRange returns the range occupied by the value. It must not
	// change while the value is in an index.
	AddrRange() gmmu.AddrRange
}

type entry[T Ranged] struct {
	r   gmmu.AddrRange
	val T
}

func less[T Ranged](a, b entry[T]) bool {
	return a.r.Start < b.r.Start
}

// Index is an ordered set of values with pairwise disjoint ranges.
//
// Index is not synchronized.
type Index[T Ranged] struct {
	tree *btree.BTreeG[entry[T]]
}

// New returns an empty Index.
func New[T Ranged]() *Index[T] {
	return &Index[T]{tree: btree.NewG[entry[T]](degree, less[T])}
}

// pivot returns a search key starting at addr.
func pivot[T Ranged](addr gmmu.Addr) entry[T] {
	return entry[T]{r: gmmu.AddrRange{Start: addr, End: addr}}
}

// floor returns the entry with the greatest start <= addr.
func (x *Index[T]) floor(addr gmmu.Addr) (e entry[T], ok bool) {
	x.tree.DescendLessOrEqual(pivot[T](addr), func(item entry[T]) bool {
		e, ok = item, true
		return false
	})
	return
}

// ceil returns the entry with the least start >= addr.
func (x *Index[T]) ceil(addr gmmu.Addr) (e entry[T], ok bool) {
	x.tree.AscendGreaterOrEqual(pivot[T](addr), func(item entry[T]) bool {
		e, ok = item, true
		return false
	})
	return
}

// Insert adds v. It fails with ErrOverlap if v's range intersects the range
// of a value already in the index, and with ErrInvalidAlignment if the range
// is empty or malformed.
func (x *Index[T]) Insert(v T) error {
	r := v.AddrRange()
	if !r.WellFormed() || r.Length() == 0 {
		return fmt.Errorf("inserting empty range %v: %w", r, gmmuerr.ErrInvalidAlignment)
	}
	if prev, ok := x.floor(r.Start); ok && prev.r.Overlaps(r) {
		return fmt.Errorf("inserting %v: collides with %v: %w", r, prev.r, gmmuerr.ErrOverlap)
	}
	if next, ok := x.ceil(r.Start); ok && next.r.Overlaps(r) {
		return fmt.Errorf("inserting %v: collides with %v: %w", r, next.r, gmmuerr.ErrOverlap)
	}
	x.tree.ReplaceOrInsert(entry[T]{r: r, val: v})
	return nil
}

// Find returns the value whose range contains addr.
func (x *Index[T]) Find(addr gmmu.Addr) (T, bool) {
	if e, ok := x.floor(addr); ok && e.r.Contains(addr) {
		return e.val, true
	}
	var zero T
	return zero, false
}

// Overlapping returns the values whose ranges intersect r, in address order.
func (x *Index[T]) Overlapping(r gmmu.AddrRange) []T {
	var vs []T
	start := r.Start
	if e, ok := x.floor(r.Start); ok {
		start = e.r.Start
	}
	x.tree.AscendGreaterOrEqual(pivot[T](start), func(e entry[T]) bool {
		if e.r.Start >= r.End {
			return false
		}
		if e.r.Overlaps(r) {
			vs = append(vs, e.val)
		}
		return true
	})
	return vs
}

// Remove removes v. It returns false if v is not in the index.
func (x *Index[T]) Remove(v T) bool {
	r := v.AddrRange()
	e, ok := x.tree.Get(pivot[T](r.Start))
	if !ok || any(e.val) != any(v) {
		return false
	}
	x.tree.Delete(e)
	return true
}

// Enumerate returns every value in address order. Each call returns a fresh
// snapshot that is unaffected by later changes to the index.
func (x *Index[T]) Enumerate() []T {
	vs := make([]T, 0, x.tree.Len())
	x.tree.Ascend(func(e entry[T]) bool {
		vs = append(vs, e.val)
		return true
	})
	return vs
}

// Len returns the number of values in the index.
func (x *Index[T]) Len() int {
	return x.tree.Len()
}

// Clear removes every value.
func (x *Index[T]) Clear() {
	x.tree.Clear(false)
}
