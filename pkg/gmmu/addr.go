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

// Package gmmu describes the GPU memory-management unit address space: GPU
// virtual addresses, page-size classes and the fixed GMMU geometry shared by
// the page table, allocator and address space packages.
package gmmu

import (
	"fmt"
)

// Addr represents a GPU virtual address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	return end, end >= v
}

// RoundDown returns the address rounded down to the nearest multiple of
// align, which must be a power of two.
func (v Addr) RoundDown(align uint64) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns the address rounded up to the nearest multiple of align,
// which must be a power of two. ok is true iff rounding up did not wrap
// around.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(v + Addr(align-1)).RoundDown(align)
	ok = addr >= v
	return
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// AddrRange is a range of GPU virtual addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// WellFormed returns true if r.Start <= r.End.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2
// is contained within r.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// RoundUpSize rounds size up to a multiple of align, which must be a power of
// two. ok is false on overflow.
func RoundUpSize(size, align uint64) (uint64, bool) {
	r := (size + align - 1) &^ (align - 1)
	return r, r >= size
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Log2 returns the base-2 logarithm of v, which must be a power of two.
func Log2(v uint64) uint {
	if !IsPowerOfTwo(v) {
		panic(fmt.Sprintf("Log2(%#x): not a power of two", v))
	}
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
