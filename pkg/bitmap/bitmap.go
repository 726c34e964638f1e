// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap with range operations, used
// to track page occupancy in address space allocators.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap implements an efficient fixed-size bitmap.
//
// Bitmap is not synchronized.
type Bitmap struct {
	// size is the number of bits in the bitmap.
	size uint64

	// numOnes is the number of ones in the bitmap.
	numOnes uint64

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap of size bits.
func New(size uint64) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// Count returns the number of ones in the bitmap.
func (b *Bitmap) Count() uint64 {
	return b.numOnes
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsSet returns whether bit i is set.
func (b *Bitmap) IsSet(i uint64) bool {
	b.checkIndex(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

func (b *Bitmap) checkIndex(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap index %d out of range [0, %d)", i, b.size))
	}
}

func (b *Bitmap) checkRange(begin, end uint64) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("bitmap range [%d, %d) out of range [0, %d)", begin, end, b.size))
	}
}

// rangeMask returns the mask of bits [lo, hi) within one block, with
// 0 <= lo < hi <= 64.
func rangeMask(lo, hi uint64) uint64 {
	m := ^uint64(0) << lo
	if hi < 64 {
		m &= (uint64(1) << hi) - 1
	}
	return m
}

// forEachBlock calls fn with the block index and mask for every block that
// intersects [begin, end).
func (b *Bitmap) forEachBlock(begin, end uint64, fn func(block int, mask uint64)) {
	for begin < end {
		block := begin / 64
		lo := begin % 64
		hi := uint64(64)
		if blockEnd := (block + 1) * 64; end < blockEnd {
			hi = end % 64
		}
		fn(int(block), rangeMask(lo, hi))
		begin = (block + 1) * 64
	}
}

// SetRange sets bits [begin, end).
func (b *Bitmap) SetRange(begin, end uint64) {
	b.checkRange(begin, end)
	b.forEachBlock(begin, end, func(i int, mask uint64) {
		b.numOnes += uint64(bits.OnesCount64(mask &^ b.bitBlock[i]))
		b.bitBlock[i] |= mask
	})
}

// ClearRange clears bits [begin, end).
func (b *Bitmap) ClearRange(begin, end uint64) {
	b.checkRange(begin, end)
	b.forEachBlock(begin, end, func(i int, mask uint64) {
		b.numOnes -= uint64(bits.OnesCount64(mask & b.bitBlock[i]))
		b.bitBlock[i] &^= mask
	})
}

// CountRange returns the number of set bits in [begin, end).
func (b *Bitmap) CountRange(begin, end uint64) uint64 {
	b.checkRange(begin, end)
	var n uint64
	b.forEachBlock(begin, end, func(i int, mask uint64) {
		n += uint64(bits.OnesCount64(mask & b.bitBlock[i]))
	})
	return n
}

// FirstZero returns the first unset bit from the range [start, ). ok is
// false if there is none.
func (b *Bitmap) FirstZero(start uint64) (bit uint64, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := start/64, start%64
	w := b.bitBlock[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := i*64 + uint64(bits.TrailingZeros64(^w))
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if i == uint64(len(b.bitBlock)) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit from the range [start, ). ok is false
// if there is none.
func (b *Bitmap) FirstOne(start uint64) (bit uint64, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := start/64, start%64
	w := b.bitBlock[i] &^ ((uint64(1) << nbit) - 1)
	for {
		if w != 0 {
			r := i*64 + uint64(bits.TrailingZeros64(w))
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if i == uint64(len(b.bitBlock)) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FindZeroRun returns the lowest index i >= start such that i-start is a
// multiple of align and bits [i, i+n) are all unset. align must be a power of
// two; 0 is treated as 1. ok is false if no such run exists.
func (b *Bitmap) FindZeroRun(start, n, align uint64) (bit uint64, ok bool) {
	if n == 0 {
		return 0, false
	}
	if align == 0 {
		align = 1
	}
	from := start
	for {
		i, found := b.FirstZero(from)
		if !found {
			return 0, false
		}
		// Round the candidate up to the alignment.
		i = start + ((i-start+align-1)&^(align-1))
		if i < start || i+n < i || i+n > b.size {
			return 0, false
		}
		// Any set bit inside the candidate run restarts the search after it.
		next, busy := b.FirstOne(i)
		if !busy || next >= i+n {
			return i, true
		}
		from = next + 1
	}
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint64 {
	bitmapSlice := make([]uint64, 0, b.numOnes)
	// base is the start number of a bitBlock
	var base uint64
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, base+uint64(bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}

// Reset clears every bit.
func (b *Bitmap) Reset() {
	clear(b.bitBlock)
	b.numOnes = 0
}
