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

// Package vma provides the virtual memory area allocator used by GPU
// address spaces. Each address space has one allocator per page size class.
//
// Allocation is first fit from the bottom of the range, so the sequence of
// addresses returned for a given sequence of requests is deterministic.
package vma

import (
	"fmt"

	"tegra.dev/nvgpu/pkg/bitmap"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/sync"
)

// Allocator hands out page aligned ranges of [base, base+length).
//
// Allocator is safe for concurrent use.
type Allocator struct {
	name     string
	base     gmmu.Addr
	length   uint64
	pageSize uint64

	mu sync.Mutex

	// pages has one bit per page; a set bit is allocated.
	//
	// +checklocks:mu
	pages bitmap.Bitmap

	// +checklocks:mu
	destroyed bool
}

// New returns an allocator for [base, base+length) handing out multiples of
// pageSize. base and length must be page aligned.
func New(name string, base gmmu.Addr, length, pageSize uint64) (*Allocator, error) {
	if !gmmu.IsPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("vma %q: page size %#x is not a power of two", name, pageSize)
	}
	if !base.IsAligned(pageSize) || length%pageSize != 0 {
		return nil, fmt.Errorf("vma %q: range %#x+%#x: %w", name, uint64(base), length, gmmuerr.ErrInvalidAlignment)
	}
	if _, ok := base.AddLength(length); !ok {
		return nil, fmt.Errorf("vma %q: range %#x+%#x: %w", name, uint64(base), length, gmmuerr.ErrOutOfRange)
	}
	return &Allocator{
		name:     name,
		base:     base,
		length:   length,
		pageSize: pageSize,
		pages:    bitmap.New(length / pageSize),
	}, nil
}

// Name returns the allocator name.
func (a *Allocator) Name() string {
	return a.name
}

// Base returns the first address managed by a.
func (a *Allocator) Base() gmmu.Addr {
	return a.base
}

// Limit returns the end of the range managed by a.
func (a *Allocator) Limit() gmmu.Addr {
	return a.base + gmmu.Addr(a.length)
}

// PageSize returns the allocation granule.
func (a *Allocator) PageSize() uint64 {
	return a.pageSize
}

// Contains returns true if addr lies within the managed range.
func (a *Allocator) Contains(addr gmmu.Addr) bool {
	return addr >= a.base && addr < a.Limit()
}

func (a *Allocator) checkSize(size uint64) error {
	if size == 0 || size%a.pageSize != 0 {
		return fmt.Errorf("vma %q: size %#x with page size %#x: %w", a.name, size, a.pageSize, gmmuerr.ErrInvalidAlignment)
	}
	return nil
}

// Alloc reserves size bytes and returns the lowest free address. size must
// be a non-zero multiple of the page size.
func (a *Allocator) Alloc(size uint64) (gmmu.Addr, error) {
	return a.AllocAligned(size, a.pageSize)
}

// AllocAligned is like Alloc, but the returned address is a multiple of
// align. align must be a power of two no smaller than the page size.
func (a *Allocator) AllocAligned(size, align uint64) (gmmu.Addr, error) {
	if err := a.checkSize(size); err != nil {
		return 0, err
	}
	if align == 0 {
		align = a.pageSize
	}
	if !gmmu.IsPowerOfTwo(align) || align < a.pageSize {
		return 0, fmt.Errorf("vma %q: alignment %#x with page size %#x: %w", a.name, align, a.pageSize, gmmuerr.ErrInvalidAlignment)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0, fmt.Errorf("vma %q: %w", a.name, gmmuerr.ErrTornDown)
	}

	// The first page whose address is aligned.
	first, ok := a.base.RoundUp(align)
	if !ok || first >= a.Limit() {
		return 0, fmt.Errorf("vma %q: %w", a.name, gmmuerr.ErrOutOfSpace)
	}
	start := uint64(first-a.base) / a.pageSize
	n := size / a.pageSize
	i, ok := a.pages.FindZeroRun(start, n, align/a.pageSize)
	if !ok {
		log.Debugf("vma %q: no free run of %d pages (%d of %d in use)", a.name, n, a.pages.Count(), a.pages.Size())
		return 0, fmt.Errorf("vma %q: %d pages: %w", a.name, n, gmmuerr.ErrOutOfSpace)
	}
	a.pages.SetRange(i, i+n)
	return a.addrOf(i), nil
}

// AllocFixed reserves exactly [addr, addr+size).
func (a *Allocator) AllocFixed(addr gmmu.Addr, size uint64) error {
	first, n, err := a.pageRange(addr, size)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("vma %q: %w", a.name, gmmuerr.ErrTornDown)
	}
	if a.pages.CountRange(first, first+n) != 0 {
		return fmt.Errorf("vma %q: fixed range %v: %w", a.name, gmmu.AddrRange{Start: addr, End: addr + gmmu.Addr(size)}, gmmuerr.ErrOverlap)
	}
	a.pages.SetRange(first, first+n)
	return nil
}

// Free returns [addr, addr+size) to the allocator. Every page in the range
// must be allocated; otherwise nothing is freed and ErrNotFound is returned.
func (a *Allocator) Free(addr gmmu.Addr, size uint64) error {
	first, n, err := a.pageRange(addr, size)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		// Everything was released by Destroy.
		return nil
	}
	if got := a.pages.CountRange(first, first+n); got != n {
		return fmt.Errorf("vma %q: free of %v with %d of %d pages allocated: %w", a.name, gmmu.AddrRange{Start: addr, End: addr + gmmu.Addr(size)}, got, n, gmmuerr.ErrNotFound)
	}
	a.pages.ClearRange(first, first+n)
	return nil
}

// IsAllocated returns true if every page of [addr, addr+size) is allocated.
func (a *Allocator) IsAllocated(addr gmmu.Addr, size uint64) bool {
	first, n, err := a.pageRange(addr, size)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.destroyed && a.pages.CountRange(first, first+n) == n
}

// pageRange validates [addr, addr+size) and converts it to page indices.
func (a *Allocator) pageRange(addr gmmu.Addr, size uint64) (first, n uint64, err error) {
	if err := a.checkSize(size); err != nil {
		return 0, 0, err
	}
	if !addr.IsAligned(a.pageSize) {
		return 0, 0, fmt.Errorf("vma %q: address %v with page size %#x: %w", a.name, addr, a.pageSize, gmmuerr.ErrInvalidAlignment)
	}
	end, ok := addr.AddLength(size)
	if !ok || addr < a.base || end > a.Limit() {
		return 0, 0, fmt.Errorf("vma %q: range %v+%#x outside [%v, %v): %w", a.name, addr, size, a.base, a.Limit(), gmmuerr.ErrOutOfRange)
	}
	return uint64(addr-a.base) / a.pageSize, size / a.pageSize, nil
}

func (a *Allocator) addrOf(page uint64) gmmu.Addr {
	return a.base + gmmu.Addr(page*a.pageSize)
}

// FreePages returns the number of unallocated pages.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0
	}
	return a.pages.Size() - a.pages.Count()
}

// Allocated returns the allocated ranges in ascending order, with adjacent
// allocations merged.
func (a *Allocator) Allocated() []gmmu.AddrRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	var rs []gmmu.AddrRange
	if a.destroyed {
		return rs
	}
	for i := uint64(0); ; {
		start, ok := a.pages.FirstOne(i)
		if !ok {
			return rs
		}
		end, ok := a.pages.FirstZero(start)
		if !ok {
			end = a.pages.Size()
		}
		rs = append(rs, gmmu.AddrRange{Start: a.addrOf(start), End: a.addrOf(end)})
		i = end
	}
}

// Destroy releases every range. Subsequent allocations fail with
// ErrTornDown; frees are ignored. Destroy is idempotent.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	if used := a.pages.Count(); used != 0 {
		log.Debugf("vma %q: destroyed with %d pages in use", a.name, used)
	}
	a.pages.Reset()
	a.destroyed = true
}
