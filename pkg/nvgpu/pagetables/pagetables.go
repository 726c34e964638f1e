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

// Package pagetables implements the two level GMMU page table hierarchy.
//
// A Directory holds one PDE per PDE stride of the address space. Each PDE
// may point at one page table per page size class. Page tables are allocated
// lazily when the first PTE under them becomes valid, and released when the
// last one is cleared.
package pagetables

import (
	"context"
	"fmt"

	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/metric"
	"tegra.dev/nvgpu/pkg/nvgpu/hal"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
)

var pageTablesMetric = metric.MustCreateNewUint64Metric("/gmmu/page_tables", metric.Uint64Metadata{
	Description: "Number of live GMMU page tables.",
	Fields:      []metric.Field{metric.NewField("class", []string{"small", "big"})},
})

// Table is a page table: the PTEs of one page size class under one PDE.
type Table struct {
	// mem backs the table.
	mem platform.Memory

	// ptes is the kernel view of the table.
	ptes []uint64

	// refs is the number of references on the table. Every valid PTE holds
	// one reference.
	refs int
}

// PhysAddr returns the physical address of the table.
func (t *Table) PhysAddr() uint64 {
	return t.mem.SGT()[0].Phys
}

// Refs returns the number of references held on the table.
func (t *Table) Refs() int {
	return t.refs
}

// Directory is the page directory of one address space.
//
// Directory is not synchronized. The owning address space serializes all
// access.
type Directory struct {
	mmu    hal.MMU
	alloc  platform.Allocator
	sizing Sizing

	// mem backs the directory itself.
	mem platform.Memory

	// pdes is the kernel view of the directory.
	pdes []uint64

	// tables holds the page table of each class under each PDE, or nil.
	// The number of PDEs is fixed at creation.
	tables [gmmu.NumPageSizes][]*Table

	numTables [gmmu.NumPageSizes]int

	// stale holds the memory of tables dropped from the directory, and of
	// the directory itself after Release, until the owner takes it with
	// TakeStale. The GMMU may still walk it until its TLB is invalidated.
	stale []platform.Memory

	released bool
}

// New allocates a directory covering [0, vaLimit).
func New(ctx context.Context, alloc platform.Allocator, mmu hal.MMU, sizing Sizing, vaLimit uint64) (*Directory, error) {
	if vaLimit == 0 || vaLimit > gmmu.VARange {
		return nil, fmt.Errorf("address space limit %#x: %w", vaLimit, gmmuerr.ErrOutOfRange)
	}
	numPDEs := sizing.NumPDEsFor(vaLimit)
	size, _ := gmmu.RoundUpSize(numPDEs*entrySize, gmmu.SmallPageSize)
	mem, err := alloc.AllocPages(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("allocating page directory: %w", err)
	}
	if !mem.SGT().Contiguous() {
		mem.DecRef()
		return nil, fmt.Errorf("page directory is not physically contiguous: %w", gmmuerr.ErrAllocFailed)
	}
	d := &Directory{
		mmu:    mmu,
		alloc:  alloc,
		sizing: sizing,
		mem:    mem,
		pdes:   make([]uint64, numPDEs),
	}
	for _, c := range gmmu.Classes {
		d.tables[c] = make([]*Table, numPDEs)
	}
	return d, nil
}

// Sizing returns the directory geometry.
func (d *Directory) Sizing() Sizing {
	return d.sizing
}

// PhysAddr returns the physical address of the directory, the page directory
// base programmed into instance blocks.
func (d *Directory) PhysAddr() uint64 {
	return d.mem.SGT()[0].Phys
}

// NumPDEs returns the number of PDEs.
func (d *Directory) NumPDEs() uint64 {
	return uint64(len(d.pdes))
}

// NumTables returns the number of live page tables of class c.
func (d *Directory) NumTables(c gmmu.PageSizeClass) int {
	return d.numTables[c]
}

// Table returns the page table of class c under PDE pde, or nil.
func (d *Directory) Table(c gmmu.PageSizeClass, pde uint64) *Table {
	if pde >= d.NumPDEs() {
		return nil
	}
	return d.tables[c][pde]
}

// TableRefs returns the reference count of the page table of class c under
// PDE pde, or 0 if there is none.
func (d *Directory) TableRefs(c gmmu.PageSizeClass, pde uint64) int {
	if t := d.Table(c, pde); t != nil {
		return t.refs
	}
	return 0
}

// PDE returns the raw entry pde.
func (d *Directory) PDE(pde uint64) uint64 {
	return d.pdes[pde]
}

// Get returns the page table of class c under PDE pde with an additional
// reference, allocating it if necessary.
func (d *Directory) Get(ctx context.Context, c gmmu.PageSizeClass, pde uint64) (*Table, error) {
	if d.released {
		return nil, gmmuerr.ErrTornDown
	}
	if pde >= d.NumPDEs() {
		return nil, fmt.Errorf("PDE %d of %d: %w", pde, d.NumPDEs(), gmmuerr.ErrOutOfRange)
	}
	if t := d.tables[c][pde]; t != nil {
		t.refs++
		return t, nil
	}
	mem, err := d.alloc.AllocPages(ctx, d.sizing.TableSize(c))
	if err != nil {
		return nil, fmt.Errorf("allocating %v page table for PDE %d: %w", c, pde, err)
	}
	if !mem.SGT().Contiguous() {
		mem.DecRef()
		return nil, fmt.Errorf("%v page table for PDE %d is not physically contiguous: %w", c, pde, gmmuerr.ErrAllocFailed)
	}
	t := &Table{
		mem:  mem,
		ptes: make([]uint64, d.sizing.NumPTEs[c]),
		refs: 1,
	}
	d.tables[c][pde] = t
	if err := d.updatePDE(pde); err != nil {
		d.tables[c][pde] = nil
		mem.DecRef()
		return nil, err
	}
	d.numTables[c]++
	pageTablesMetric.Increment(c.String())
	return t, nil
}

// Put drops a reference on the page table of class c under PDE pde. When the
// last reference is dropped the table's slot is cleared and its memory moves
// to the stale list.
func (d *Directory) Put(c gmmu.PageSizeClass, pde uint64) {
	t := d.tables[c][pde]
	if t == nil {
		panic(fmt.Sprintf("Put of missing %v page table at PDE %d", c, pde))
	}
	t.refs--
	switch {
	case t.refs < 0:
		panic(fmt.Sprintf("%v page table at PDE %d: negative reference count %d", c, pde, t.refs))
	case t.refs > 0:
		return
	}
	d.tables[c][pde] = nil
	if err := d.updatePDE(pde); err != nil {
		// Clearing an entry only encodes addresses that were valid before.
		panic(fmt.Sprintf("updating PDE %d: %v", pde, err))
	}
	d.numTables[c]--
	pageTablesMetric.Decrement(c.String())
	d.stale = append(d.stale, t.mem)
}

// TakeStale returns the memory released from the directory since the last
// call. The caller owns one reference on each and must drop it once the TLB
// no longer caches translations through it.
func (d *Directory) TakeStale() []platform.Memory {
	stale := d.stale
	d.stale = nil
	return stale
}

// updatePDE rewrites PDE pde from the tables present under it.
func (d *Directory) updatePDE(pde uint64) error {
	var e hal.PDE
	for _, c := range gmmu.Classes {
		if t := d.tables[c][pde]; t != nil {
			e.Tables[c] = t.PhysAddr()
		}
	}
	v, err := d.mmu.EncodePDE(e)
	if err != nil {
		return fmt.Errorf("encoding PDE %d: %w", pde, err)
	}
	d.pdes[pde] = v
	return nil
}

// Attrs are the attributes applied to every PTE of a mapping.
type Attrs struct {
	Privileged bool
	Access     gmmu.AccessMode
	Kind       gmmu.Kind

	// CompTag is the first compression tag line of the mapping, or 0 if the
	// mapping is not compressed. Tag lines advance every CompTagLineSize
	// bytes.
	CompTag uint32
}

// Map writes PTEs of class c mapping [va, va+size) to the pages described by
// sgt, starting at the beginning of sgt. va and size must be aligned to the
// page size of c and every PTE in the range must be invalid.
//
// If Map fails, every PTE it wrote is cleared and every page table it
// allocated is moved to the stale list before it returns.
func (d *Directory) Map(ctx context.Context, c gmmu.PageSizeClass, va gmmu.Addr, size uint64, sgt platform.SGT, attrs Attrs) error {
	if d.released {
		return gmmuerr.ErrTornDown
	}
	pageSize := d.sizing.PageSizes[c]
	if !va.IsAligned(pageSize) || size == 0 || size%pageSize != 0 {
		return fmt.Errorf("mapping %v+%#x with %v pages: %w", va, size, c, gmmuerr.ErrInvalidAlignment)
	}
	ctagLine := d.mmu.CompTagLineSize()
	var done uint64
	for off := uint64(0); off < size; off += pageSize {
		if err := d.mapOne(ctx, c, va+gmmu.Addr(off), off, sgt, attrs, ctagLine); err != nil {
			if done > 0 {
				d.Unmap(c, va, done)
			}
			return err
		}
		done += pageSize
	}
	return nil
}

func (d *Directory) mapOne(ctx context.Context, c gmmu.PageSizeClass, va gmmu.Addr, off uint64, sgt platform.SGT, attrs Attrs, ctagLine uint64) error {
	pageSize := d.sizing.PageSizes[c]
	phys, ok := sgt.PhysAt(off)
	if !ok {
		return fmt.Errorf("mapping %v: offset %#x beyond backing memory: %w", va, off, gmmuerr.ErrOutOfRange)
	}
	if phys%pageSize != 0 {
		return fmt.Errorf("mapping %v: physical address %#x for %v page: %w", va, phys, c, gmmuerr.ErrInvalidAlignment)
	}
	pde, idx := d.sizing.PDEIndex(va), d.sizing.PTEIndex(c, va)
	if t := d.Table(c, pde); t != nil && t.ptes[idx] != 0 {
		return fmt.Errorf("mapping %v: PTE already valid: %w", va, gmmuerr.ErrOverlap)
	}
	pte := hal.PTE{
		Valid:       true,
		Privileged:  attrs.Privileged,
		ReadOnly:    attrs.Access == gmmu.ReadOnly,
		ReadDisable: attrs.Access == gmmu.WriteOnly,
		Phys:        phys,
		Kind:        attrs.Kind,
	}
	if attrs.CompTag != 0 {
		pte.CompTag = attrs.CompTag + uint32(off/ctagLine)
	}
	v, err := d.mmu.EncodePTE(pte)
	if err != nil {
		return fmt.Errorf("mapping %v: %w", va, err)
	}
	t, err := d.Get(ctx, c, pde)
	if err != nil {
		return err
	}
	t.ptes[idx] = v
	return nil
}

// Unmap clears the PTEs of class c covering [va, va+size) and drops the page
// table references they held. It returns the number of PTEs cleared.
func (d *Directory) Unmap(c gmmu.PageSizeClass, va gmmu.Addr, size uint64) int {
	if d.released {
		return 0
	}
	pageSize := d.sizing.PageSizes[c]
	n := 0
	for off := uint64(0); off < size; off += pageSize {
		addr := va + gmmu.Addr(off)
		pde, idx := d.sizing.PDEIndex(addr), d.sizing.PTEIndex(c, addr)
		t := d.Table(c, pde)
		if t == nil || t.ptes[idx] == 0 {
			continue
		}
		t.ptes[idx] = 0
		n++
		d.Put(c, pde)
	}
	return n
}

// PTE returns the decoded PTE of class c covering va.
func (d *Directory) PTE(c gmmu.PageSizeClass, va gmmu.Addr) (hal.PTE, bool) {
	t := d.Table(c, d.sizing.PDEIndex(va))
	if t == nil {
		return hal.PTE{}, false
	}
	pte := d.mmu.DecodePTE(t.ptes[d.sizing.PTEIndex(c, va)])
	return pte, pte.Valid
}

// Lookup translates va. It returns the physical address and the class of
// the PTE translating it.
func (d *Directory) Lookup(va gmmu.Addr) (phys uint64, c gmmu.PageSizeClass, ok bool) {
	for _, c := range gmmu.Classes {
		if pte, ok := d.PTE(c, va); ok {
			return pte.Phys + uint64(va)%d.sizing.PageSizes[c], c, true
		}
	}
	return 0, 0, false
}

// Release drops every page table and the directory, moving their memory to
// the stale list. Release is idempotent.
func (d *Directory) Release() {
	if d.released {
		return
	}
	for _, c := range gmmu.Classes {
		for pde, t := range d.tables[c] {
			if t == nil {
				continue
			}
			log.Debugf("releasing %v page table at PDE %d with %d references", c, pde, t.refs)
			d.tables[c][pde] = nil
			d.numTables[c]--
			pageTablesMetric.Decrement(c.String())
			d.stale = append(d.stale, t.mem)
		}
	}
	clear(d.pdes)
	d.stale = append(d.stale, d.mem)
	d.released = true
}
