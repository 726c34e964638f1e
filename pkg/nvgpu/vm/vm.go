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

// Package vm implements GPU virtual address spaces.
//
// A VM owns a page directory, one VMA allocator per page size class and an
// index of the buffers mapped into it. Every mutation is serialized by the
// VM's updateGMMULock.
//
// Lock order:
//
//	VM.tlbMu
//	  VM.updateGMMULock
//	    vma.Allocator.mu
//
// The memory manager's TLB and L2 locks are never acquired while
// updateGMMULock is held. Operations that change PTEs advance the VM's
// dirty generation and invalidate after unlocking. Memory that the GMMU may
// still translate to, buffers and page tables alike, is retired at the
// generation of the change and only released once an invalidate covering
// that generation has completed.
package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tegra.dev/nvgpu/pkg/atomicbitops"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/metric"
	"tegra.dev/nvgpu/pkg/nvgpu/hal"
	"tegra.dev/nvgpu/pkg/nvgpu/mapindex"
	"tegra.dev/nvgpu/pkg/nvgpu/pagetables"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/nvgpu/vma"
	"tegra.dev/nvgpu/pkg/refs"
	"tegra.dev/nvgpu/pkg/sync"
)

var (
	mapsMetric = metric.MustCreateNewUint64Metric("/gmmu/maps", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of buffers mapped into GPU address spaces.",
		Fields:      []metric.Field{metric.NewField("class", []string{"small", "big"})},
	})
	unmapsMetric = metric.MustCreateNewUint64Metric("/gmmu/unmaps", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of mappings torn down.",
	})
	mapErrorsMetric = metric.MustCreateNewUint64Metric("/gmmu/map_errors", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of failed map requests, by reason.",
		Fields:      []metric.Field{metric.NewField("reason", gmmuerr.Reasons)},
	})

	tlbLog = log.BasicRateLimitedLogger(10 * time.Second)
)

// nextID is the ID of the next VM.
var nextID atomicbitops.Uint64

// AddressSpace is a GPU virtual address space.
type AddressSpace interface {
	// Name identifies the address space in logs and dumps.
	Name() string

	// AllocVA reserves size bytes of VA of class c.
	AllocVA(size uint64, c gmmu.PageSizeClass) (gmmu.Addr, error)

	// FreeVA releases a range returned by AllocVA.
	FreeVA(addr gmmu.Addr, size uint64, c gmmu.PageSizeClass) error

	// Map maps ref and returns its GPU virtual address.
	Map(ctx context.Context, ref BufferRef, opts MapOpts) (gmmu.Addr, error)

	// Unmap drops one map reference on the mapping starting at addr.
	Unmap(ctx context.Context, addr gmmu.Addr) error

	// UnmapUser is like Unmap, but drops a user map reference.
	UnmapUser(ctx context.Context, addr gmmu.Addr) error

	// GetBuffers returns every live mapping, each with a reference that
	// must be dropped with PutBuffers.
	GetBuffers() ([]*MappedBuffer, error)

	// PutBuffers drops references taken by GetBuffers.
	PutBuffers(bufs []*MappedBuffer)

	// FindBuffer returns the memory mapped at addr and the offset of addr
	// within it.
	FindBuffer(addr gmmu.Addr) (platform.Client, platform.Memory, uint64, error)

	// TLBInval invalidates the GMMU TLB for the address space if any PTE
	// changed since the last invalidate.
	TLBInval(ctx context.Context) error

	// RemoveSupport tears the address space down.
	RemoveSupport(ctx context.Context) error
}

// TLBInvalidator invalidates the GMMU TLB entries of one page directory.
// It is implemented by the memory manager.
type TLBInvalidator interface {
	InvalidateTLB(ctx context.Context, pdb uint64) error
}

// CompTagAllocator hands out compression tag lines. Line 0 is never
// returned.
type CompTagAllocator interface {
	AllocCompTags(lines uint32) (uint32, error)
	FreeCompTags(start, lines uint32)
}

// BufferRef names the memory to map and its owner.
type BufferRef struct {
	Client platform.Client
	Memory platform.Memory
}

// ClassHint selects the page size class of a mapping.
type ClassHint int

const (
	// ClassAuto uses big pages when the VM has them and the memory is big
	// page aligned.
	ClassAuto ClassHint = iota

	// ClassSmall forces small pages.
	ClassSmall

	// ClassBig requires big pages.
	ClassBig
)

// String implements fmt.Stringer.String.
func (h ClassHint) String() string {
	switch h {
	case ClassAuto:
		return "auto"
	case ClassSmall:
		return "small"
	case ClassBig:
		return "big"
	default:
		return fmt.Sprintf("ClassHint(%d)", int(h))
	}
}

// ParseClassHint parses the output of ClassHint.String. The empty string is
// ClassAuto.
func ParseClassHint(s string) (ClassHint, error) {
	switch s {
	case "", "auto":
		return ClassAuto, nil
	case "small":
		return ClassSmall, nil
	case "big":
		return ClassBig, nil
	default:
		return 0, fmt.Errorf("invalid page size class hint %q", s)
	}
}

// MapOpts are the options of Map.
type MapOpts struct {
	// OffsetAlign is the GPU virtual address of the mapping if Fixed is
	// set. Otherwise it is the required alignment of the address, or 0
	// for the page size.
	OffsetAlign uint64

	// Fixed places the mapping at OffsetAlign.
	Fixed bool

	Kind   gmmu.Kind
	Access gmmu.AccessMode

	// UserMapped marks the map reference as owned by user space. It can
	// be dropped by UnmapUser.
	UserMapped bool

	Class ClassHint
}

// Options configures a new VM.
type Options struct {
	// Name identifies the VM in logs and dumps.
	Name string

	Allocator platform.Allocator
	MMU       hal.MMU
	Sizing    pagetables.Sizing

	// VAStart and VALimit bound the usable address range [VAStart,
	// VALimit). Addresses below VAStart are never handed out.
	VAStart uint64
	VALimit uint64

	// BigPages splits the range in two halves: small pages below
	// VALimit/2 and big pages above.
	BigPages bool

	// Privileged sets the privilege bit in every PTE.
	Privileged bool

	// Invalidator is used by TLBInval. If nil, TLB invalidation is a
	// no-op.
	Invalidator TLBInvalidator

	// CompTags reserves compression tags for compressible kinds. If nil,
	// compressible kinds are mapped without tags.
	CompTags CompTagAllocator
}

type state int

const (
	stateUninitialized state = iota
	stateActive
	stateTornDown
)

// String implements fmt.Stringer.String.
func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateActive:
		return "active"
	case stateTornDown:
		return "torn down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// VM is a GPU virtual address space backed by a GMMU page directory.
//
// VM implements AddressSpace.
type VM struct {
	// The fields below are immutable after New.
	id          uint64
	name        string
	mmu         hal.MMU
	sizing      pagetables.Sizing
	vaStart     uint64
	vaLimit     uint64
	bigPages    bool
	privileged  bool
	invalidator TLBInvalidator
	compTags    CompTagAllocator
	pdb         uint64

	// tlbMu serializes TLB invalidates of the VM, so that a caller never
	// returns while an invalidate covering its change is still in flight.
	tlbMu sync.Mutex

	// cleanGen is the last dirty generation covered by a completed TLB
	// invalidate. It is written with tlbMu held.
	cleanGen atomicbitops.Uint64

	// updateGMMULock serializes every operation on the VM.
	updateGMMULock sync.Mutex

	// dirtyGen is advanced by every PTE change.
	//
	// +checklocks:updateGMMULock
	dirtyGen uint64

	// retired holds memory released from the page tables, in generation
	// order, awaiting a TLB invalidate.
	//
	// +checklocks:updateGMMULock
	retired []retiredMem

	// dir is the page directory.
	//
	// +checklocks:updateGMMULock
	dir *pagetables.Directory

	// vma holds the allocator of each class. vma[PageSizeBig] is nil if
	// big pages are disabled.
	//
	// +checklocks:updateGMMULock
	vma [gmmu.NumPageSizes]*vma.Allocator

	// index holds every mapped buffer that has not been unmapped.
	//
	// +checklocks:updateGMMULock
	index *mapindex.Index[*MappedBuffer]

	// byMem holds the buffers of index keyed by backing memory.
	//
	// +checklocks:updateGMMULock
	byMem map[platform.Memory][]*MappedBuffer

	// pending holds unmapped buffers still referenced by GetBuffers
	// holders.
	//
	// +checklocks:updateGMMULock
	pending map[*MappedBuffer]struct{}

	// reserved holds the ranges reserved by AllocVA.
	//
	// +checklocks:updateGMMULock
	reserved *mapindex.Index[*reservation]

	// +checklocks:updateGMMULock
	state state

	// suspended is set by the memory manager while the GPU is suspended.
	//
	// +checklocks:updateGMMULock
	suspended bool
}

var _ AddressSpace = (*VM)(nil)

// retiredMem is a memory reference released at generation gen.
type retiredMem struct {
	gen uint64
	mem platform.Memory
}

// New creates an active VM with an empty page directory.
func New(ctx context.Context, opts Options) (*VM, error) {
	if opts.VALimit <= opts.VAStart || opts.VALimit > gmmu.VARange {
		return nil, fmt.Errorf("vm %q: address range [%#x, %#x): %w", opts.Name, opts.VAStart, opts.VALimit, gmmuerr.ErrOutOfRange)
	}
	small := opts.Sizing.PageSizes[gmmu.PageSizeSmall]
	big := opts.Sizing.PageSizes[gmmu.PageSizeBig]
	if !gmmu.Addr(opts.VAStart).IsAligned(small) || !gmmu.Addr(opts.VALimit).IsAligned(small) {
		return nil, fmt.Errorf("vm %q: address range [%#x, %#x): %w", opts.Name, opts.VAStart, opts.VALimit, gmmuerr.ErrInvalidAlignment)
	}
	vm := &VM{
		id:          nextID.Add(1),
		name:        opts.Name,
		mmu:         opts.MMU,
		sizing:      opts.Sizing,
		vaStart:     opts.VAStart,
		vaLimit:     opts.VALimit,
		bigPages:    opts.BigPages,
		privileged:  opts.Privileged,
		invalidator: opts.Invalidator,
		compTags:    opts.CompTags,
		index:       mapindex.New[*MappedBuffer](),
		byMem:       make(map[platform.Memory][]*MappedBuffer),
		pending:     make(map[*MappedBuffer]struct{}),
		reserved:    mapindex.New[*reservation](),
	}

	// The small allocator ends where the big one begins.
	smallLimit := opts.VALimit
	if opts.BigPages {
		split := opts.VALimit >> 1
		if split <= opts.VAStart || !gmmu.Addr(split).IsAligned(big) {
			return nil, fmt.Errorf("vm %q: cannot split [%#x, %#x) at %#x for %#x pages: %w", opts.Name, opts.VAStart, opts.VALimit, split, big, gmmuerr.ErrInvalidAlignment)
		}
		smallLimit = split
		a, err := vma.New(opts.Name+"-big", gmmu.Addr(split), opts.VALimit-split, big)
		if err != nil {
			return nil, fmt.Errorf("vm %q: %w", opts.Name, err)
		}
		vm.vma[gmmu.PageSizeBig] = a
	}
	a, err := vma.New(opts.Name+"-small", gmmu.Addr(opts.VAStart), smallLimit-opts.VAStart, small)
	if err != nil {
		return nil, fmt.Errorf("vm %q: %w", opts.Name, err)
	}
	vm.vma[gmmu.PageSizeSmall] = a

	dir, err := pagetables.New(ctx, opts.Allocator, opts.MMU, opts.Sizing, opts.VALimit)
	if err != nil {
		return nil, fmt.Errorf("vm %q: %w", opts.Name, err)
	}
	vm.dir = dir
	vm.pdb = dir.PhysAddr()
	vm.state = stateActive
	log.Infof("vm %q: created id %d, range [%#x, %#x), big pages %t, pdb %#x", vm.name, vm.id, vm.vaStart, vm.vaLimit, vm.bigPages, vm.pdb)
	return vm, nil
}

// Name implements AddressSpace.Name.
func (vm *VM) Name() string {
	return vm.name
}

// ID returns the unique ID of the VM.
func (vm *VM) ID() uint64 {
	return vm.id
}

// PDB returns the physical address of the page directory.
func (vm *VM) PDB() uint64 {
	return vm.pdb
}

// VALimit returns the end of the address range.
func (vm *VM) VALimit() uint64 {
	return vm.vaLimit
}

// BigPages returns true if the VM has a big page allocator.
func (vm *VM) BigPages() bool {
	return vm.bigPages
}

// String implements fmt.Stringer.String.
func (vm *VM) String() string {
	return fmt.Sprintf("vm %q (id %d)", vm.name, vm.id)
}

// checkUsableLocked returns an error if the VM does not accept operations.
//
// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) checkUsableLocked() error {
	if vm.state != stateActive {
		return gmmuerr.ErrTornDown
	}
	if vm.suspended {
		return gmmuerr.ErrSuspended
	}
	return nil
}

// Quiesce marks the VM suspended so that further operations fail with
// ErrSuspended. It returns false, leaving the VM unchanged, if an operation
// is in flight.
func (vm *VM) Quiesce() bool {
	if !vm.updateGMMULock.TryLock() {
		return false
	}
	vm.suspended = true
	vm.updateGMMULock.Unlock()
	return true
}

// Unquiesce undoes Quiesce.
func (vm *VM) Unquiesce() {
	vm.updateGMMULock.Lock()
	vm.suspended = false
	vm.updateGMMULock.Unlock()
}

// AllocVA implements AddressSpace.AllocVA.
func (vm *VM) AllocVA(size uint64, c gmmu.PageSizeClass) (gmmu.Addr, error) {
	vm.updateGMMULock.Lock()
	defer vm.updateGMMULock.Unlock()
	if err := vm.checkUsableLocked(); err != nil {
		return 0, fmt.Errorf("%v: alloc VA: %w", vm, err)
	}
	a, err := vm.allocatorLocked(c)
	if err != nil {
		return 0, fmt.Errorf("%v: alloc VA: %w", vm, err)
	}
	addr, err := a.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("%v: alloc VA: %w", vm, err)
	}
	if err := vm.reserved.Insert(&reservation{addr: addr, size: size, class: c}); err != nil {
		panic(fmt.Sprintf("%v: reservation %v+%#x overlaps: %v", vm, addr, size, err))
	}
	return addr, nil
}

// FreeVA implements AddressSpace.FreeVA. The range must be one returned by
// AllocVA and must not contain live mappings.
func (vm *VM) FreeVA(addr gmmu.Addr, size uint64, c gmmu.PageSizeClass) error {
	vm.updateGMMULock.Lock()
	defer vm.updateGMMULock.Unlock()
	if err := vm.checkUsableLocked(); err != nil {
		return fmt.Errorf("%v: free VA: %w", vm, err)
	}
	res, ok := vm.reserved.Find(addr)
	if !ok || res.addr != addr || res.size != size || res.class != c {
		return fmt.Errorf("%v: free VA %v+%#x: no such reservation: %w", vm, addr, size, gmmuerr.ErrNotFound)
	}
	r := res.AddrRange()
	if len(vm.index.Overlapping(r)) != 0 {
		return fmt.Errorf("%v: free VA %v: range has live mappings: %w", vm, r, gmmuerr.ErrBusy)
	}
	for buf := range vm.pending {
		if buf.AddrRange().Overlaps(r) {
			return fmt.Errorf("%v: free VA %v: range has held mappings: %w", vm, r, gmmuerr.ErrBusy)
		}
	}
	if err := vm.vma[c].Free(addr, size); err != nil {
		return fmt.Errorf("%v: free VA: %w", vm, err)
	}
	vm.reserved.Remove(res)
	return nil
}

// allocatorLocked returns the allocator of class c.
//
// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) allocatorLocked(c gmmu.PageSizeClass) (*vma.Allocator, error) {
	if !c.Valid() || vm.vma[c] == nil {
		return nil, fmt.Errorf("no %v page allocator: %w", c, gmmuerr.ErrInvalidAlignment)
	}
	return vm.vma[c], nil
}

// Map implements AddressSpace.Map.
//
// If the memory is already mapped with the same client, kind, access and
// class, and opts is not fixed, Map takes another reference on the existing
// mapping and returns its address. On failure the VM is left unchanged.
func (vm *VM) Map(ctx context.Context, ref BufferRef, opts MapOpts) (gmmu.Addr, error) {
	vm.updateGMMULock.Lock()
	addr, err := vm.mapLocked(ctx, ref, opts)
	vm.updateGMMULock.Unlock()
	// A failed map may have dropped page tables it created.
	vm.flushTLB(ctx)
	if err != nil {
		mapErrorsMetric.Increment(gmmuerr.Reason(err))
		return 0, fmt.Errorf("%v: map: %w", vm, err)
	}
	return addr, nil
}

// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) mapLocked(ctx context.Context, ref BufferRef, opts MapOpts) (gmmu.Addr, error) {
	if err := vm.checkUsableLocked(); err != nil {
		return 0, err
	}
	if ref.Memory == nil {
		return 0, fmt.Errorf("no backing memory: %w", gmmuerr.ErrNotFound)
	}
	size := ref.Memory.Size()
	sgt := ref.Memory.SGT()
	if size == 0 {
		return 0, fmt.Errorf("empty buffer: %w", gmmuerr.ErrInvalidAlignment)
	}
	if sgt.Len() < size {
		return 0, fmt.Errorf("scatter list covers %#x of %#x bytes: %w", sgt.Len(), size, gmmuerr.ErrOutOfRange)
	}
	if !vm.mmu.ValidKind(opts.Kind) {
		return 0, fmt.Errorf("kind %#x on %s: %w", uint8(opts.Kind), vm.mmu.Name(), gmmuerr.ErrInvalidKind)
	}
	c, err := vm.chooseClass(size, sgt, opts)
	if err != nil {
		return 0, err
	}
	pageSize := vm.sizing.PageSizes[c]
	mapSize, ok := gmmu.RoundUpSize(size, pageSize)
	if !ok {
		return 0, fmt.Errorf("size %#x: %w", size, gmmuerr.ErrOutOfRange)
	}

	var (
		addr          gmmu.Addr
		align         uint64
		inReservation bool
	)
	if opts.Fixed {
		addr = gmmu.Addr(opts.OffsetAlign)
		if !addr.IsAligned(pageSize) {
			return 0, fmt.Errorf("fixed offset %v with %v pages: %w", addr, c, gmmuerr.ErrInvalidAlignment)
		}
		r, ok := addr.ToRange(mapSize)
		if !ok || uint64(r.End) > vm.vaLimit {
			return 0, fmt.Errorf("fixed range %v+%#x: %w", addr, mapSize, gmmuerr.ErrOutOfRange)
		}
		if res, ok := vm.reserved.Find(addr); ok && res.AddrRange().IsSupersetOf(r) {
			if res.class != c {
				return 0, fmt.Errorf("fixed %v mapping in %v reservation: %w", c, res.class, gmmuerr.ErrInvalidAlignment)
			}
			if len(vm.index.Overlapping(r)) != 0 {
				return 0, fmt.Errorf("fixed range %v: %w", r, gmmuerr.ErrOverlap)
			}
			inReservation = true
		} else if err := vm.vma[c].AllocFixed(addr, mapSize); err != nil {
			return 0, err
		}
	} else {
		align = opts.OffsetAlign
		if align != 0 && !gmmu.IsPowerOfTwo(align) {
			return 0, fmt.Errorf("alignment %#x: %w", align, gmmuerr.ErrInvalidAlignment)
		}
		align = max(align, pageSize)
		if buf := vm.findReusableLocked(ref, opts, c, align); buf != nil {
			buf.IncRef()
			buf.mapRefs++
			if opts.UserMapped {
				buf.userMapped++
			}
			log.Debugf("%v: reusing mapping %v, %d map references", vm, buf, buf.mapRefs)
			return buf.addr, nil
		}
		addr, err = vm.vma[c].AllocAligned(mapSize, align)
		if err != nil {
			return 0, err
		}
	}
	releaseVA := func() {
		if inReservation {
			return
		}
		if err := vm.vma[c].Free(addr, mapSize); err != nil {
			panic(fmt.Sprintf("%v: freeing VA %v+%#x just allocated: %v", vm, addr, mapSize, err))
		}
	}

	var ctag, ctagLines uint32
	if vm.compTags != nil && vm.mmu.Compressible(opts.Kind) {
		line := vm.mmu.CompTagLineSize()
		lines := uint32((mapSize + line - 1) / line)
		start, err := vm.compTags.AllocCompTags(lines)
		if err != nil {
			log.Debugf("%v: no compression tags for %#x bytes, mapping uncompressed: %v", vm, mapSize, err)
		} else {
			ctag, ctagLines = start, lines
		}
	}

	attrs := pagetables.Attrs{
		Privileged: vm.privileged,
		Access:     opts.Access,
		Kind:       opts.Kind,
		CompTag:    ctag,
	}
	if err := vm.dir.Map(ctx, c, addr, mapSize, sgt, attrs); err != nil {
		if ctagLines != 0 {
			vm.compTags.FreeCompTags(ctag, ctagLines)
		}
		releaseVA()
		if stale := vm.dir.TakeStale(); len(stale) != 0 {
			vm.retireLocked(stale...)
		}
		return 0, err
	}

	buf := &MappedBuffer{
		vmID:          vm.id,
		addr:          addr,
		size:          mapSize,
		class:         c,
		kind:          opts.Kind,
		access:        opts.Access,
		client:        ref.Client,
		mem:           ref.Memory,
		compTag:       ctag,
		compTagLines:  ctagLines,
		fixed:         opts.Fixed,
		inReservation: inReservation,
		mapRefs:       1,
	}
	if opts.UserMapped {
		buf.userMapped = 1
	}
	buf.InitRefs()
	if err := vm.index.Insert(buf); err != nil {
		panic(fmt.Sprintf("%v: allocated range %v collides with the index: %v", vm, buf.AddrRange(), err))
	}
	ref.Memory.IncRef()
	vm.byMem[ref.Memory] = append(vm.byMem[ref.Memory], buf)
	refs.Register(buf)
	vm.retireLocked()
	mapsMetric.Increment(c.String())
	log.Debugf("%v: mapped %v kind %s access %v", vm, buf, vm.mmu.KindName(opts.Kind), opts.Access)
	return addr, nil
}

// chooseClass returns the page size class of a new mapping.
func (vm *VM) chooseClass(size uint64, sgt platform.SGT, opts MapOpts) (gmmu.PageSizeClass, error) {
	big := vm.sizing.PageSizes[gmmu.PageSizeBig]
	c := gmmu.PageSizeSmall
	switch {
	case !vm.bigPages:
	case opts.Fixed:
		if gmmu.IsUpper(gmmu.Addr(opts.OffsetAlign), vm.vaLimit) {
			c = gmmu.PageSizeBig
		}
	case opts.Class == ClassSmall:
	case opts.Class == ClassBig:
		c = gmmu.PageSizeBig
	default:
		if size%big == 0 && bigAligned(sgt, big) {
			c = gmmu.PageSizeBig
		}
	}
	if c == gmmu.PageSizeBig && !bigAligned(sgt, big) {
		return 0, fmt.Errorf("backing memory is not %#x aligned: %w", big, gmmuerr.ErrInvalidAlignment)
	}
	switch opts.Class {
	case ClassAuto:
	case ClassSmall, ClassBig:
		if want := gmmu.PageSizeClass(opts.Class - ClassSmall); want != c {
			return 0, fmt.Errorf("%v pages requested, %v available: %w", want, c, gmmuerr.ErrInvalidAlignment)
		}
	default:
		return 0, fmt.Errorf("page size class %v: %w", opts.Class, gmmuerr.ErrInvalidAlignment)
	}
	return c, nil
}

// bigAligned returns true if every segment of sgt can be mapped with big
// pages.
func bigAligned(sgt platform.SGT, big uint64) bool {
	for _, seg := range sgt {
		if seg.Phys%big != 0 || seg.Length%big != 0 {
			return false
		}
	}
	return true
}

// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) findReusableLocked(ref BufferRef, opts MapOpts, c gmmu.PageSizeClass, align uint64) *MappedBuffer {
	for _, buf := range vm.byMem[ref.Memory] {
		if buf.reusable(ref, opts, c, align) {
			return buf
		}
	}
	return nil
}

// Unmap implements AddressSpace.Unmap.
//
// When the last map reference is dropped the mapping leaves the index at
// once. Its PTEs and VA are released when the last GetBuffers holder puts
// it, or immediately if there is none.
func (vm *VM) Unmap(ctx context.Context, addr gmmu.Addr) error {
	return vm.unmap(ctx, addr, false)
}

// UnmapUser implements AddressSpace.UnmapUser. It fails with
// ErrNotUserMapped if the mapping has no user map reference.
func (vm *VM) UnmapUser(ctx context.Context, addr gmmu.Addr) error {
	return vm.unmap(ctx, addr, true)
}

func (vm *VM) unmap(ctx context.Context, addr gmmu.Addr, user bool) error {
	vm.updateGMMULock.Lock()
	err := vm.unmapLocked(addr, user)
	vm.updateGMMULock.Unlock()
	if err != nil {
		return fmt.Errorf("%v: unmap %v: %w", vm, addr, err)
	}
	vm.flushTLB(ctx)
	return nil
}

// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) unmapLocked(addr gmmu.Addr, user bool) error {
	if err := vm.checkUsableLocked(); err != nil {
		return err
	}
	buf, ok := vm.index.Find(addr)
	if !ok || buf.addr != addr {
		return gmmuerr.ErrNotFound
	}
	switch {
	case user:
		if buf.userMapped == 0 {
			return gmmuerr.ErrNotUserMapped
		}
		buf.userMapped--
	case buf.mapRefs == buf.userMapped:
		// Only user references remain; the kernel takes one of them.
		buf.userMapped--
	}
	buf.mapRefs--
	if buf.mapRefs == 0 {
		buf.unmapped = true
		vm.index.Remove(buf)
		vm.dropFromMemLocked(buf)
		vm.pending[buf] = struct{}{}
	}
	buf.DecRefWithDestructor(func() { vm.releaseLocked(buf) })
	return nil
}

// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) dropFromMemLocked(buf *MappedBuffer) {
	bufs := vm.byMem[buf.mem]
	for i, b := range bufs {
		if b == buf {
			bufs = append(bufs[:i], bufs[i+1:]...)
			break
		}
	}
	if len(bufs) == 0 {
		delete(vm.byMem, buf.mem)
	} else {
		vm.byMem[buf.mem] = bufs
	}
}

// releaseLocked clears the PTEs of buf and returns its VA and compression
// tags. Its memory reference and any page tables left empty are retired
// until the TLB is invalidated. It is a no-op if buf was already released.
//
// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) releaseLocked(buf *MappedBuffer) {
	if buf.released {
		return
	}
	buf.released = true
	delete(vm.pending, buf)
	if n, want := vm.dir.Unmap(buf.class, buf.addr, buf.size), int(buf.size/vm.sizing.PageSizes[buf.class]); n != want {
		panic(fmt.Sprintf("%v: releasing %v cleared %d PTEs, want %d", vm, buf, n, want))
	}
	if !buf.inReservation {
		if err := vm.vma[buf.class].Free(buf.addr, buf.size); err != nil {
			panic(fmt.Sprintf("%v: releasing VA of %v: %v", vm, buf, err))
		}
	}
	if buf.compTagLines != 0 {
		vm.compTags.FreeCompTags(buf.compTag, buf.compTagLines)
	}
	vm.retireLocked(append(vm.dir.TakeStale(), buf.mem)...)
	refs.Unregister(buf)
	unmapsMetric.Increment()
	log.Debugf("%v: released %v", vm, buf)
}

// GetBuffers implements AddressSpace.GetBuffers. The buffers are returned in
// address order.
func (vm *VM) GetBuffers() ([]*MappedBuffer, error) {
	vm.updateGMMULock.Lock()
	defer vm.updateGMMULock.Unlock()
	if vm.state != stateActive {
		return nil, fmt.Errorf("%v: get buffers: %w", vm, gmmuerr.ErrTornDown)
	}
	bufs := vm.index.Enumerate()
	for _, buf := range bufs {
		buf.IncRef()
	}
	return bufs, nil
}

// PutBuffers implements AddressSpace.PutBuffers. Buffers released by
// RemoveSupport are ignored.
func (vm *VM) PutBuffers(bufs []*MappedBuffer) {
	vm.updateGMMULock.Lock()
	for _, buf := range bufs {
		if buf.vmID != vm.id {
			panic(fmt.Sprintf("%v: put of %v owned by vm %d", vm, buf, buf.vmID))
		}
		if buf.released {
			continue
		}
		buf.DecRefWithDestructor(func() { vm.releaseLocked(buf) })
	}
	vm.updateGMMULock.Unlock()
	vm.flushTLB(context.Background())
}

// FindBuffer implements AddressSpace.FindBuffer.
func (vm *VM) FindBuffer(addr gmmu.Addr) (platform.Client, platform.Memory, uint64, error) {
	vm.updateGMMULock.Lock()
	defer vm.updateGMMULock.Unlock()
	if vm.state != stateActive {
		return nil, nil, 0, fmt.Errorf("%v: find %v: %w", vm, addr, gmmuerr.ErrTornDown)
	}
	buf, ok := vm.index.Find(addr)
	if !ok {
		return nil, nil, 0, fmt.Errorf("%v: find %v: %w", vm, addr, gmmuerr.ErrNotFound)
	}
	return buf.client, buf.mem, uint64(addr - buf.addr), nil
}

// Translate returns the physical address the page tables map addr to.
func (vm *VM) Translate(addr gmmu.Addr) (uint64, gmmu.PageSizeClass, error) {
	vm.updateGMMULock.Lock()
	defer vm.updateGMMULock.Unlock()
	if vm.state != stateActive {
		return 0, 0, fmt.Errorf("%v: translate %v: %w", vm, addr, gmmuerr.ErrTornDown)
	}
	phys, c, ok := vm.dir.Lookup(addr)
	if !ok {
		return 0, 0, fmt.Errorf("%v: translate %v: %w", vm, addr, gmmuerr.ErrNotFound)
	}
	return phys, c, nil
}

// retireLocked advances the dirty generation and holds mems until an
// invalidate covers it.
//
// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) retireLocked(mems ...platform.Memory) {
	vm.dirtyGen++
	for _, mem := range mems {
		vm.retired = append(vm.retired, retiredMem{gen: vm.dirtyGen, mem: mem})
	}
}

// TLBInval implements AddressSpace.TLBInval.
//
// TLBInval returns once every PTE change made before the call is covered by
// a completed invalidate, waiting for one already in flight if necessary.
// Memory retired by those changes is released afterwards. If the invalidate
// fails, the retired memory stays held until a later one succeeds.
func (vm *VM) TLBInval(ctx context.Context) error {
	vm.tlbMu.Lock()
	defer vm.tlbMu.Unlock()

	vm.updateGMMULock.Lock()
	active := vm.state == stateActive
	gen := vm.dirtyGen
	vm.updateGMMULock.Unlock()
	if !active {
		return fmt.Errorf("%v: TLB invalidate: %w", vm, gmmuerr.ErrTornDown)
	}
	if gen == vm.cleanGen.Load() {
		return nil
	}
	if vm.invalidator != nil {
		if err := vm.invalidator.InvalidateTLB(ctx, vm.pdb); err != nil {
			return fmt.Errorf("%v: TLB invalidate: %w", vm, err)
		}
	}
	vm.cleanGen.Store(gen)

	vm.updateGMMULock.Lock()
	n := 0
	for n < len(vm.retired) && vm.retired[n].gen <= gen {
		n++
	}
	done := vm.retired[:n:n]
	vm.retired = vm.retired[n:]
	vm.updateGMMULock.Unlock()
	for _, r := range done {
		r.mem.DecRef()
	}
	return nil
}

// flushTLB runs TLBInval and logs failures. The VM stays dirty, and its
// retired memory held, if the invalidate failed.
func (vm *VM) flushTLB(ctx context.Context) {
	if err := vm.TLBInval(ctx); err != nil && !errors.Is(err, gmmuerr.ErrTornDown) {
		tlbLog.Warningf("%v", err)
	}
}

// RemoveSupport implements AddressSpace.RemoveSupport.
//
// Every mapping is released, including those held by GetBuffers callers;
// their later PutBuffers calls are no-ops. If any PTE changed since the last
// invalidate, the TLB is invalidated once before the page tables, the
// directory and the buffers are released. A failed invalidate is logged and
// the memory is released anyway. RemoveSupport is idempotent.
func (vm *VM) RemoveSupport(ctx context.Context) error {
	vm.tlbMu.Lock()
	defer vm.tlbMu.Unlock()

	vm.updateGMMULock.Lock()
	if vm.state == stateTornDown {
		vm.updateGMMULock.Unlock()
		return nil
	}
	bufs := vm.index.Enumerate()
	for _, buf := range bufs {
		vm.releaseLocked(buf)
	}
	held := len(vm.pending)
	for buf := range vm.pending {
		vm.releaseLocked(buf)
	}
	vm.index.Clear()
	vm.reserved.Clear()
	clear(vm.byMem)
	vm.dir.Release()
	for _, mem := range vm.dir.TakeStale() {
		vm.retired = append(vm.retired, retiredMem{gen: vm.dirtyGen, mem: mem})
	}
	for _, a := range vm.vma {
		if a != nil {
			a.Destroy()
		}
	}
	vm.state = stateTornDown
	gen := vm.dirtyGen
	retired := vm.retired
	vm.retired = nil
	vm.updateGMMULock.Unlock()

	if gen != vm.cleanGen.Load() && vm.invalidator != nil {
		if err := vm.invalidator.InvalidateTLB(ctx, vm.pdb); err != nil {
			tlbLog.Warningf("%v: TLB invalidate at removal: %v", vm, err)
		}
	}
	vm.cleanGen.Store(gen)
	for _, r := range retired {
		r.mem.DecRef()
	}
	log.Infof("%v: removed, released %d mappings and %d held mappings", vm, len(bufs), held)
	return nil
}
