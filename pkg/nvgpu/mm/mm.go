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

// Package mm implements the GPU memory manager: it owns the privileged
// address spaces, creates client address spaces and drives the flush and
// invalidate operations of the memory subsystem.
//
// Lock order:
//
//	MemoryManager.mu
//	  vm.VM.updateGMMULock
//	  MemoryManager.l2Lock
//
// MemoryManager.tlbLock is a leaf lock. It is taken by address spaces after
// they release their own lock.
package mm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"tegra.dev/nvgpu/pkg/atomicbitops"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/nvgpu/hal"
	"tegra.dev/nvgpu/pkg/nvgpu/pagetables"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/nvgpu/vm"
	"tegra.dev/nvgpu/pkg/sync"
)

const (
	// LowHole is the range at the bottom of every address space that is
	// never mapped, so that GPU null pointer accesses fault.
	LowHole = 1 << 20

	// BAR1Size is the size of the BAR1 address space.
	BAR1Size = 16 << 20

	// PMUSize is the size of the PMU address space.
	PMUSize = 512 << 20

	// DefaultFlushTimeout bounds the wait for a flush or invalidate to be
	// acknowledged.
	DefaultFlushTimeout = time.Second

	// DefaultPollInterval is the interval between completion polls.
	DefaultPollInterval = 5 * time.Microsecond

	// DefaultCompTagLines is the default size of the compression tag pool.
	DefaultCompTagLines = 4096

	// MaxCompTagLines is the number of lines a PTE can address.
	MaxCompTagLines = 1 << 17

	// instBlockSize is the size of an instance block.
	instBlockSize = gmmu.SmallPageSize
)

// Options configures a MemoryManager.
type Options struct {
	// Chip selects the MMU HAL. If empty, the device chip is used.
	Chip string

	// BigPageSize is the big page size. If 0, the HAL default is used.
	BigPageSize uint64

	// BigPages enables big pages in client address spaces.
	BigPages bool

	// FlushTimeout bounds flush and invalidate waits. If 0,
	// DefaultFlushTimeout is used.
	FlushTimeout time.Duration

	// PollInterval is the completion poll interval. If 0,
	// DefaultPollInterval is used.
	PollInterval time.Duration

	// CompTagLines is the number of compression tag lines. If 0,
	// DefaultCompTagLines is used.
	CompTagLines uint32
}

// VMOptions configures a client address space.
type VMOptions struct {
	// VALimit is the end of the address space. If 0, the whole GMMU range
	// is used.
	VALimit uint64

	// SmallPagesOnly disables big pages in this address space.
	SmallPagesOnly bool
}

// instanceBlock binds a privileged address space to the hardware.
type instanceBlock struct {
	mem platform.Memory
	vm  *vm.VM
}

func (ib *instanceBlock) phys() uint64 {
	return ib.mem.SGT()[0].Phys
}

// MemoryManager is the memory manager of one GPU.
type MemoryManager struct {
	// The fields below are immutable after Init.
	dev      platform.Device
	regs     platform.Registers
	alloc    platform.Allocator
	mmu      hal.MMU
	sizing   pagetables.Sizing
	opts     Options
	compTags *compTagAllocator

	// bar1 and pmu are set by Init. Their memory is released by Remove
	// with mu held.
	bar1 instanceBlock
	pmu  instanceBlock

	// suspended is set between Suspend and Resume. Flushes and invalidates
	// are skipped while it is set. It is only modified with mu held.
	suspended atomicbitops.Bool

	// tlbLock serializes TLB invalidates.
	tlbLock sync.Mutex

	// l2Lock serializes FB and L2 operations.
	l2Lock sync.Mutex

	mu sync.Mutex

	// vms holds every live address space, including bar1 and pmu, keyed by
	// ID.
	//
	// +checklocks:mu
	vms map[uint64]*vm.VM

	// +checklocks:mu
	removed bool
}

var _ vm.TLBInvalidator = (*MemoryManager)(nil)

// Init brings up the memory manager of dev: it sizes the page tables for the
// configured big page size and creates and binds the BAR1 and PMU address
// spaces.
func Init(ctx context.Context, dev platform.Device, opts Options) (*MemoryManager, error) {
	if opts.Chip == "" {
		opts.Chip = dev.Chip()
	}
	if opts.FlushTimeout == 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CompTagLines == 0 {
		opts.CompTagLines = DefaultCompTagLines
	}
	mmu, err := hal.Lookup(opts.Chip)
	if err != nil {
		return nil, fmt.Errorf("mm %s: %w", dev.Name(), err)
	}
	if opts.BigPageSize == 0 {
		opts.BigPageSize = mmu.DefaultBigPageSize()
	}
	if !hal.SupportsBigPageSize(mmu, opts.BigPageSize) {
		return nil, fmt.Errorf("mm %s: %s does not support %#x big pages: %w", dev.Name(), opts.Chip, opts.BigPageSize, gmmuerr.ErrInvalidAlignment)
	}
	sizing, err := pagetables.NewSizing(mmu, opts.BigPageSize)
	if err != nil {
		return nil, fmt.Errorf("mm %s: %w", dev.Name(), err)
	}
	compTags, err := newCompTagAllocator(opts.CompTagLines)
	if err != nil {
		return nil, fmt.Errorf("mm %s: %w", dev.Name(), err)
	}

	mm := &MemoryManager{
		dev:      dev,
		regs:     dev.Registers(),
		alloc:    dev.Allocator(),
		mmu:      mmu,
		sizing:   sizing,
		opts:     opts,
		compTags: compTags,
		vms:      make(map[uint64]*vm.VM),
	}
	log.Infof("mm %s: chip %s, big pages %#x (%t), %d PDEs of %#x bytes", dev.Name(), opts.Chip, opts.BigPageSize, opts.BigPages, sizing.NumPDEs, sizing.PDEStride())

	if mm.bar1, err = mm.initInstanceBlock(ctx, "bar1", BAR1Size, false); err != nil {
		mm.Remove(ctx)
		return nil, err
	}
	if mm.pmu, err = mm.initInstanceBlock(ctx, "pmu", PMUSize, true); err != nil {
		mm.Remove(ctx)
		return nil, err
	}
	return mm, nil
}

// initInstanceBlock creates a privileged address space and binds it to a new
// instance block.
func (mm *MemoryManager) initInstanceBlock(ctx context.Context, name string, size uint64, privileged bool) (instanceBlock, error) {
	v, err := vm.New(ctx, vm.Options{
		Name:        name,
		Allocator:   mm.alloc,
		MMU:         mm.mmu,
		Sizing:      mm.sizing,
		VAStart:     LowHole,
		VALimit:     size,
		Privileged:  privileged,
		Invalidator: mm,
	})
	if err != nil {
		return instanceBlock{}, fmt.Errorf("mm %s: %s address space: %w", mm.dev.Name(), name, err)
	}
	mm.mu.Lock()
	mm.vms[v.ID()] = v
	mm.mu.Unlock()

	mem, err := mm.alloc.AllocPages(ctx, instBlockSize)
	if err != nil {
		return instanceBlock{}, fmt.Errorf("mm %s: %s instance block: %w", mm.dev.Name(), name, err)
	}
	ib := instanceBlock{mem: mem, vm: v}
	if err := mm.regs.BindInstanceBlock(ib.phys(), v.PDB(), size); err != nil {
		mem.DecRef()
		return instanceBlock{}, fmt.Errorf("mm %s: binding %s instance block: %w", mm.dev.Name(), name, err)
	}
	log.Debugf("mm %s: %s instance block at %#x, pdb %#x", mm.dev.Name(), name, ib.phys(), v.PDB())
	return ib, nil
}

// Device returns the device managed by mm.
func (mm *MemoryManager) Device() platform.Device {
	return mm.dev
}

// MMU returns the MMU HAL in use.
func (mm *MemoryManager) MMU() hal.MMU {
	return mm.mmu
}

// Sizing returns the page table geometry.
func (mm *MemoryManager) Sizing() pagetables.Sizing {
	return mm.sizing
}

// BAR1 returns the BAR1 address space.
func (mm *MemoryManager) BAR1() *vm.VM {
	return mm.bar1.vm
}

// PMU returns the PMU address space.
func (mm *MemoryManager) PMU() *vm.VM {
	return mm.pmu.vm
}

// NewVM creates a client address space.
func (mm *MemoryManager) NewVM(ctx context.Context, name string, opts VMOptions) (*vm.VM, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.removed {
		return nil, fmt.Errorf("mm %s: new vm %q: %w", mm.dev.Name(), name, gmmuerr.ErrTornDown)
	}
	if mm.suspended.Load() {
		return nil, fmt.Errorf("mm %s: new vm %q: %w", mm.dev.Name(), name, gmmuerr.ErrSuspended)
	}
	if opts.VALimit == 0 {
		opts.VALimit = gmmu.VARange
	}
	v, err := vm.New(ctx, vm.Options{
		Name:        name,
		Allocator:   mm.alloc,
		MMU:         mm.mmu,
		Sizing:      mm.sizing,
		VAStart:     LowHole,
		VALimit:     opts.VALimit,
		BigPages:    mm.opts.BigPages && !opts.SmallPagesOnly,
		Invalidator: mm,
		CompTags:    mm.compTags,
	})
	if err != nil {
		return nil, fmt.Errorf("mm %s: %w", mm.dev.Name(), err)
	}
	mm.vms[v.ID()] = v
	return v, nil
}

// ReleaseVM tears down a client address space created by NewVM.
func (mm *MemoryManager) ReleaseVM(ctx context.Context, v *vm.VM) error {
	if v == mm.bar1.vm || v == mm.pmu.vm {
		return fmt.Errorf("mm %s: release of privileged %v: %w", mm.dev.Name(), v, gmmuerr.ErrBusy)
	}
	mm.mu.Lock()
	_, ok := mm.vms[v.ID()]
	delete(mm.vms, v.ID())
	mm.mu.Unlock()
	if !ok {
		return fmt.Errorf("mm %s: release of %v: %w", mm.dev.Name(), v, gmmuerr.ErrNotFound)
	}
	return v.RemoveSupport(ctx)
}

// VMs returns the live address spaces ordered by ID.
func (mm *MemoryManager) VMs() []*vm.VM {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.vmsLocked()
}

// +checklocks:mm.mu
func (mm *MemoryManager) vmsLocked() []*vm.VM {
	vms := make([]*vm.VM, 0, len(mm.vms))
	for _, v := range mm.vms {
		vms = append(vms, v)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID() < vms[j].ID() })
	return vms
}

// Suspend prepares for a power transition. Every address space stops
// accepting operations and the L2 is flushed. If an address space operation
// is in flight, Suspend fails with ErrBusy and changes nothing.
func (mm *MemoryManager) Suspend(ctx context.Context) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.removed {
		return fmt.Errorf("mm %s: suspend: %w", mm.dev.Name(), gmmuerr.ErrTornDown)
	}
	if mm.suspended.Load() {
		return nil
	}
	var quiesced []*vm.VM
	undo := func() {
		for _, v := range quiesced {
			v.Unquiesce()
		}
	}
	for _, v := range mm.vmsLocked() {
		if !v.Quiesce() {
			undo()
			return fmt.Errorf("mm %s: suspend: %v: %w", mm.dev.Name(), v, gmmuerr.ErrBusy)
		}
		quiesced = append(quiesced, v)
	}
	if err := mm.L2Flush(ctx, false); err != nil {
		undo()
		return fmt.Errorf("mm %s: suspend: %w", mm.dev.Name(), err)
	}
	mm.suspended.Store(true)
	log.Infof("mm %s: suspended %d address spaces", mm.dev.Name(), len(quiesced))
	return nil
}

// Resume undoes Suspend.
func (mm *MemoryManager) Resume() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if !mm.suspended.Load() {
		return
	}
	mm.suspended.Store(false)
	for _, v := range mm.vmsLocked() {
		v.Unquiesce()
	}
	log.Infof("mm %s: resumed", mm.dev.Name())
}

// Suspended returns true between Suspend and Resume.
func (mm *MemoryManager) Suspended() bool {
	return mm.suspended.Load()
}

// Remove tears down every address space and releases the instance blocks.
// Remove is idempotent.
func (mm *MemoryManager) Remove(ctx context.Context) error {
	mm.mu.Lock()
	if mm.removed {
		mm.mu.Unlock()
		return nil
	}
	mm.removed = true
	vms := mm.vmsLocked()
	clear(mm.vms)
	mm.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range vms {
		v := v
		g.Go(func() error {
			return v.RemoveSupport(gctx)
		})
	}
	err := g.Wait()
	mm.mu.Lock()
	for _, ib := range []*instanceBlock{&mm.bar1, &mm.pmu} {
		if ib.mem != nil {
			ib.mem.DecRef()
			ib.mem = nil
		}
	}
	mm.mu.Unlock()
	mm.compTags.destroy()
	log.Infof("mm %s: removed %d address spaces", mm.dev.Name(), len(vms))
	return err
}

// State is a point-in-time description of a MemoryManager.
type State struct {
	Device       string            `json:"device" yaml:"device"`
	Chip         string            `json:"chip" yaml:"chip"`
	BigPageSize  uint64            `json:"big_page_size" yaml:"big_page_size"`
	BigPages     bool              `json:"big_pages" yaml:"big_pages"`
	Suspended    bool              `json:"suspended,omitempty" yaml:"suspended,omitempty"`
	Sizing       pagetables.Sizing `json:"sizing" yaml:"sizing"`
	BAR1Inst     uint64            `json:"bar1_inst" yaml:"bar1_inst"`
	PMUInst      uint64            `json:"pmu_inst" yaml:"pmu_inst"`
	CompTagLines uint32            `json:"comptag_lines" yaml:"comptag_lines"`
	CompTagsFree uint64            `json:"comptags_free" yaml:"comptags_free"`
	VMs          []vm.State        `json:"vms" yaml:"vms"`
}

// Snapshot returns the current state of mm and every address space.
func (mm *MemoryManager) Snapshot() State {
	s := State{
		Device:       mm.dev.Name(),
		Chip:         mm.opts.Chip,
		BigPageSize:  mm.opts.BigPageSize,
		BigPages:     mm.opts.BigPages,
		Suspended:    mm.suspended.Load(),
		Sizing:       mm.sizing,
		CompTagLines: mm.opts.CompTagLines,
		CompTagsFree: mm.compTags.free(),
	}
	mm.mu.Lock()
	if mm.bar1.mem != nil {
		s.BAR1Inst = mm.bar1.phys()
	}
	if mm.pmu.mem != nil {
		s.PMUInst = mm.pmu.phys()
	}
	vms := mm.vmsLocked()
	mm.mu.Unlock()
	for _, v := range vms {
		s.VMs = append(s.VMs, v.Snapshot())
	}
	return s
}
