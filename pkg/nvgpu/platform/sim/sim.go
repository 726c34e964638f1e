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

// Package sim implements platform.Device entirely in memory.
//
// The simulated device hands out fake physical addresses from a bump
// allocator, records every register access and acknowledges maintenance
// operations after a configurable number of polls. Allocation failures and
// stuck operations can be injected for testing.
package sim

import (
	"context"
	"fmt"

	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/refs"
	"tegra.dev/nvgpu/pkg/sync"
)

// Options configures a Device.
type Options struct {
	// Name is the device name. Defaults to "sim0".
	Name string

	// Chip is the GPU generation reported by the device. Defaults to
	// "gk20a".
	Chip string

	// PhysBase is the first physical address handed out. Defaults to
	// 0x80000000.
	PhysBase uint64

	// AckPolls is the number of Pending polls an operation stays pending
	// for after it is triggered.
	AckPolls int
}

// Call is a recorded register access.
type Call struct {
	Op   string
	Args []uint64
}

// String implements fmt.Stringer.String.
func (c Call) String() string {
	return fmt.Sprintf("%s%#x", c.Op, c.Args)
}

// Device is a simulated GPU. It implements platform.Device,
// platform.Allocator and platform.Registers.
type Device struct {
	name string
	chip string

	mu sync.Mutex

	// nextPhys is the next physical address to hand out. Physical memory is
	// never reused so that stale references are easy to spot.
	//
	// +checklocks:mu
	nextPhys uint64

	// live is the set of allocations with outstanding references.
	//
	// +checklocks:mu
	live map[*Memory]struct{}

	// allocs counts successful allocations.
	//
	// +checklocks:mu
	allocs int

	// failAfter and failCount inject allocation failures: once allocs
	// reaches failAfter, the next failCount allocations fail.
	//
	// +checklocks:mu
	failAfter int
	// +checklocks:mu
	failCount int

	// +checklocks:mu
	calls []Call

	// +checklocks:mu
	ackPolls int

	// pending holds the remaining polls of each triggered operation.
	//
	// +checklocks:mu
	pending map[platform.Op]int

	// +checklocks:mu
	stuck map[platform.Op]bool
}

var _ platform.Device = (*Device)(nil)
var _ platform.Allocator = (*Device)(nil)
var _ platform.Registers = (*Device)(nil)

// New returns a new simulated device.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "sim0"
	}
	if opts.Chip == "" {
		opts.Chip = "gk20a"
	}
	if opts.PhysBase == 0 {
		opts.PhysBase = 0x80000000
	}
	return &Device{
		name:     opts.Name,
		chip:     opts.Chip,
		nextPhys: opts.PhysBase,
		live:     make(map[*Memory]struct{}),
		ackPolls: opts.AckPolls,
		pending:  make(map[platform.Op]int),
		stuck:    make(map[platform.Op]bool),
	}
}

// Name implements platform.Device.Name.
func (d *Device) Name() string {
	return d.name
}

// Chip implements platform.Device.Chip.
func (d *Device) Chip() string {
	return d.chip
}

// Allocator implements platform.Device.Allocator.
func (d *Device) Allocator() platform.Allocator {
	return d
}

// Registers implements platform.Device.Registers.
func (d *Device) Registers() platform.Registers {
	return d
}

// AllocPages implements platform.Allocator.AllocPages.
func (d *Device) AllocPages(ctx context.Context, size uint64) (platform.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size == 0 || size%gmmu.SmallPageSize != 0 {
		return nil, fmt.Errorf("sim: allocation of %#x bytes: %w", size, gmmuerr.ErrInvalidAlignment)
	}
	m, err := d.newMemory(platform.SGT{{Length: size}})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewBuffer allocates a buffer of size bytes split into physically
// discontiguous chunks of at most chunk bytes. It models memory handed to
// the address space manager by a client allocator.
func (d *Device) NewBuffer(size, chunk uint64) (*Memory, error) {
	if chunk == 0 {
		chunk = size
	}
	var sgt platform.SGT
	for left := size; left > 0; {
		n := min(left, chunk)
		sgt = append(sgt, platform.Segment{Length: n})
		left -= n
	}
	return d.newMemory(sgt)
}

// newMemory assigns physical addresses to the lengths in sgt.
func (d *Device) newMemory(sgt platform.SGT) (*Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCount > 0 && d.allocs >= d.failAfter {
		d.failCount--
		log.Debugf("sim %s: injected allocation failure", d.name)
		return nil, fmt.Errorf("sim: %w", gmmuerr.ErrAllocFailed)
	}
	var size uint64
	for i := range sgt {
		if sgt[i].Length%gmmu.BigPageSize64K == 0 {
			// Segments that can hold big pages are placed so that they can
			// be mapped with any big page size.
			up, _ := gmmu.Addr(d.nextPhys).RoundUp(gmmu.BigPageSize128K)
			d.nextPhys = uint64(up)
		}
		sgt[i].Phys = d.nextPhys
		// Leave a one page gap between segments so that discontiguity is
		// visible in the physical addresses.
		d.nextPhys += sgt[i].Length + gmmu.SmallPageSize
		size += sgt[i].Length
	}
	m := &Memory{
		dev:  d,
		id:   d.allocs,
		size: size,
		sgt:  sgt,
	}
	m.InitRefs()
	d.allocs++
	d.live[m] = struct{}{}
	refs.Register(m)
	return m, nil
}

// FailAllocations makes count allocations fail once after more allocations
// have succeeded.
func (d *Device) FailAllocations(after, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = d.allocs + after
	d.failCount = count
}

// LiveAllocations returns the number of allocations with outstanding
// references.
func (d *Device) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// LiveBytes returns the total size of live allocations.
func (d *Device) LiveBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint64
	for m := range d.live {
		n += m.size
	}
	return n
}

func (d *Device) release(m *Memory) {
	d.mu.Lock()
	delete(d.live, m)
	d.mu.Unlock()
	refs.Unregister(m)
}

// Memory is a simulated allocation.
type Memory struct {
	refs.AtomicRefCount

	dev  *Device
	id   int
	size uint64
	sgt  platform.SGT
}

var _ platform.Memory = (*Memory)(nil)

// DecRef implements platform.Memory.DecRef.
func (m *Memory) DecRef() {
	m.DecRefWithDestructor(func() {
		m.dev.release(m)
	})
}

// Size implements platform.Memory.Size.
func (m *Memory) Size() uint64 {
	return m.size
}

// SGT implements platform.Memory.SGT.
func (m *Memory) SGT() platform.SGT {
	return m.sgt
}

// RefType implements refs.CheckedObject.RefType.
func (m *Memory) RefType() string {
	return "sim.Memory"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (m *Memory) LeakMessage() string {
	return fmt.Sprintf("[sim.Memory %s/%d] size=%#x refs=%d", m.dev.name, m.id, m.size, m.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (m *Memory) LogRefs() bool {
	return false
}

// Client is a named platform.Client.
type Client string

// Name implements platform.Client.Name.
func (c Client) Name() string {
	return string(c)
}
