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

package vm

import (
	"fmt"

	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/refs"
)

// MappedBuffer is one live mapping of backing memory into a VM.
//
// The immutable fields are set at map time. The counts are protected by the
// owning VM's updateGMMULock. The embedded reference count holds one
// reference per map reference plus one per GetBuffers holder; the mapping
// is torn down when it drops to zero.
type MappedBuffer struct {
	refs.AtomicRefCount

	// vmID identifies the owning VM. It is not a reference.
	vmID uint64

	addr   gmmu.Addr
	size   uint64
	class  gmmu.PageSizeClass
	kind   gmmu.Kind
	access gmmu.AccessMode

	client platform.Client
	mem    platform.Memory

	compTag      uint32
	compTagLines uint32

	// fixed is true if the caller chose the address.
	fixed bool

	// inReservation is true if the VA belongs to a range reserved with
	// AllocVA, in which case it is not returned to the allocator on
	// release.
	inReservation bool

	// The fields below are protected by the owning VM's updateGMMULock.

	// mapRefs is the number of outstanding Map calls. userMapped counts
	// those made on behalf of user space; userMapped <= mapRefs.
	mapRefs    int
	userMapped int

	// unmapped is set when mapRefs reaches zero and the buffer leaves the
	// index. The PTEs remain until the last GetBuffers holder puts it.
	unmapped bool

	// released is set once the PTEs, VA and memory reference are gone.
	released bool
}

// AddrRange implements mapindex.Ranged.AddrRange.
func (b *MappedBuffer) AddrRange() gmmu.AddrRange {
	return gmmu.AddrRange{Start: b.addr, End: b.addr + gmmu.Addr(b.size)}
}

// Addr returns the GPU virtual address of the mapping.
func (b *MappedBuffer) Addr() gmmu.Addr {
	return b.addr
}

// Size returns the mapped size, rounded up to the page size of Class.
func (b *MappedBuffer) Size() uint64 {
	return b.size
}

// Class returns the page size class of the PTEs backing the mapping.
func (b *MappedBuffer) Class() gmmu.PageSizeClass {
	return b.class
}

// Kind returns the storage kind of the mapping.
func (b *MappedBuffer) Kind() gmmu.Kind {
	return b.kind
}

// Access returns the access mode of the mapping.
func (b *MappedBuffer) Access() gmmu.AccessMode {
	return b.access
}

// Client returns the memory manager that owns the backing memory.
func (b *MappedBuffer) Client() platform.Client {
	return b.client
}

// Memory returns the backing memory.
func (b *MappedBuffer) Memory() platform.Memory {
	return b.mem
}

// CompTags returns the first compression tag line and the number of lines
// reserved for the mapping. lines is 0 for uncompressed mappings.
func (b *MappedBuffer) CompTags() (start, lines uint32) {
	return b.compTag, b.compTagLines
}

// RefType implements refs.CheckedObject.RefType.
func (b *MappedBuffer) RefType() string {
	return "vm.MappedBuffer"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (b *MappedBuffer) LeakMessage() string {
	return fmt.Sprintf("[vm.MappedBuffer %p] vm %d mapping %v, refs %d", b, b.vmID, b.AddrRange(), b.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (b *MappedBuffer) LogRefs() bool {
	return false
}

// String implements fmt.Stringer.String.
func (b *MappedBuffer) String() string {
	return fmt.Sprintf("%v (%v pages)", b.AddrRange(), b.class)
}

// reusable returns true if a new Map of the same memory with the given
// options can share b.
func (b *MappedBuffer) reusable(ref BufferRef, opts MapOpts, c gmmu.PageSizeClass, align uint64) bool {
	return !b.unmapped && !b.fixed && !b.inReservation &&
		b.client == ref.Client &&
		b.class == c &&
		b.kind == opts.Kind &&
		b.access == opts.Access &&
		b.addr.IsAligned(align)
}

// reservation is a range of VA reserved by AllocVA. Fixed maps may be placed
// inside it.
type reservation struct {
	addr  gmmu.Addr
	size  uint64
	class gmmu.PageSizeClass
}

// AddrRange implements mapindex.Ranged.AddrRange.
func (r *reservation) AddrRange() gmmu.AddrRange {
	return gmmu.AddrRange{Start: r.addr, End: r.addr + gmmu.Addr(r.size)}
}
