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

// Package platform defines the services the GPU address space manager
// consumes from its host: physical memory, the GPU register file and the
// device identity.
//
// See Device for more information.
package platform

import (
	"context"
	"fmt"
)

// Device is a physical GPU instance. Every address space belongs to exactly
// one Device.
type Device interface {
	// Name identifies the device in logs and dumps.
	Name() string

	// Chip returns the GPU generation, used to select the MMU HAL
	// (for example "gk20a").
	Chip() string

	// Allocator returns the allocator used for page directories, page
	// tables and instance blocks.
	Allocator() Allocator

	// Registers returns the device register interface.
	Registers() Registers
}

// Allocator hands out physically backed memory.
type Allocator interface {
	// AllocPages allocates size bytes of zeroed memory. size must be a
	// multiple of the small page size. The returned Memory holds one
	// reference owned by the caller.
	AllocPages(ctx context.Context, size uint64) (Memory, error)
}

// Memory is a reference-counted handle on backing memory.
//
// Implementations must be safe for concurrent use. Two Memory values refer to
// the same backing memory iff they compare equal.
type Memory interface {
	// IncRef takes an additional reference.
	IncRef()

	// DecRef drops a reference. The backing memory is released when the last
	// reference is dropped.
	DecRef()

	// Size returns the size of the memory in bytes.
	Size() uint64

	// SGT returns the scatter-gather table describing the physical layout
	// of the memory. The table is immutable for the life of the Memory.
	SGT() SGT
}

// Client identifies the memory manager client that owns a buffer.
type Client interface {
	// Name identifies the client in logs and dumps.
	Name() string
}

// Segment is a physically contiguous piece of memory.
type Segment struct {
	Phys   uint64
	Length uint64
}

// SGT is a scatter-gather table: the ordered physical segments backing a
// Memory.
type SGT []Segment

// Len returns the total length covered by the table.
func (s SGT) Len() uint64 {
	var n uint64
	for _, seg := range s {
		n += seg.Length
	}
	return n
}

// PhysAt returns the physical address at byte offset off. ok is false if off
// is beyond the end of the table.
func (s SGT) PhysAt(off uint64) (phys uint64, ok bool) {
	for _, seg := range s {
		if off < seg.Length {
			return seg.Phys + off, true
		}
		off -= seg.Length
	}
	return 0, false
}

// Contiguous returns true if the table describes a single physical range.
func (s SGT) Contiguous() bool {
	return len(s) == 1
}

// Op is a hardware maintenance operation whose completion is polled.
type Op int

const (
	// OpTLBInvalidate invalidates cached GMMU translations.
	OpTLBInvalidate Op = iota

	// OpFBFlush flushes the frame buffer write path.
	OpFBFlush

	// OpL2Flush writes back (and optionally invalidates) the L2 cache.
	OpL2Flush

	// OpL2Invalidate invalidates the L2 cache.
	OpL2Invalidate
)

// String implements fmt.Stringer.String.
func (o Op) String() string {
	switch o {
	case OpTLBInvalidate:
		return "tlb_invalidate"
	case OpFBFlush:
		return "fb_flush"
	case OpL2Flush:
		return "l2_flush"
	case OpL2Invalidate:
		return "l2_invalidate"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Registers is the subset of the GPU register file used by the address
// space manager.
//
// Trigger methods start an operation and return immediately. Completion is
// observed by polling Pending. Callers serialize operations of the same kind.
type Registers interface {
	// BindInstanceBlock programs the instance block at physical address
	// inst with the page directory base pdb and the address space limit.
	BindInstanceBlock(inst, pdb, vaLimit uint64) error

	// TriggerTLBInvalidate starts invalidating the translations of the
	// address space whose page directory is at pdb.
	TriggerTLBInvalidate(pdb uint64) error

	// TriggerFBFlush starts a frame buffer flush.
	TriggerFBFlush() error

	// TriggerL2Flush starts an L2 write back. If invalidate is true the L2
	// is also invalidated.
	TriggerL2Flush(invalidate bool) error

	// TriggerL2Invalidate starts an L2 invalidate.
	TriggerL2Invalidate() error

	// Pending returns true while op is still in progress.
	Pending(op Op) bool
}
