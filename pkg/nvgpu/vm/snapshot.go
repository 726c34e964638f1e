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
	"sort"

	"tegra.dev/nvgpu/pkg/gmmu"
)

// BufferState describes one mapping in a State.
type BufferState struct {
	Addr         uint64 `json:"addr" yaml:"addr"`
	Size         uint64 `json:"size" yaml:"size"`
	Class        string `json:"class" yaml:"class"`
	Kind         string `json:"kind" yaml:"kind"`
	Access       string `json:"access" yaml:"access"`
	Client       string `json:"client,omitempty" yaml:"client,omitempty"`
	Fixed        bool   `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	MapRefs      int    `json:"map_refs" yaml:"map_refs"`
	UserMapped   int    `json:"user_mapped" yaml:"user_mapped"`
	Refs         int64  `json:"refs" yaml:"refs"`
	CompTag      uint32 `json:"comptag,omitempty" yaml:"comptag,omitempty"`
	CompTagLines uint32 `json:"comptag_lines,omitempty" yaml:"comptag_lines,omitempty"`
}

// RangeState is an address range in a State.
type RangeState struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
	Class string `json:"class,omitempty" yaml:"class,omitempty"`
}

// AllocatorState describes one VMA allocator in a State.
type AllocatorState struct {
	Name      string       `json:"name" yaml:"name"`
	Base      uint64       `json:"base" yaml:"base"`
	Limit     uint64       `json:"limit" yaml:"limit"`
	PageSize  uint64       `json:"page_size" yaml:"page_size"`
	FreePages uint64       `json:"free_pages" yaml:"free_pages"`
	Allocated []RangeState `json:"allocated,omitempty" yaml:"allocated,omitempty"`
}

// State is a point-in-time description of a VM, used by debug dumps.
type State struct {
	ID           uint64           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	State        string           `json:"state" yaml:"state"`
	Suspended    bool             `json:"suspended,omitempty" yaml:"suspended,omitempty"`
	VAStart      uint64           `json:"va_start" yaml:"va_start"`
	VALimit      uint64           `json:"va_limit" yaml:"va_limit"`
	BigPages     bool             `json:"big_pages" yaml:"big_pages"`
	Privileged   bool             `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	PDB          uint64           `json:"pdb" yaml:"pdb"`
	TLBDirty     bool             `json:"tlb_dirty,omitempty" yaml:"tlb_dirty,omitempty"`
	Retired      int              `json:"retired,omitempty" yaml:"retired,omitempty"`
	PageTables   map[string]int   `json:"page_tables,omitempty" yaml:"page_tables,omitempty"`
	Allocators   []AllocatorState `json:"allocators,omitempty" yaml:"allocators,omitempty"`
	Buffers      []BufferState    `json:"buffers,omitempty" yaml:"buffers,omitempty"`
	Held         []BufferState    `json:"held,omitempty" yaml:"held,omitempty"`
	Reservations []RangeState     `json:"reservations,omitempty" yaml:"reservations,omitempty"`
}

// Snapshot returns the current state of the VM.
func (vm *VM) Snapshot() State {
	vm.updateGMMULock.Lock()
	defer vm.updateGMMULock.Unlock()
	s := State{
		ID:         vm.id,
		Name:       vm.name,
		State:      vm.state.String(),
		Suspended:  vm.suspended,
		VAStart:    vm.vaStart,
		VALimit:    vm.vaLimit,
		BigPages:   vm.bigPages,
		Privileged: vm.privileged,
		PDB:        vm.pdb,
		TLBDirty:   vm.dirtyGen != vm.cleanGen.Load(),
		Retired:    len(vm.retired),
	}
	if vm.state != stateActive {
		return s
	}
	s.PageTables = make(map[string]int)
	for _, c := range gmmu.Classes {
		s.PageTables[c.String()] = vm.dir.NumTables(c)
	}
	for _, a := range vm.vma {
		if a == nil {
			continue
		}
		as := AllocatorState{
			Name:      a.Name(),
			Base:      uint64(a.Base()),
			Limit:     uint64(a.Limit()),
			PageSize:  a.PageSize(),
			FreePages: a.FreePages(),
		}
		for _, r := range a.Allocated() {
			as.Allocated = append(as.Allocated, RangeState{Start: uint64(r.Start), End: uint64(r.End)})
		}
		s.Allocators = append(s.Allocators, as)
	}
	for _, buf := range vm.index.Enumerate() {
		s.Buffers = append(s.Buffers, vm.bufferStateLocked(buf))
	}
	for buf := range vm.pending {
		s.Held = append(s.Held, vm.bufferStateLocked(buf))
	}
	sort.Slice(s.Held, func(i, j int) bool { return s.Held[i].Addr < s.Held[j].Addr })
	for _, res := range vm.reserved.Enumerate() {
		s.Reservations = append(s.Reservations, RangeState{
			Start: uint64(res.addr),
			End:   uint64(res.AddrRange().End),
			Class: res.class.String(),
		})
	}
	return s
}

// Preconditions: vm.updateGMMULock must be locked.
func (vm *VM) bufferStateLocked(buf *MappedBuffer) BufferState {
	bs := BufferState{
		Addr:         uint64(buf.addr),
		Size:         buf.size,
		Class:        buf.class.String(),
		Kind:         vm.mmu.KindName(buf.kind),
		Access:       buf.access.String(),
		Fixed:        buf.fixed,
		MapRefs:      buf.mapRefs,
		UserMapped:   buf.userMapped,
		Refs:         buf.ReadRefs(),
		CompTag:      buf.compTag,
		CompTagLines: buf.compTagLines,
	}
	if buf.client != nil {
		bs.Client = buf.client.Name()
	}
	return bs
}
