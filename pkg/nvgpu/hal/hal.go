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

// Package hal describes the GMMU of each supported GPU generation: page
// table entry layout, supported big page sizes and storage kinds.
//
// Implementations register themselves by chip name and are selected when an
// address space is constructed.
package hal

import (
	"fmt"
	"sort"

	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/sync"
)

// PTE is a decoded page table entry.
type PTE struct {
	Valid       bool
	Privileged  bool
	ReadOnly    bool
	ReadDisable bool
	Volatile    bool

	// Phys is the physical address of the page. It must be aligned to the
	// small page size.
	Phys uint64

	Kind    gmmu.Kind
	CompTag uint32
}

// PDE is a decoded page directory entry. Each PDE points at up to one page
// table per page size class.
type PDE struct {
	// Tables holds the physical address of the page table of each class,
	// or 0 if the class has no table under this PDE.
	Tables [gmmu.NumPageSizes]uint64
}

// MMU describes the GMMU of one GPU generation.
type MMU interface {
	// Name returns the chip name the MMU is registered under.
	Name() string

	// BigPageSizes returns the supported big page sizes, smallest first.
	BigPageSizes() []uint64

	// DefaultBigPageSize returns the big page size used when none is
	// configured.
	DefaultBigPageSize() uint64

	// PDEStrideShift returns log2 of the address range covered by one PDE
	// for the given big page size.
	PDEStrideShift(bigPageSize uint64) uint

	// EncodePTE returns the hardware representation of pte.
	EncodePTE(pte PTE) (uint64, error)

	// DecodePTE is the inverse of EncodePTE.
	DecodePTE(v uint64) PTE

	// EncodePDE returns the hardware representation of pde.
	EncodePDE(pde PDE) (uint64, error)

	// DecodePDE is the inverse of EncodePDE.
	DecodePDE(v uint64) PDE

	// ValidKind returns true if the chip supports storage kind k.
	ValidKind(k gmmu.Kind) bool

	// Compressible returns true if mappings of kind k need a compression
	// tag range.
	Compressible(k gmmu.Kind) bool

	// KindByName resolves a storage kind name, as used in dumps and
	// scripts.
	KindByName(name string) (gmmu.Kind, bool)

	// KindName returns the name of k.
	KindName(k gmmu.Kind) string

	// CompTagLineSize returns the number of bytes covered by one
	// compression tag line.
	CompTagLineSize() uint64
}

// Constructor returns a new MMU.
type Constructor func() MMU

var (
	mmusMu sync.Mutex

	// mmus is the set of registered MMUs, keyed by chip name.
	//
	// +checklocks:mmusMu
	mmus = make(map[string]Constructor)
)

// Register registers a new MMU constructor for chip. It panics if chip is
// already registered.
func Register(chip string, c Constructor) {
	mmusMu.Lock()
	defer mmusMu.Unlock()
	if _, ok := mmus[chip]; ok {
		panic(fmt.Sprintf("duplicate MMU registration for chip %q", chip))
	}
	mmus[chip] = c
}

// Lookup returns a new MMU for chip.
func Lookup(chip string) (MMU, error) {
	mmusMu.Lock()
	c, ok := mmus[chip]
	mmusMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown chip %q", chip)
	}
	return c(), nil
}

// List returns the registered chip names, sorted.
func List() []string {
	mmusMu.Lock()
	defer mmusMu.Unlock()
	names := make([]string, 0, len(mmus))
	for name := range mmus {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsBigPageSize returns true if size is one of m's big page sizes.
func SupportsBigPageSize(m MMU, size uint64) bool {
	for _, s := range m.BigPageSizes() {
		if s == size {
			return true
		}
	}
	return false
}
