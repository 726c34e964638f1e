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

package pagetables

import (
	"fmt"

	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/nvgpu/hal"
)

// entrySize is the size of a PDE or PTE in bytes.
const entrySize = 8

// Sizing holds the page table geometry of a device.
type Sizing struct {
	// PageSizes is the page size of each class.
	PageSizes gmmu.PageSizes `json:"page_sizes" yaml:"page_sizes"`

	// PDEStrideShift is log2 of the address range covered by one PDE.
	PDEStrideShift uint `json:"pde_stride_shift" yaml:"pde_stride_shift"`

	// NumPDEs is the number of PDEs needed to cover the full GMMU range.
	NumPDEs uint64 `json:"num_pdes" yaml:"num_pdes"`

	// NumPTEs is the number of PTEs in a page table of each class.
	NumPTEs [gmmu.NumPageSizes]uint64 `json:"num_ptes" yaml:"num_ptes"`

	// Order is log2 of the number of small pages backing a page table of
	// each class.
	Order [gmmu.NumPageSizes]uint `json:"order" yaml:"order"`
}

// NewSizing computes the geometry for mmu with the given big page size.
func NewSizing(mmu hal.MMU, bigPageSize uint64) (Sizing, error) {
	if !hal.SupportsBigPageSize(mmu, bigPageSize) {
		return Sizing{}, fmt.Errorf("%s does not support big page size %#x", mmu.Name(), bigPageSize)
	}
	pageSizes, err := gmmu.NewPageSizes(bigPageSize)
	if err != nil {
		return Sizing{}, err
	}
	s := Sizing{
		PageSizes:      pageSizes,
		PDEStrideShift: mmu.PDEStrideShift(bigPageSize),
	}
	if s.PDEStrideShift >= gmmu.VARangeBits {
		return Sizing{}, fmt.Errorf("PDE stride shift %d exceeds the %d bit address range", s.PDEStrideShift, gmmu.VARangeBits)
	}
	s.NumPDEs = uint64(1) << (gmmu.VARangeBits - s.PDEStrideShift)
	for _, c := range gmmu.Classes {
		s.NumPTEs[c] = s.PDEStride() / pageSizes[c]
		pages := max(s.NumPTEs[c]*entrySize/gmmu.SmallPageSize, 1)
		s.Order[c] = gmmu.Log2(pages)
	}
	return s, nil
}

// PDEStride returns the address range covered by one PDE.
func (s Sizing) PDEStride() uint64 {
	return uint64(1) << s.PDEStrideShift
}

// TableSize returns the size in bytes of the memory backing a page table of
// class c.
func (s Sizing) TableSize(c gmmu.PageSizeClass) uint64 {
	return gmmu.SmallPageSize << s.Order[c]
}

// PDEIndex returns the PDE covering va.
func (s Sizing) PDEIndex(va gmmu.Addr) uint64 {
	return uint64(va) >> s.PDEStrideShift
}

// PTEIndex returns the index of the PTE of class c covering va within its
// page table.
func (s Sizing) PTEIndex(c gmmu.PageSizeClass, va gmmu.Addr) uint64 {
	return (uint64(va) & (s.PDEStride() - 1)) / s.PageSizes[c]
}

// NumPDEsFor returns the number of PDEs needed to cover [0, vaLimit).
func (s Sizing) NumPDEsFor(vaLimit uint64) uint64 {
	return (vaLimit + s.PDEStride() - 1) >> s.PDEStrideShift
}
