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

package hal

import (
	"fmt"

	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
)

// PTE layout. The entry is two 32-bit words; word 1 occupies bits 32-63.
const (
	pteValid       = 1 << 0
	ptePrivilege   = 1 << 1
	pteReadOnly    = 1 << 2
	pteAddrShift   = 4
	pteAddrMask    = 0xfffffff
	pteVolatile    = 1 << 32
	pteAperture    = 1 << 33 // system coherent memory
	pteKindShift   = 36
	pteKindMask    = 0xff
	pteCompShift   = 44
	pteCompMask    = 0x1ffff
	pteReadDisable = 1 << 62
)

// PDE layout. Word 0 describes the big page table, word 1 the small one.
const (
	pdeApertureMask = 0x3
	pdeApertureSys  = 0x2
	pdeAddrShift    = 4
	pdeAddrMask     = 0xfffffff
	pdeSmallShift   = 32
)

type kindInfo struct {
	name         string
	compressible bool
}

var gk20aKinds = map[gmmu.Kind]kindInfo{
	gmmu.KindPitch: {name: "pitch"},
	0x01:           {name: "z16"},
	0x06:           {name: "z16_2cz", compressible: true},
	0x46:           {name: "s8z24"},
	0x4b:           {name: "s8z24_2cz", compressible: true},
	0xc0:           {name: "c32_2c", compressible: true},
	0xdb:           {name: "c32_2cra", compressible: true},
	0xfe:           {name: "generic_16bx2"},
}

// gk20a is the GMMU of the GK20A (Kepler) integrated GPU.
type gk20a struct {
	kinds map[gmmu.Kind]kindInfo
}

func newGK20A() MMU {
	return &gk20a{kinds: gk20aKinds}
}

func init() {
	Register("gk20a", newGK20A)
}

// Name implements MMU.Name.
func (*gk20a) Name() string {
	return "gk20a"
}

// BigPageSizes implements MMU.BigPageSizes.
func (*gk20a) BigPageSizes() []uint64 {
	return []uint64{gmmu.BigPageSize128K}
}

// DefaultBigPageSize implements MMU.DefaultBigPageSize.
func (*gk20a) DefaultBigPageSize() uint64 {
	return gmmu.BigPageSize128K
}

// PDEStrideShift implements MMU.PDEStrideShift.
//
// A PDE covers 1024 big pages.
func (*gk20a) PDEStrideShift(bigPageSize uint64) uint {
	return 10 + gmmu.Log2(bigPageSize)
}

func encodeAddr(phys uint64) (uint64, error) {
	if phys&(gmmu.SmallPageSize-1) != 0 {
		return 0, fmt.Errorf("physical address %#x: %w", phys, gmmuerr.ErrInvalidAlignment)
	}
	frame := phys >> gmmu.PTEAddrShift
	if frame > pteAddrMask {
		return 0, fmt.Errorf("physical address %#x: %w", phys, gmmuerr.ErrOutOfRange)
	}
	return frame, nil
}

// EncodePTE implements MMU.EncodePTE.
func (*gk20a) EncodePTE(pte PTE) (uint64, error) {
	if !pte.Valid {
		return 0, nil
	}
	frame, err := encodeAddr(pte.Phys)
	if err != nil {
		return 0, err
	}
	if uint64(pte.CompTag) > pteCompMask {
		return 0, fmt.Errorf("compression tag %#x: %w", pte.CompTag, gmmuerr.ErrOutOfRange)
	}
	v := uint64(pteValid) | frame<<pteAddrShift | pteAperture
	if pte.Privileged {
		v |= ptePrivilege
	}
	if pte.ReadOnly {
		v |= pteReadOnly
	}
	if pte.ReadDisable {
		v |= pteReadDisable
	}
	if pte.Volatile {
		v |= pteVolatile
	}
	v |= uint64(pte.Kind) << pteKindShift
	v |= uint64(pte.CompTag) << pteCompShift
	return v, nil
}

// DecodePTE implements MMU.DecodePTE.
func (*gk20a) DecodePTE(v uint64) PTE {
	if v&pteValid == 0 {
		return PTE{}
	}
	return PTE{
		Valid:       true,
		Privileged:  v&ptePrivilege != 0,
		ReadOnly:    v&pteReadOnly != 0,
		ReadDisable: v&pteReadDisable != 0,
		Volatile:    v&pteVolatile != 0,
		Phys:        (v >> pteAddrShift & pteAddrMask) << gmmu.PTEAddrShift,
		Kind:        gmmu.Kind(v >> pteKindShift & pteKindMask),
		CompTag:     uint32(v >> pteCompShift & pteCompMask),
	}
}

func encodePDEWord(phys uint64) (uint64, error) {
	if phys == 0 {
		return 0, nil
	}
	frame, err := encodeAddr(phys)
	if err != nil {
		return 0, err
	}
	return pdeApertureSys | frame<<pdeAddrShift, nil
}

func decodePDEWord(w uint64) uint64 {
	if w&pdeApertureMask == 0 {
		return 0
	}
	return (w >> pdeAddrShift & pdeAddrMask) << gmmu.PTEAddrShift
}

// EncodePDE implements MMU.EncodePDE.
func (*gk20a) EncodePDE(pde PDE) (uint64, error) {
	big, err := encodePDEWord(pde.Tables[gmmu.PageSizeBig])
	if err != nil {
		return 0, err
	}
	small, err := encodePDEWord(pde.Tables[gmmu.PageSizeSmall])
	if err != nil {
		return 0, err
	}
	return big | small<<pdeSmallShift, nil
}

// DecodePDE implements MMU.DecodePDE.
func (*gk20a) DecodePDE(v uint64) PDE {
	var pde PDE
	pde.Tables[gmmu.PageSizeBig] = decodePDEWord(v & 0xffffffff)
	pde.Tables[gmmu.PageSizeSmall] = decodePDEWord(v >> pdeSmallShift)
	return pde
}

// ValidKind implements MMU.ValidKind.
func (m *gk20a) ValidKind(k gmmu.Kind) bool {
	_, ok := m.kinds[k]
	return ok
}

// Compressible implements MMU.Compressible.
func (m *gk20a) Compressible(k gmmu.Kind) bool {
	return m.kinds[k].compressible
}

// KindByName implements MMU.KindByName.
func (m *gk20a) KindByName(name string) (gmmu.Kind, bool) {
	for k, info := range m.kinds {
		if info.name == name {
			return k, true
		}
	}
	return gmmu.KindInvalid, false
}

// KindName implements MMU.KindName.
func (m *gk20a) KindName(k gmmu.Kind) string {
	if info, ok := m.kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%#x)", uint8(k))
}

// CompTagLineSize implements MMU.CompTagLineSize.
func (*gk20a) CompTagLineSize() uint64 {
	return 128 << 10
}
