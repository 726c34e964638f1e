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

package gmmu

import (
	"fmt"
)

// GMMU geometry.
const (
	// VARangeBits is the width of a GPU virtual address.
	VARangeBits = 35

	// VARange is the size of the full GPU virtual address range (32 GiB).
	VARange = uint64(1) << VARangeBits

	// SmallPageShift is the log2 of SmallPageSize.
	SmallPageShift = 12

	// SmallPageSize is the size of a small page.
	SmallPageSize = uint64(1) << SmallPageShift

	// BigPageSize64K and BigPageSize128K are the two big page sizes the
	// hardware supports. The choice is made per device.
	BigPageSize64K  = uint64(64 << 10)
	BigPageSize128K = uint64(128 << 10)

	// PTEAddrShift is the shift applied to physical addresses stored in PTEs
	// and PDEs.
	PTEAddrShift = 12
)

// PageSizeClass is one of the closed set of page granularities a mapping may
// use. Each class has its own VMA allocator and page table array.
type PageSizeClass int

const (
	// PageSizeSmall is the 4 KiB class.
	PageSizeSmall PageSizeClass = iota

	// PageSizeBig is the 64 KiB or 128 KiB class.
	PageSizeBig

	// NumPageSizes is the number of page size classes.
	NumPageSizes
)

// Classes lists every page size class in index order.
var Classes = [NumPageSizes]PageSizeClass{PageSizeSmall, PageSizeBig}

// Valid returns true if c is a known class.
func (c PageSizeClass) Valid() bool {
	return c >= PageSizeSmall && c < NumPageSizes
}

// String implements fmt.Stringer.String.
func (c PageSizeClass) String() string {
	switch c {
	case PageSizeSmall:
		return "small"
	case PageSizeBig:
		return "big"
	default:
		return fmt.Sprintf("PageSizeClass(%d)", int(c))
	}
}

// ParsePageSizeClass parses the output of PageSizeClass.String.
func ParsePageSizeClass(s string) (PageSizeClass, error) {
	switch s {
	case "small", "":
		return PageSizeSmall, nil
	case "big":
		return PageSizeBig, nil
	default:
		return 0, fmt.Errorf("invalid page size class %q", s)
	}
}

// PageSizes holds the page size of each class for one device.
type PageSizes [NumPageSizes]uint64

// NewPageSizes returns the page sizes for a device with the given big page
// size, which must be BigPageSize64K or BigPageSize128K.
func NewPageSizes(bigPageSize uint64) (PageSizes, error) {
	if bigPageSize != BigPageSize64K && bigPageSize != BigPageSize128K {
		return PageSizes{}, fmt.Errorf("unsupported big page size %#x", bigPageSize)
	}
	return PageSizes{SmallPageSize, bigPageSize}, nil
}

// IsUpper returns true if addr lies in the upper half of an address space
// ending at vaLimit. With big pages enabled the upper half is reserved for
// big page mappings.
func IsUpper(addr Addr, vaLimit uint64) bool {
	return uint64(addr) >= vaLimit>>1
}
