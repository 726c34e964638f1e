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

// AccessMode is the access permitted through a mapping.
type AccessMode uint8

const (
	// ReadWrite mappings may be read and written by the GPU.
	ReadWrite AccessMode = iota

	// ReadOnly mappings fault on GPU writes.
	ReadOnly

	// WriteOnly mappings are written by the GPU but never read back.
	WriteOnly
)

// String implements fmt.Stringer.String.
func (a AccessMode) String() string {
	switch a {
	case ReadWrite:
		return "rw"
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(a))
	}
}

// ParseAccessMode parses the output of AccessMode.String.
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case "rw", "":
		return ReadWrite, nil
	case "ro":
		return ReadOnly, nil
	case "wo":
		return WriteOnly, nil
	default:
		return 0, fmt.Errorf("invalid access mode %q", s)
	}
}

// Kind is the hardware storage kind of a mapping. Kinds are opaque to the
// address space manager except for compressibility.
type Kind uint8

const (
	// KindPitch is the generic uncompressed kind.
	KindPitch Kind = 0x00

	// KindInvalid marks a kind the chip does not support.
	KindInvalid Kind = 0xff
)
