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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
)

func mustLookup(t *testing.T, chip string) MMU {
	t.Helper()
	m, err := Lookup(chip)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", chip, err)
	}
	return m
}

func TestRegistry(t *testing.T) {
	if diff := cmp.Diff([]string{"gk20a", "gm20b"}, List()); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if _, err := Lookup("gv11b"); err == nil {
		t.Errorf("Lookup(gv11b) succeeded")
	}
	defer func() {
		if recover() == nil {
			t.Errorf("duplicate Register did not panic")
		}
	}()
	Register("gk20a", newGK20A)
}

func TestPTEEncoding(t *testing.T) {
	m := mustLookup(t, "gk20a")
	for _, tc := range []struct {
		name string
		pte  PTE
		want uint64
	}{
		{
			name: "invalid",
			pte:  PTE{Phys: 0x1000},
			want: 0,
		},
		{
			name: "plain",
			pte:  PTE{Valid: true, Phys: 0x80000000},
			want: 1 | 0x80000<<4 | 1<<33,
		},
		{
			name: "read only kind and comptag",
			pte:  PTE{Valid: true, ReadOnly: true, Phys: 0x1000, Kind: 0xdb, CompTag: 3},
			want: 1 | 1<<2 | 1<<4 | 1<<33 | 0xdb<<36 | 3<<44,
		},
		{
			name: "privileged write only",
			pte:  PTE{Valid: true, Privileged: true, ReadDisable: true, Phys: 0x2000},
			want: 1 | 1<<1 | 2<<4 | 1<<33 | 1<<62,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.EncodePTE(tc.pte)
			if err != nil {
				t.Fatalf("EncodePTE: %v", err)
			}
			if got != tc.want {
				t.Errorf("EncodePTE(%+v) = %#x, want %#x", tc.pte, got, tc.want)
			}
			want := tc.pte
			if !want.Valid {
				want = PTE{}
			}
			if diff := cmp.Diff(want, m.DecodePTE(got)); diff != "" {
				t.Errorf("DecodePTE mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPTEEncodingErrors(t *testing.T) {
	m := mustLookup(t, "gk20a")
	for _, tc := range []struct {
		pte  PTE
		want error
	}{
		{PTE{Valid: true, Phys: 0x1234}, gmmuerr.ErrInvalidAlignment},
		{PTE{Valid: true, Phys: 1 << 41}, gmmuerr.ErrOutOfRange},
		{PTE{Valid: true, Phys: 0x1000, CompTag: 1 << 17}, gmmuerr.ErrOutOfRange},
	} {
		if _, err := m.EncodePTE(tc.pte); !errors.Is(err, tc.want) {
			t.Errorf("EncodePTE(%+v) = %v, want %v", tc.pte, err, tc.want)
		}
	}
}

func TestPDEEncoding(t *testing.T) {
	m := mustLookup(t, "gm20b")
	for _, pde := range []PDE{
		{},
		{Tables: [gmmu.NumPageSizes]uint64{0x10000, 0}},
		{Tables: [gmmu.NumPageSizes]uint64{0, 0x20000}},
		{Tables: [gmmu.NumPageSizes]uint64{0x10000, 0x20000}},
	} {
		v, err := m.EncodePDE(pde)
		if err != nil {
			t.Fatalf("EncodePDE(%+v): %v", pde, err)
		}
		if diff := cmp.Diff(pde, m.DecodePDE(v)); diff != "" {
			t.Errorf("DecodePDE(%#x) mismatch (-want +got):\n%s", v, diff)
		}
	}
}

func TestGenerations(t *testing.T) {
	for _, tc := range []struct {
		chip         string
		bigPageSizes []uint64
		shift        uint
		compressible gmmu.Kind
		hasC64       bool
	}{
		{chip: "gk20a", bigPageSizes: []uint64{128 << 10}, shift: 27, compressible: 0xdb},
		{chip: "gm20b", bigPageSizes: []uint64{64 << 10, 128 << 10}, shift: 27, compressible: 0xdb, hasC64: true},
	} {
		t.Run(tc.chip, func(t *testing.T) {
			m := mustLookup(t, tc.chip)
			if m.Name() != tc.chip {
				t.Errorf("Name() = %q, want %q", m.Name(), tc.chip)
			}
			if diff := cmp.Diff(tc.bigPageSizes, m.BigPageSizes()); diff != "" {
				t.Errorf("BigPageSizes() mismatch (-want +got):\n%s", diff)
			}
			if got := m.PDEStrideShift(m.DefaultBigPageSize()); got != tc.shift {
				t.Errorf("PDEStrideShift() = %d, want %d", got, tc.shift)
			}
			if !m.Compressible(tc.compressible) || m.Compressible(gmmu.KindPitch) {
				t.Errorf("Compressible() wrong")
			}
			if _, ok := m.KindByName("c64_2c"); ok != tc.hasC64 {
				t.Errorf("KindByName(c64_2c) ok = %t, want %t", ok, tc.hasC64)
			}
			if m.ValidKind(gmmu.KindInvalid) {
				t.Errorf("ValidKind(KindInvalid) = true")
			}
			if got := m.KindName(0xfe); got != "generic_16bx2" {
				t.Errorf("KindName(0xfe) = %q", got)
			}
		})
	}
}
