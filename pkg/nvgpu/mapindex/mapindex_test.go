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

package mapindex

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
)

type buf struct {
	name       string
	start, end gmmu.Addr
}

func (b *buf) AddrRange() gmmu.AddrRange {
	return gmmu.AddrRange{Start: b.start, End: b.end}
}

func names(bs []*buf) []string {
	var ns []string
	for _, b := range bs {
		ns = append(ns, b.name)
	}
	return ns
}

func TestInsertOverlapEitherOrder(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b *buf
	}{
		{name: "identical", a: &buf{"a", 0, 0x2000}, b: &buf{"b", 0, 0x2000}},
		{name: "tail", a: &buf{"a", 0, 0x2000}, b: &buf{"b", 0x1000, 0x2000}},
		{name: "straddle", a: &buf{"a", 0x1000, 0x3000}, b: &buf{"b", 0, 0x2000}},
		{name: "contains", a: &buf{"a", 0, 0x10000}, b: &buf{"b", 0x4000, 0x5000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for _, order := range [][2]*buf{{tc.a, tc.b}, {tc.b, tc.a}} {
				x := New[*buf]()
				if err := x.Insert(order[0]); err != nil {
					t.Fatalf("Insert(%s): %v", order[0].name, err)
				}
				if err := x.Insert(order[1]); !errors.Is(err, gmmuerr.ErrOverlap) {
					t.Errorf("Insert(%s) after %s = %v, want %v", order[1].name, order[0].name, err, gmmuerr.ErrOverlap)
				}
				if x.Len() != 1 {
					t.Errorf("Len() = %d after rejected insert, want 1", x.Len())
				}
			}
		})
	}
}

func TestInsertAdjacent(t *testing.T) {
	x := New[*buf]()
	for _, b := range []*buf{{"c", 0x2000, 0x3000}, {"a", 0, 0x1000}, {"b", 0x1000, 0x2000}} {
		if err := x.Insert(b); err != nil {
			t.Fatalf("Insert(%s): %v", b.name, err)
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names(x.Enumerate())); diff != "" {
		t.Errorf("Enumerate() mismatch (-want +got):\n%s", diff)
	}
	if err := x.Insert(&buf{"empty", 0x5000, 0x5000}); !errors.Is(err, gmmuerr.ErrInvalidAlignment) {
		t.Errorf("Insert(empty) = %v, want %v", err, gmmuerr.ErrInvalidAlignment)
	}
}

func TestFind(t *testing.T) {
	x := New[*buf]()
	a := &buf{"a", 0x1000, 0x3000}
	b := &buf{"b", 0x8000, 0x9000}
	for _, v := range []*buf{a, b} {
		if err := x.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	for _, tc := range []struct {
		addr gmmu.Addr
		want *buf
	}{
		{0, nil},
		{0x1000, a},
		{0x2fff, a},
		{0x3000, nil},
		{0x8800, b},
		{0x9000, nil},
	} {
		got, ok := x.Find(tc.addr)
		if ok != (tc.want != nil) || got != tc.want {
			t.Errorf("Find(%v) = (%v, %t), want %v", tc.addr, got, ok, tc.want)
		}
	}
	if diff := cmp.Diff([]string{"a", "b"}, names(x.Overlapping(gmmu.AddrRange{Start: 0x2000, End: 0x8001}))); diff != "" {
		t.Errorf("Overlapping mismatch (-want +got):\n%s", diff)
	}
	if got := x.Overlapping(gmmu.AddrRange{Start: 0x3000, End: 0x8000}); len(got) != 0 {
		t.Errorf("Overlapping(gap) = %v, want none", names(got))
	}
}

func TestRemoveAndSnapshot(t *testing.T) {
	x := New[*buf]()
	a := &buf{"a", 0, 0x1000}
	b := &buf{"b", 0x1000, 0x2000}
	for _, v := range []*buf{a, b} {
		if err := x.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	snap := x.Enumerate()
	if !x.Remove(a) {
		t.Fatalf("Remove(a) = false")
	}
	if x.Remove(a) {
		t.Errorf("second Remove(a) = true")
	}
	// A different value at the same address is not removed.
	if x.Remove(&buf{"b2", 0x1000, 0x2000}) {
		t.Errorf("Remove of an impostor succeeded")
	}
	if diff := cmp.Diff([]string{"a", "b"}, names(snap)); diff != "" {
		t.Errorf("earlier snapshot changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b"}, names(x.Enumerate())); diff != "" {
		t.Errorf("Enumerate() after Remove mismatch (-want +got):\n%s", diff)
	}
	x.Clear()
	if got := x.Enumerate(); len(got) != 0 {
		t.Errorf("Enumerate() after Clear = %v", names(got))
	}
	// The freed range can be reused.
	if err := x.Insert(&buf{"c", 0, 0x2000}); err != nil {
		t.Errorf("Insert after Clear: %v", err)
	}
}
