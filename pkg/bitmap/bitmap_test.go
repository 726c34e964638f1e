// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetClearRange(t *testing.T) {
	for _, tc := range []struct {
		name       string
		size       uint64
		set        [][2]uint64
		clear      [][2]uint64
		wantBits   []uint64
		wantCount  uint64
		checkRange [2]uint64
		wantInRng  uint64
	}{
		{
			name:       "within one block",
			size:       64,
			set:        [][2]uint64{{3, 6}},
			wantBits:   []uint64{3, 4, 5},
			wantCount:  3,
			checkRange: [2]uint64{0, 64},
			wantInRng:  3,
		},
		{
			name:       "across blocks",
			size:       200,
			set:        [][2]uint64{{62, 130}},
			clear:      [][2]uint64{{63, 129}},
			wantBits:   []uint64{62, 129},
			wantCount:  2,
			checkRange: [2]uint64{60, 130},
			wantInRng:  2,
		},
		{
			name:       "overlapping sets count once",
			size:       128,
			set:        [][2]uint64{{0, 10}, {5, 15}},
			wantCount:  15,
			checkRange: [2]uint64{10, 20},
			wantInRng:  5,
		},
		{
			name:       "whole bitmap",
			size:       128,
			set:        [][2]uint64{{0, 128}},
			clear:      [][2]uint64{{64, 128}},
			wantCount:  64,
			checkRange: [2]uint64{0, 128},
			wantInRng:  64,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.size)
			for _, r := range tc.set {
				b.SetRange(r[0], r[1])
			}
			for _, r := range tc.clear {
				b.ClearRange(r[0], r[1])
			}
			if got := b.Count(); got != tc.wantCount {
				t.Errorf("Count() = %d, want %d", got, tc.wantCount)
			}
			if tc.wantBits != nil {
				if diff := cmp.Diff(tc.wantBits, b.ToSlice()); diff != "" {
					t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
				}
			}
			if got := b.CountRange(tc.checkRange[0], tc.checkRange[1]); got != tc.wantInRng {
				t.Errorf("CountRange(%v) = %d, want %d", tc.checkRange, got, tc.wantInRng)
			}
		})
	}
}

func TestFirstZeroFirstOne(t *testing.T) {
	b := New(130)
	b.SetRange(0, 70)
	if got, ok := b.FirstZero(0); !ok || got != 70 {
		t.Errorf("FirstZero(0) = (%d, %t), want (70, true)", got, ok)
	}
	if got, ok := b.FirstOne(10); !ok || got != 10 {
		t.Errorf("FirstOne(10) = (%d, %t), want (10, true)", got, ok)
	}
	if _, ok := b.FirstOne(70); ok {
		t.Errorf("FirstOne(70) found a bit in an empty tail")
	}
	b.SetRange(70, 130)
	if _, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero found a bit in a full bitmap")
	}
}

func TestFindZeroRun(t *testing.T) {
	for _, tc := range []struct {
		name   string
		size   uint64
		set    [][2]uint64
		start  uint64
		n      uint64
		align  uint64
		want   uint64
		wantOK bool
	}{
		{name: "empty", size: 16, n: 4, want: 0, wantOK: true},
		{name: "skips used prefix", size: 16, set: [][2]uint64{{0, 3}}, n: 2, want: 3, wantOK: true},
		{name: "hole too small", size: 16, set: [][2]uint64{{0, 2}, {3, 8}}, n: 2, want: 8, wantOK: true},
		{name: "aligned", size: 64, set: [][2]uint64{{0, 1}}, n: 4, align: 8, want: 8, wantOK: true},
		{name: "exact fit at end", size: 10, set: [][2]uint64{{0, 7}}, n: 3, want: 7, wantOK: true},
		{name: "no room", size: 10, set: [][2]uint64{{0, 8}}, n: 3, wantOK: false},
		{name: "zero length", size: 10, n: 0, wantOK: false},
		{name: "across block boundary", size: 256, set: [][2]uint64{{0, 60}, {70, 80}}, n: 20, want: 80, wantOK: true},
		{name: "aligned relative to start", size: 64, start: 3, set: [][2]uint64{{3, 4}}, n: 2, align: 4, want: 7, wantOK: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.size)
			for _, r := range tc.set {
				b.SetRange(r[0], r[1])
			}
			got, ok := b.FindZeroRun(tc.start, tc.n, tc.align)
			if ok != tc.wantOK || (ok && got != tc.want) {
				t.Errorf("FindZeroRun(%d, %d, %d) = (%d, %t), want (%d, %t)", tc.start, tc.n, tc.align, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := New(8)
	defer func() {
		if recover() == nil {
			t.Errorf("SetRange past the end did not panic")
		}
	}()
	b.SetRange(4, 9)
}
