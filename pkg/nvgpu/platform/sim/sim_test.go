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

package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/refs"
)

func TestAllocRelease(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	d := New(Options{PhysBase: 0x100000})
	m, err := d.AllocPages(context.Background(), 0x2000)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	want := platform.SGT{{Phys: 0x100000, Length: 0x2000}}
	if diff := cmp.Diff(want, m.SGT()); diff != "" {
		t.Errorf("SGT mismatch (-want +got):\n%s", diff)
	}
	if got := d.LiveAllocations(); got != 1 {
		t.Errorf("LiveAllocations() = %d, want 1", got)
	}
	if got := len(refs.LiveObjects("sim.Memory")); got != 1 {
		t.Errorf("registered objects = %d, want 1", got)
	}
	m.IncRef()
	m.DecRef()
	if got := d.LiveBytes(); got != 0x2000 {
		t.Errorf("LiveBytes() = %#x, want 0x2000", got)
	}
	m.DecRef()
	if got := d.LiveAllocations(); got != 0 {
		t.Errorf("LiveAllocations() after release = %d, want 0", got)
	}
	if got := refs.DoRepeatedLeakCheck(); got != 0 {
		t.Errorf("DoRepeatedLeakCheck() = %d, want 0", got)
	}
}

func TestNewBufferChunks(t *testing.T) {
	d := New(Options{PhysBase: 0x100000})
	m, err := d.NewBuffer(0x5000, 0x2000)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	defer m.DecRef()
	want := platform.SGT{
		{Phys: 0x100000, Length: 0x2000},
		{Phys: 0x103000, Length: 0x2000},
		{Phys: 0x106000, Length: 0x1000},
	}
	if diff := cmp.Diff(want, m.SGT()); diff != "" {
		t.Errorf("SGT mismatch (-want +got):\n%s", diff)
	}
}

func TestFailAllocations(t *testing.T) {
	d := New(Options{})
	ctx := context.Background()
	d.FailAllocations(1, 2)
	var got []bool
	for i := 0; i < 4; i++ {
		m, err := d.AllocPages(ctx, 0x1000)
		if err != nil && !errors.Is(err, gmmuerr.ErrAllocFailed) {
			t.Fatalf("AllocPages: unexpected error %v", err)
		}
		got = append(got, err == nil)
		if m != nil {
			m.DecRef()
		}
	}
	if diff := cmp.Diff([]bool{true, false, false, true}, got); diff != "" {
		t.Errorf("allocation results mismatch (-want +got):\n%s", diff)
	}
	if _, err := d.AllocPages(ctx, 0x800); !errors.Is(err, gmmuerr.ErrInvalidAlignment) {
		t.Errorf("AllocPages(0x800) = %v, want %v", err, gmmuerr.ErrInvalidAlignment)
	}
}

func TestPendingAck(t *testing.T) {
	d := New(Options{AckPolls: 2})
	if err := d.TriggerFBFlush(); err != nil {
		t.Fatalf("TriggerFBFlush: %v", err)
	}
	var got []bool
	for i := 0; i < 4; i++ {
		got = append(got, d.Pending(platform.OpFBFlush))
	}
	if diff := cmp.Diff([]bool{true, true, false, false}, got); diff != "" {
		t.Errorf("Pending sequence mismatch (-want +got):\n%s", diff)
	}

	d.SetStuck(platform.OpL2Flush, true)
	if err := d.TriggerL2Flush(true); err != nil {
		t.Fatalf("TriggerL2Flush: %v", err)
	}
	for i := 0; i < 10; i++ {
		if !d.Pending(platform.OpL2Flush) {
			t.Fatalf("stuck operation completed")
		}
	}
	wantCalls := []Call{{Op: "fb_flush"}, {Op: "l2_flush", Args: []uint64{1}}}
	if diff := cmp.Diff(wantCalls, d.Calls()); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
}
