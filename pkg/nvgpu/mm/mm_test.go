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

package mm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"tegra.dev/nvgpu/pkg/atomicbitops"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/nvgpu/platform/sim"
	"tegra.dev/nvgpu/pkg/nvgpu/vm"
)

const (
	page  = 4 << 10
	bigPg = 128 << 10
)

func newMM(t *testing.T, dev platform.Device, opts Options) *MemoryManager {
	t.Helper()
	if opts.FlushTimeout == 0 {
		opts.FlushTimeout = 50 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Microsecond
	}
	mm, err := Init(context.Background(), dev, opts)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { mm.Remove(context.Background()) })
	return mm
}

func buffer(t *testing.T, dev *sim.Device, size, chunk uint64) vm.BufferRef {
	t.Helper()
	m, err := dev.NewBuffer(size, chunk)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	t.Cleanup(m.DecRef)
	return vm.BufferRef{Client: sim.Client("test"), Memory: m}
}

func TestInit(t *testing.T) {
	dev := sim.New(sim.Options{AckPolls: 2})
	mm := newMM(t, dev, Options{})

	var binds []sim.Call
	for _, c := range dev.Calls() {
		if c.Op == "bind_inst" {
			binds = append(binds, c)
		}
	}
	want := []sim.Call{
		{Op: "bind_inst", Args: []uint64{mm.bar1.phys(), mm.BAR1().PDB(), BAR1Size}},
		{Op: "bind_inst", Args: []uint64{mm.pmu.phys(), mm.PMU().PDB(), PMUSize}},
	}
	if diff := cmp.Diff(want, binds); diff != "" {
		t.Errorf("instance block binds mismatch (-want +got):\n%s", diff)
	}

	if got := mm.VMs(); len(got) != 2 || got[0] != mm.BAR1() || got[1] != mm.PMU() {
		t.Errorf("VMs() = %v, want [bar1 pmu]", got)
	}
	if mm.BAR1().BigPages() || mm.PMU().BigPages() {
		t.Errorf("privileged address spaces use big pages")
	}
	if got := mm.Sizing().PageSizes[gmmu.PageSizeBig]; got != bigPg {
		t.Errorf("BigPageSize = %#x, want %#x", got, bigPg)
	}
	if got := mm.MMU().Name(); got != "gk20a" {
		t.Errorf("MMU = %q, want gk20a", got)
	}
}

func TestInitOptions(t *testing.T) {
	for _, tc := range []struct {
		name    string
		chip    string
		opts    Options
		wantErr error
	}{
		{
			name: "gk20a default",
			chip: "gk20a",
		},
		{
			name:    "gk20a 64K big pages",
			chip:    "gk20a",
			opts:    Options{BigPageSize: 64 << 10},
			wantErr: gmmuerr.ErrInvalidAlignment,
		},
		{
			name: "gm20b 64K big pages",
			chip: "gm20b",
			opts: Options{BigPageSize: 64 << 10},
		},
		{
			name:    "too few comptag lines",
			chip:    "gk20a",
			opts:    Options{CompTagLines: 1},
			wantErr: gmmuerr.ErrOutOfRange,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(sim.Options{Chip: tc.chip})
			mm, err := Init(context.Background(), dev, tc.opts)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Init = %v, want %v", err, tc.wantErr)
				}
				if n := dev.LiveAllocations(); n != 0 {
					t.Errorf("LiveAllocations after failed Init = %d, want 0", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			mm.Remove(context.Background())
		})
	}
}

func TestInitUnknownChip(t *testing.T) {
	dev := sim.New(sim.Options{Chip: "gp10b"})
	if _, err := Init(context.Background(), dev, Options{}); err == nil {
		t.Fatalf("Init on unknown chip succeeded")
	}
}

func TestInitAllocFailure(t *testing.T) {
	for after := 0; after < 4; after++ {
		t.Run(fmt.Sprintf("after %d", after), func(t *testing.T) {
			dev := sim.New(sim.Options{})
			dev.FailAllocations(after, 1)
			_, err := Init(context.Background(), dev, Options{})
			if !errors.Is(err, gmmuerr.ErrAllocFailed) {
				t.Fatalf("Init = %v, want ErrAllocFailed", err)
			}
			if n := dev.LiveAllocations(); n != 0 {
				t.Errorf("LiveAllocations = %d, want 0", n)
			}
		})
	}
}

func TestFlushOps(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{AckPolls: 3})
	mm := newMM(t, dev, Options{})

	for _, tc := range []struct {
		name   string
		op     func() error
		call   sim.Call
		metric func() uint64
	}{
		{
			name:   "tlb invalidate",
			op:     func() error { return mm.InvalidateTLB(ctx, 0x1000) },
			call:   sim.Call{Op: "tlb_invalidate", Args: []uint64{0x1000}},
			metric: func() uint64 { return tlbInvalidatesMetric.Value() },
		},
		{
			name:   "fb flush",
			op:     func() error { return mm.FBFlush(ctx) },
			call:   sim.Call{Op: "fb_flush"},
			metric: func() uint64 { return fbFlushesMetric.Value() },
		},
		{
			name:   "l2 flush",
			op:     func() error { return mm.L2Flush(ctx, false) },
			call:   sim.Call{Op: "l2_flush", Args: []uint64{0}},
			metric: func() uint64 { return l2FlushesMetric.Value("false") },
		},
		{
			name:   "l2 flush and invalidate",
			op:     func() error { return mm.L2Flush(ctx, true) },
			call:   sim.Call{Op: "l2_flush", Args: []uint64{1}},
			metric: func() uint64 { return l2FlushesMetric.Value("true") },
		},
		{
			name:   "l2 invalidate",
			op:     func() error { return mm.L2Invalidate(ctx) },
			call:   sim.Call{Op: "l2_invalidate"},
			metric: func() uint64 { return l2InvalidatesMetric.Value() },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev.ResetCalls()
			before := tc.metric()
			if err := tc.op(); err != nil {
				t.Fatalf("op: %v", err)
			}
			if diff := cmp.Diff([]sim.Call{tc.call}, dev.Calls()); diff != "" {
				t.Errorf("register accesses mismatch (-want +got):\n%s", diff)
			}
			if got := tc.metric() - before; got != 1 {
				t.Errorf("metric delta = %d, want 1", got)
			}
		})
	}
}

func TestFlushTimeout(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	mm := newMM(t, dev, Options{FlushTimeout: 20 * time.Millisecond})

	dev.SetStuck(platform.OpFBFlush, true)
	before := timeoutsMetric.Value("fb_flush")
	start := time.Now()
	err := mm.FBFlush(ctx)
	if !errors.Is(err, gmmuerr.ErrTimedOut) {
		t.Fatalf("FBFlush on stuck hardware = %v, want ErrTimedOut", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("FBFlush took %v to time out", elapsed)
	}
	if got := timeoutsMetric.Value("fb_flush") - before; got != 1 {
		t.Errorf("timeouts delta = %d, want 1", got)
	}

	// Other operations are unaffected.
	if err := mm.L2Invalidate(ctx); err != nil {
		t.Errorf("L2Invalidate: %v", err)
	}

	dev.SetStuck(platform.OpFBFlush, false)
	if err := mm.FBFlush(ctx); err != nil {
		t.Errorf("FBFlush after recovery: %v", err)
	}
}

func TestFlushCanceled(t *testing.T) {
	dev := sim.New(sim.Options{})
	mm := newMM(t, dev, Options{FlushTimeout: time.Minute})
	dev.SetStuck(platform.OpL2Flush, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := timeoutsMetric.Value("l2_flush")
	err := mm.L2Flush(ctx, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("L2Flush with canceled context = %v, want context.Canceled", err)
	}
	if got := timeoutsMetric.Value("l2_flush") - before; got != 0 {
		t.Errorf("timeouts delta = %d, want 0", got)
	}
}

func TestTLBInvalidateTimeoutKeepsMapping(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	mm := newMM(t, dev, Options{FlushTimeout: 10 * time.Millisecond})
	v, err := mm.NewVM(ctx, "client", VMOptions{})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	ref := buffer(t, dev, page, 0)

	dev.SetStuck(platform.OpTLBInvalidate, true)
	addr, err := v.Map(ctx, ref, vm.MapOpts{})
	if err != nil {
		t.Fatalf("Map with stuck TLB invalidate: %v", err)
	}
	if !v.Snapshot().TLBDirty {
		t.Errorf("TLB not dirty after failed invalidate")
	}

	dev.SetStuck(platform.OpTLBInvalidate, false)
	if err := v.TLBInval(ctx); err != nil {
		t.Fatalf("TLBInval: %v", err)
	}
	if v.Snapshot().TLBDirty {
		t.Errorf("TLB dirty after invalidate")
	}
	if _, _, _, err := v.FindBuffer(addr); err != nil {
		t.Errorf("FindBuffer(%v): %v", addr, err)
	}
}

func TestMapInvalidatesTLB(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{AckPolls: 1})
	mm := newMM(t, dev, Options{})
	v, err := mm.NewVM(ctx, "client", VMOptions{})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	ref := buffer(t, dev, 4*page, page)

	dev.ResetCalls()
	addr, err := v.Map(ctx, ref, vm.MapOpts{})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := v.Unmap(ctx, addr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	want := []sim.Call{
		{Op: "tlb_invalidate", Args: []uint64{v.PDB()}},
		{Op: "tlb_invalidate", Args: []uint64{v.PDB()}},
	}
	if diff := cmp.Diff(want, dev.Calls()); diff != "" {
		t.Errorf("register accesses mismatch (-want +got):\n%s", diff)
	}
}

func TestNewVM(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name      string
		bigPages  bool
		vmOpts    VMOptions
		wantBig   bool
		wantLimit uint64
	}{
		{
			name:      "small pages",
			wantLimit: gmmu.VARange,
		},
		{
			name:      "big pages",
			bigPages:  true,
			wantBig:   true,
			wantLimit: gmmu.VARange,
		},
		{
			name:      "big pages disabled per vm",
			bigPages:  true,
			vmOpts:    VMOptions{SmallPagesOnly: true},
			wantLimit: gmmu.VARange,
		},
		{
			name:      "limited",
			vmOpts:    VMOptions{VALimit: 1 << 32},
			wantLimit: 1 << 32,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(sim.Options{})
			mm := newMM(t, dev, Options{BigPages: tc.bigPages})
			v, err := mm.NewVM(ctx, "client", tc.vmOpts)
			if err != nil {
				t.Fatalf("NewVM: %v", err)
			}
			if got := v.BigPages(); got != tc.wantBig {
				t.Errorf("BigPages = %t, want %t", got, tc.wantBig)
			}
			if got := v.VALimit(); got != tc.wantLimit {
				t.Errorf("VALimit = %#x, want %#x", got, tc.wantLimit)
			}

			ref := buffer(t, dev, bigPg, 0)
			addr, err := v.Map(ctx, ref, vm.MapOpts{})
			if err != nil {
				t.Fatalf("Map: %v", err)
			}
			if addr < LowHole {
				t.Errorf("Map = %v, inside the low hole", addr)
			}
			_, class, err := v.Translate(addr)
			if err != nil {
				t.Fatalf("Translate(%v): %v", addr, err)
			}
			wantClass := gmmu.PageSizeSmall
			if tc.wantBig {
				wantClass = gmmu.PageSizeBig
			}
			if class != wantClass {
				t.Errorf("mapping class = %v, want %v", class, wantClass)
			}
		})
	}
}

func TestReleaseVM(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	mm := newMM(t, dev, Options{})
	v, err := mm.NewVM(ctx, "client", VMOptions{})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	ref := buffer(t, dev, page, 0)
	addr, err := v.Map(ctx, ref, vm.MapOpts{})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := mm.ReleaseVM(ctx, mm.BAR1()); !errors.Is(err, gmmuerr.ErrBusy) {
		t.Errorf("ReleaseVM(bar1) = %v, want ErrBusy", err)
	}
	if err := mm.ReleaseVM(ctx, v); err != nil {
		t.Fatalf("ReleaseVM: %v", err)
	}
	if err := mm.ReleaseVM(ctx, v); !errors.Is(err, gmmuerr.ErrNotFound) {
		t.Errorf("second ReleaseVM = %v, want ErrNotFound", err)
	}
	if _, _, _, err := v.FindBuffer(addr); !errors.Is(err, gmmuerr.ErrTornDown) {
		t.Errorf("FindBuffer after release = %v, want ErrTornDown", err)
	}
	if got := len(mm.VMs()); got != 2 {
		t.Errorf("len(VMs()) = %d, want 2", got)
	}
}

// blockingDevice blocks the next page allocation after arm is called until
// release is called.
type blockingDevice struct {
	*sim.Device
	armed   atomicbitops.Bool
	entered chan struct{}
	unblock chan struct{}
}

func newBlockingDevice() *blockingDevice {
	return &blockingDevice{
		Device:  sim.New(sim.Options{}),
		entered: make(chan struct{}),
		unblock: make(chan struct{}),
	}
}

func (d *blockingDevice) Allocator() platform.Allocator {
	return d
}

func (d *blockingDevice) AllocPages(ctx context.Context, size uint64) (platform.Memory, error) {
	if d.armed.Swap(false) {
		close(d.entered)
		<-d.unblock
	}
	return d.Device.AllocPages(ctx, size)
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	mm := newMM(t, dev, Options{})
	v, err := mm.NewVM(ctx, "client", VMOptions{})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	ref := buffer(t, dev, page, 0)

	dev.ResetCalls()
	if err := mm.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got := dev.CountCalls("l2_flush"); got != 1 {
		t.Errorf("l2_flush calls during Suspend = %d, want 1", got)
	}
	if !mm.Suspended() || !mm.Snapshot().Suspended {
		t.Errorf("not suspended after Suspend")
	}
	if err := mm.Suspend(ctx); err != nil {
		t.Errorf("second Suspend: %v", err)
	}

	if _, err := v.Map(ctx, ref, vm.MapOpts{}); !errors.Is(err, gmmuerr.ErrSuspended) {
		t.Errorf("Map while suspended = %v, want ErrSuspended", err)
	}
	if _, err := mm.BAR1().Map(ctx, ref, vm.MapOpts{}); !errors.Is(err, gmmuerr.ErrSuspended) {
		t.Errorf("bar1 Map while suspended = %v, want ErrSuspended", err)
	}
	if _, err := mm.NewVM(ctx, "late", VMOptions{}); !errors.Is(err, gmmuerr.ErrSuspended) {
		t.Errorf("NewVM while suspended = %v, want ErrSuspended", err)
	}

	dev.ResetCalls()
	if err := mm.FBFlush(ctx); err != nil {
		t.Errorf("FBFlush while suspended: %v", err)
	}
	if err := mm.InvalidateTLB(ctx, v.PDB()); err != nil {
		t.Errorf("InvalidateTLB while suspended: %v", err)
	}
	if calls := dev.Calls(); len(calls) != 0 {
		t.Errorf("register accesses while suspended: %v", calls)
	}

	mm.Resume()
	if mm.Suspended() {
		t.Errorf("suspended after Resume")
	}
	if _, err := v.Map(ctx, ref, vm.MapOpts{}); err != nil {
		t.Errorf("Map after Resume: %v", err)
	}
}

func TestSuspendBusy(t *testing.T) {
	ctx := context.Background()
	dev := newBlockingDevice()
	mm := newMM(t, dev, Options{})
	v, err := mm.NewVM(ctx, "client", VMOptions{})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	ref := buffer(t, dev.Device, page, 0)

	// Block a Map in its page table allocation, with the address space
	// locked.
	dev.armed.Store(true)
	var g errgroup.Group
	g.Go(func() error {
		_, err := v.Map(ctx, ref, vm.MapOpts{})
		return err
	})
	<-dev.entered

	if err := mm.Suspend(ctx); !errors.Is(err, gmmuerr.ErrBusy) {
		t.Errorf("Suspend with a Map in flight = %v, want ErrBusy", err)
	}
	if mm.Suspended() {
		t.Errorf("suspended after failed Suspend")
	}
	close(dev.unblock)
	if err := g.Wait(); err != nil {
		t.Fatalf("blocked Map: %v", err)
	}

	// The address spaces quiesced before the busy one are usable again.
	if _, err := mm.BAR1().Map(ctx, ref, vm.MapOpts{}); err != nil {
		t.Errorf("bar1 Map after failed Suspend: %v", err)
	}
	if err := mm.Suspend(ctx); err != nil {
		t.Errorf("Suspend when idle: %v", err)
	}
	mm.Resume()
}

func TestCompTagAllocator(t *testing.T) {
	c, err := newCompTagAllocator(8)
	if err != nil {
		t.Fatalf("newCompTagAllocator: %v", err)
	}
	defer c.destroy()

	for _, tc := range []struct {
		lines   uint32
		want    uint32
		wantErr error
	}{
		{lines: 3, want: 1},
		{lines: 4, want: 4},
		{lines: 1, wantErr: gmmuerr.ErrOutOfSpace},
	} {
		got, err := c.AllocCompTags(tc.lines)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("AllocCompTags(%d) = %d, %v, want %v", tc.lines, got, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("AllocCompTags(%d) = %d, %v, want %d", tc.lines, got, err, tc.want)
		}
	}
	if got := c.free(); got != 0 {
		t.Errorf("free() = %d, want 0", got)
	}

	c.FreeCompTags(1, 3)
	if got, err := c.AllocCompTags(2); err != nil || got != 1 {
		t.Errorf("AllocCompTags(2) after free = %d, %v, want 1", got, err)
	}
	if got := c.free(); got != 1 {
		t.Errorf("free() = %d, want 1", got)
	}
}

func TestCompressibleMapping(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	mm := newMM(t, dev, Options{BigPages: true, CompTagLines: 16})
	v, err := mm.NewVM(ctx, "client", VMOptions{})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	kind, ok := mm.MMU().KindByName("c32_2c")
	if !ok {
		t.Fatalf("gk20a has no c32_2c kind")
	}
	ref := buffer(t, dev, 2*bigPg, 0)
	addr, err := v.Map(ctx, ref, vm.MapOpts{Kind: kind})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	s := mm.Snapshot()
	if got, want := s.CompTagsFree, uint64(15-2*bigPg/mm.MMU().CompTagLineSize()); got != want {
		t.Errorf("CompTagsFree = %d, want %d", got, want)
	}
	if err := v.Unmap(ctx, addr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := mm.Snapshot().CompTagsFree; got != 15 {
		t.Errorf("CompTagsFree after Unmap = %d, want 15", got)
	}
}

func TestConcurrentClients(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{AckPolls: 1})
	mm := newMM(t, dev, Options{BigPages: true})

	const clients = 4
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		v, err := mm.NewVM(ctx, fmt.Sprintf("client%d", i), VMOptions{})
		if err != nil {
			t.Fatalf("NewVM: %v", err)
		}
		small := buffer(t, dev, 3*page, page)
		big := buffer(t, dev, bigPg, 0)
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				for _, ref := range []vm.BufferRef{small, big} {
					addr, err := v.Map(ctx, ref, vm.MapOpts{})
					if err != nil {
						return err
					}
					if err := v.Unmap(ctx, addr); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for j := 0; j < 50; j++ {
			if err := mm.L2Flush(ctx, j%2 == 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent clients: %v", err)
	}

	s := mm.Snapshot()
	if got := len(s.VMs); got != clients+2 {
		t.Fatalf("len(VMs) = %d, want %d", got, clients+2)
	}
	for _, vs := range s.VMs {
		if len(vs.Buffers) != 0 || len(vs.Held) != 0 {
			t.Errorf("%s: buffers left mapped: %v %v", vs.Name, vs.Buffers, vs.Held)
		}
		for class, n := range vs.PageTables {
			if n != 0 {
				t.Errorf("%s: %d %s page tables left", vs.Name, n, class)
			}
		}
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(sim.Options{})
	mm, err := Init(ctx, dev, Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := dev.NewBuffer(2*page, page)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	ref := vm.BufferRef{Client: sim.Client("test"), Memory: m}
	var vms []*vm.VM
	for i := 0; i < 3; i++ {
		v, err := mm.NewVM(ctx, fmt.Sprintf("client%d", i), VMOptions{})
		if err != nil {
			t.Fatalf("NewVM: %v", err)
		}
		if _, err := v.Map(ctx, ref, vm.MapOpts{}); err != nil {
			t.Fatalf("Map: %v", err)
		}
		vms = append(vms, v)
	}
	held, err := vms[0].GetBuffers()
	if err != nil {
		t.Fatalf("GetBuffers: %v", err)
	}

	if err := mm.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := mm.Remove(ctx); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	for _, v := range vms {
		if _, err := v.Map(ctx, ref, vm.MapOpts{}); !errors.Is(err, gmmuerr.ErrTornDown) {
			t.Errorf("%v: Map after Remove = %v, want ErrTornDown", v, err)
		}
	}
	if _, err := mm.NewVM(ctx, "late", VMOptions{}); !errors.Is(err, gmmuerr.ErrTornDown) {
		t.Errorf("NewVM after Remove = %v, want ErrTornDown", err)
	}
	if err := mm.Suspend(ctx); !errors.Is(err, gmmuerr.ErrTornDown) {
		t.Errorf("Suspend after Remove = %v, want ErrTornDown", err)
	}
	if got := len(mm.VMs()); got != 0 {
		t.Errorf("len(VMs()) after Remove = %d, want 0", got)
	}

	vms[0].PutBuffers(held)
	m.DecRef()
	if n := dev.LiveAllocations(); n != 0 {
		t.Errorf("LiveAllocations after Remove = %d, want 0", n)
	}
}
