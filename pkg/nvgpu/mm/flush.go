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
	"time"

	"github.com/cenkalti/backoff"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/metric"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
)

var (
	tlbInvalidatesMetric = metric.MustCreateNewUint64Metric("/gmmu/tlb_invalidates", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of GMMU TLB invalidates.",
	})
	fbFlushesMetric = metric.MustCreateNewUint64Metric("/gmmu/fb_flushes", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of frame buffer flushes.",
	})
	l2FlushesMetric = metric.MustCreateNewUint64Metric("/gmmu/l2_flushes", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of L2 flushes, by whether the L2 was also invalidated.",
		Fields:      []metric.Field{metric.NewField("invalidate", []string{"false", "true"})},
	})
	l2InvalidatesMetric = metric.MustCreateNewUint64Metric("/gmmu/l2_invalidates", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of L2 invalidates.",
	})
	timeoutsMetric = metric.MustCreateNewUint64Metric("/gmmu/flush_timeouts", metric.Uint64Metadata{
		Cumulative:  true,
		Description: "Number of flushes and invalidates not acknowledged in time.",
		Fields:      []metric.Field{metric.NewField("op", opNames)},
	})
	flushLatency = metric.MustCreateNewDistributionMetric(
		"/gmmu/flush_latency",
		metric.NewDurationBucketer(12, time.Microsecond, time.Second),
		"Time from triggering a flush or invalidate to its acknowledgement, in nanoseconds.",
		metric.NewField("op", opNames),
	)

	// timeoutLog limits warnings from a wedged memory subsystem.
	timeoutLog = log.BurstRateLimitedLogger(log.Log(), 5*time.Second, 3)
)

var opNames = []string{
	platform.OpTLBInvalidate.String(),
	platform.OpFBFlush.String(),
	platform.OpL2Flush.String(),
	platform.OpL2Invalidate.String(),
}

// errPending is returned by poll operations while the hardware is busy.
var errPending = errors.New("operation pending")

// InvalidateTLB invalidates the GMMU TLB entries of the page directory at
// pdb. It implements vm.TLBInvalidator. It is a no-op while suspended.
func (mm *MemoryManager) InvalidateTLB(ctx context.Context, pdb uint64) error {
	if mm.suspended.Load() {
		log.Debugf("mm %s: skipping TLB invalidate of %#x while suspended", mm.dev.Name(), pdb)
		return nil
	}
	mm.tlbLock.Lock()
	defer mm.tlbLock.Unlock()

	// Wait for the previous invalidate to leave the queue.
	if err := mm.waitIdle(ctx, platform.OpTLBInvalidate); err != nil {
		return err
	}
	if err := mm.run(ctx, platform.OpTLBInvalidate, func() error {
		return mm.regs.TriggerTLBInvalidate(pdb)
	}); err != nil {
		return err
	}
	tlbInvalidatesMetric.Increment()
	return nil
}

// FBFlush flushes frame buffer writes. It is a no-op while suspended.
func (mm *MemoryManager) FBFlush(ctx context.Context) error {
	if mm.suspended.Load() {
		return nil
	}
	mm.l2Lock.Lock()
	defer mm.l2Lock.Unlock()
	if err := mm.run(ctx, platform.OpFBFlush, mm.regs.TriggerFBFlush); err != nil {
		return err
	}
	fbFlushesMetric.Increment()
	return nil
}

// L2Flush writes back dirty L2 lines, and invalidates the L2 afterwards if
// invalidate is set. It is a no-op while suspended.
func (mm *MemoryManager) L2Flush(ctx context.Context, invalidate bool) error {
	if mm.suspended.Load() {
		return nil
	}
	mm.l2Lock.Lock()
	defer mm.l2Lock.Unlock()
	if err := mm.run(ctx, platform.OpL2Flush, func() error {
		return mm.regs.TriggerL2Flush(invalidate)
	}); err != nil {
		return err
	}
	l2FlushesMetric.Increment(fmt.Sprint(invalidate))
	return nil
}

// L2Invalidate invalidates the L2 without writing it back. It is a no-op
// while suspended.
func (mm *MemoryManager) L2Invalidate(ctx context.Context) error {
	if mm.suspended.Load() {
		return nil
	}
	mm.l2Lock.Lock()
	defer mm.l2Lock.Unlock()
	if err := mm.run(ctx, platform.OpL2Invalidate, mm.regs.TriggerL2Invalidate); err != nil {
		return err
	}
	l2InvalidatesMetric.Increment()
	return nil
}

// run triggers op and waits for the hardware to acknowledge it.
func (mm *MemoryManager) run(ctx context.Context, op platform.Op, trigger func() error) error {
	timer := flushLatency.Start(op.String())
	if err := trigger(); err != nil {
		return fmt.Errorf("mm %s: %v: %w", mm.dev.Name(), op, err)
	}
	if err := mm.waitIdle(ctx, op); err != nil {
		return err
	}
	timer.Finish()
	return nil
}

// waitIdle polls until op is no longer pending, giving up after
// FlushTimeout.
func (mm *MemoryManager) waitIdle(ctx context.Context, op platform.Op) error {
	tctx, cancel := context.WithTimeout(ctx, mm.opts.FlushTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(mm.opts.PollInterval), tctx)
	poll := func() error {
		if mm.regs.Pending(op) {
			return errPending
		}
		return nil
	}
	err := backoff.Retry(poll, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("mm %s: waiting for %v: %w", mm.dev.Name(), op, ctxErr)
	}
	timeoutsMetric.Increment(op.String())
	timeoutLog.Warningf("mm %s: %v not acknowledged within %v", mm.dev.Name(), op, mm.opts.FlushTimeout)
	return fmt.Errorf("mm %s: %v: %w", mm.dev.Name(), op, gmmuerr.ErrTimedOut)
}
