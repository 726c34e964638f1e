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
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
)

func boolArg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// record appends a call and arms op, if any.
func (d *Device) record(op platform.Op, arm bool, name string, args ...uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: name, Args: args})
	if arm {
		d.pending[op] = d.ackPolls
	}
}

// BindInstanceBlock implements platform.Registers.BindInstanceBlock.
func (d *Device) BindInstanceBlock(inst, pdb, vaLimit uint64) error {
	d.record(0, false, "bind_inst", inst, pdb, vaLimit)
	return nil
}

// TriggerTLBInvalidate implements platform.Registers.TriggerTLBInvalidate.
func (d *Device) TriggerTLBInvalidate(pdb uint64) error {
	d.record(platform.OpTLBInvalidate, true, platform.OpTLBInvalidate.String(), pdb)
	return nil
}

// TriggerFBFlush implements platform.Registers.TriggerFBFlush.
func (d *Device) TriggerFBFlush() error {
	d.record(platform.OpFBFlush, true, platform.OpFBFlush.String())
	return nil
}

// TriggerL2Flush implements platform.Registers.TriggerL2Flush.
func (d *Device) TriggerL2Flush(invalidate bool) error {
	d.record(platform.OpL2Flush, true, platform.OpL2Flush.String(), boolArg(invalidate))
	return nil
}

// TriggerL2Invalidate implements platform.Registers.TriggerL2Invalidate.
func (d *Device) TriggerL2Invalidate() error {
	d.record(platform.OpL2Invalidate, true, platform.OpL2Invalidate.String())
	return nil
}

// Pending implements platform.Registers.Pending.
func (d *Device) Pending(op platform.Op) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stuck[op] {
		return true
	}
	n, ok := d.pending[op]
	if !ok {
		return false
	}
	if n <= 0 {
		delete(d.pending, op)
		return false
	}
	d.pending[op] = n - 1
	return true
}

// SetStuck makes op never complete while stuck is true.
func (d *Device) SetStuck(op platform.Op, stuck bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stuck[op] = stuck
}

// SetAckPolls sets the number of polls operations triggered from now on stay
// pending for.
func (d *Device) SetAckPolls(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackPolls = n
}

// Calls returns a copy of the recorded register accesses.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CountCalls returns the number of recorded accesses named op.
func (d *Device) CountCalls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the recorded register accesses.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}
