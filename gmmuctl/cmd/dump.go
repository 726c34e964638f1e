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

package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/nvgpu/mm"
	"tegra.dev/nvgpu/pkg/nvgpu/vm"
)

// writeOut encodes v to w as json or yaml.
func writeOut(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid output format %q", format)
	}
}

// writeState writes s to w in format: "text", "json" or "yaml".
func writeState(w io.Writer, format string, s mm.State) error {
	if format != "text" {
		return writeOut(w, format, s)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "device %s, chip %s", s.Device, s.Chip)
	if s.Suspended {
		fmt.Fprintf(bw, ", suspended")
	}
	fmt.Fprintf(bw, "\n")
	fmt.Fprintf(bw, "big pages: %#x, client address spaces: %t\n", s.BigPageSize, s.BigPages)
	fmt.Fprintf(bw, "sizing: %d PDEs of %#x bytes, %d small and %d big PTEs per table\n",
		s.Sizing.NumPDEs, s.Sizing.PDEStride(), s.Sizing.NumPTEs[gmmu.PageSizeSmall], s.Sizing.NumPTEs[gmmu.PageSizeBig])
	fmt.Fprintf(bw, "instance blocks: bar1 %#x, pmu %#x\n", s.BAR1Inst, s.PMUInst)
	fmt.Fprintf(bw, "compression tags: %d of %d lines free\n", s.CompTagsFree, s.CompTagLines-1)
	for _, v := range s.VMs {
		writeVMText(bw, v)
	}
	return bw.Flush()
}

func writeVMText(w *bufio.Writer, s vm.State) {
	fmt.Fprintf(w, "\nvm %d %q: %s, [%#x, %#x), pdb %#x", s.ID, s.Name, s.State, s.VAStart, s.VALimit, s.PDB)
	if s.BigPages {
		fmt.Fprintf(w, ", big pages")
	}
	if s.Privileged {
		fmt.Fprintf(w, ", privileged")
	}
	if s.TLBDirty {
		fmt.Fprintf(w, ", TLB dirty")
	}
	if s.Retired != 0 {
		fmt.Fprintf(w, ", %d retired allocations", s.Retired)
	}
	fmt.Fprintf(w, "\n")

	classes := make([]string, 0, len(s.PageTables))
	for c := range s.PageTables {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Fprintf(w, "  %s page tables: %d\n", c, s.PageTables[c])
	}
	for _, a := range s.Allocators {
		fmt.Fprintf(w, "  allocator %s: [%#x, %#x), page %#x, %d pages free\n", a.Name, a.Base, a.Limit, a.PageSize, a.FreePages)
	}
	for _, r := range s.Reservations {
		fmt.Fprintf(w, "  reserved [%#x, %#x) %s\n", r.Start, r.End, r.Class)
	}
	for _, b := range s.Buffers {
		writeBufferText(w, "mapped", b)
	}
	for _, b := range s.Held {
		writeBufferText(w, "held", b)
	}
}

func writeBufferText(w *bufio.Writer, what string, b vm.BufferState) {
	fmt.Fprintf(w, "  %s [%#x, %#x) %s %s %s, map refs %d, user %d, refs %d",
		what, b.Addr, b.Addr+b.Size, b.Class, b.Kind, b.Access, b.MapRefs, b.UserMapped, b.Refs)
	if b.Client != "" {
		fmt.Fprintf(w, ", client %s", b.Client)
	}
	if b.Fixed {
		fmt.Fprintf(w, ", fixed")
	}
	if b.CompTagLines != 0 {
		fmt.Fprintf(w, ", comptags [%d, %d)", b.CompTag, b.CompTag+b.CompTagLines)
	}
	fmt.Fprintf(w, "\n")
}
