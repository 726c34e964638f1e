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
	"bytes"
	"context"
	"strings"
	"testing"

	"tegra.dev/nvgpu/gmmuctl/config"
)

func TestStress(t *testing.T) {
	for _, bigPages := range []bool{false, true} {
		name := "small"
		if bigPages {
			name = "big"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conf := config.Default()
			conf.BigPages = bigPages
			conf.AckPolls = 1
			dev, m, err := bringUp(ctx, conf)
			if err != nil {
				t.Fatalf("bringUp: %v", err)
			}

			report, err := runStress(ctx, m, dev, stressOpts{
				clients:    4,
				iterations: 200,
				maxPages:   48,
				maxLive:    8,
				seed:       7,
			})
			if err != nil {
				t.Fatalf("runStress: %v", err)
			}
			maps := report.Maps["small"] + report.Maps["big"]
			if maps == 0 {
				t.Fatalf("no buffers mapped: %+v", report)
			}
			if report.Unmaps != maps {
				t.Errorf("unmaps = %d, maps = %d", report.Unmaps, maps)
			}
			if got := report.Maps["big"] != 0; got != bigPages {
				t.Errorf("big page mappings: %d, big pages enabled: %t", report.Maps["big"], bigPages)
			}
			if report.TLBInvalidate == 0 {
				t.Errorf("no TLB invalidates")
			}
			if len(report.MapErrors) != 0 {
				t.Errorf("map errors: %v", report.MapErrors)
			}
			if got := len(m.VMs()); got != 2 {
				t.Errorf("len(VMs()) after stress = %d, want 2", got)
			}

			var buf bytes.Buffer
			if err := writeReport(&buf, "text", report); err != nil {
				t.Fatalf("writeReport: %v", err)
			}
			if !strings.Contains(buf.String(), "unmaps: ") {
				t.Errorf("report missing unmaps:\n%s", buf.String())
			}

			if err := m.Remove(ctx); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if n := dev.LiveAllocations(); n != 0 {
				t.Errorf("LiveAllocations = %d, want 0", n)
			}
		})
	}
}
