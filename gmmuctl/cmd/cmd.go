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

// Package cmd holds implementations of the gmmuctl commands.
package cmd

import (
	"context"
	"fmt"

	"tegra.dev/nvgpu/gmmuctl/config"
	"tegra.dev/nvgpu/pkg/nvgpu/mm"
	"tegra.dev/nvgpu/pkg/nvgpu/platform/sim"
)

// bringUp creates the simulated device selected by conf and initializes its
// memory manager. The caller must call Remove on the memory manager.
func bringUp(ctx context.Context, conf *config.Config) (*sim.Device, *mm.MemoryManager, error) {
	dev := sim.New(sim.Options{
		Name:     conf.Device,
		Chip:     conf.Chip,
		AckPolls: conf.AckPolls,
	})
	m, err := mm.Init(ctx, dev, conf.ToMMOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing memory manager: %w", err)
	}
	return dev, m, nil
}
