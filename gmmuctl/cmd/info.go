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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"tegra.dev/nvgpu/gmmuctl/cmd/util"
	"tegra.dev/nvgpu/gmmuctl/config"
	"tegra.dev/nvgpu/pkg/nvgpu/mm"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	clients int
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "bring up the memory manager and print its state"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [-clients=<n>] - initializes the memory manager of the simulated device and prints page table sizing and address space state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.IntVar(&i.clients, "clients", 0, "number of empty client address spaces to create before printing.")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	_, m, err := bringUp(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Remove(ctx)

	for n := 0; n < i.clients; n++ {
		if _, err := m.NewVM(ctx, fmt.Sprintf("client%d", n), mm.VMOptions{}); err != nil {
			return util.Errorf("creating client address space: %v", err)
		}
	}
	if err := writeState(os.Stdout, conf.Output, m.Snapshot()); err != nil {
		return util.Errorf("writing state: %v", err)
	}
	return subcommands.ExitSuccess
}
