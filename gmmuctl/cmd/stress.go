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
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"tegra.dev/nvgpu/gmmuctl/cmd/util"
	"tegra.dev/nvgpu/gmmuctl/config"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/metric"
	"tegra.dev/nvgpu/pkg/nvgpu/mm"
	"tegra.dev/nvgpu/pkg/nvgpu/platform/sim"
	"tegra.dev/nvgpu/pkg/nvgpu/vm"
)

// stressOpts configures runStress.
type stressOpts struct {
	clients    int
	iterations int

	// maxPages bounds the size of a buffer, in small pages.
	maxPages int

	// maxLive bounds the number of live mappings of a client.
	maxLive int

	seed int64
}

// stressReport summarizes a runStress run, from the global metrics.
type stressReport struct {
	Maps          map[string]int64 `json:"maps" yaml:"maps"`
	Unmaps        int64            `json:"unmaps" yaml:"unmaps"`
	MapErrors     map[string]int64 `json:"map_errors,omitempty" yaml:"map_errors,omitempty"`
	TLBInvalidate int64            `json:"tlb_invalidates" yaml:"tlb_invalidates"`
}

// metricCounts reads the counters reported by runStress.
func metricCounts() (stressReport, error) {
	data, err := metric.Snapshot()
	if err != nil {
		return stressReport{}, err
	}
	r := stressReport{
		Maps:      make(map[string]int64),
		MapErrors: make(map[string]int64),
	}
	for _, c := range gmmu.Classes {
		if r.Maps[c.String()], err = data.GetPrometheusInteger("gmmu_maps", map[string]string{"class": c.String()}); err != nil {
			return stressReport{}, err
		}
	}
	for _, reason := range gmmuerr.Reasons {
		if r.MapErrors[reason], err = data.GetPrometheusInteger("gmmu_map_errors", map[string]string{"reason": reason}); err != nil {
			return stressReport{}, err
		}
	}
	if r.Unmaps, err = data.GetPrometheusInteger("gmmu_unmaps", nil); err != nil {
		return stressReport{}, err
	}
	if r.TLBInvalidate, err = data.GetPrometheusInteger("gmmu_tlb_invalidates", nil); err != nil {
		return stressReport{}, err
	}
	return r, nil
}

// sub returns the counter increase from before to r.
func (r stressReport) sub(before stressReport) stressReport {
	d := stressReport{
		Maps:          make(map[string]int64),
		MapErrors:     make(map[string]int64),
		Unmaps:        r.Unmaps - before.Unmaps,
		TLBInvalidate: r.TLBInvalidate - before.TLBInvalidate,
	}
	for k, v := range r.Maps {
		d.Maps[k] = v - before.Maps[k]
	}
	for k, v := range r.MapErrors {
		if n := v - before.MapErrors[k]; n != 0 {
			d.MapErrors[k] = n
		}
	}
	return d
}

// runStress runs opts.clients concurrent clients. Each maps and unmaps random
// buffers in its own address space. Out of space errors are expected and
// skipped; any other error stops the run.
func runStress(ctx context.Context, m *mm.MemoryManager, dev *sim.Device, opts stressOpts) (stressReport, error) {
	before, err := metricCounts()
	if err != nil {
		return stressReport{}, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.clients; i++ {
		i := i
		rng := rand.New(rand.NewSource(opts.seed + int64(i)))
		g.Go(func() error {
			return stressClient(gctx, m, dev, fmt.Sprintf("stress%d", i), rng, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return stressReport{}, err
	}
	after, err := metricCounts()
	if err != nil {
		return stressReport{}, err
	}
	return after.sub(before), nil
}

func stressClient(ctx context.Context, m *mm.MemoryManager, dev *sim.Device, name string, rng *rand.Rand, opts stressOpts) (retErr error) {
	v, err := m.NewVM(ctx, name, mm.VMOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.ReleaseVM(ctx, v); err != nil && retErr == nil {
			retErr = err
		}
	}()
	client := sim.Client(name)
	big := m.Sizing().PageSizes[gmmu.PageSizeBig]

	var live []gmmu.Addr
	unmapOne := func() error {
		i := rng.Intn(len(live))
		addr := live[i]
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		return v.Unmap(ctx, addr)
	}
	for it := 0; it < opts.iterations; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(live) >= opts.maxLive || (len(live) > 0 && rng.Intn(3) == 0) {
			if err := unmapOne(); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			continue
		}

		size := uint64(1+rng.Intn(opts.maxPages)) * gmmu.SmallPageSize
		chunk := uint64(0)
		switch rng.Intn(3) {
		case 0:
			// Big page aligned and contiguous.
			size = (size + big - 1) / big * big
		case 1:
			chunk = gmmu.SmallPageSize
		}
		mem, err := dev.NewBuffer(size, chunk)
		if err != nil {
			return err
		}
		addr, err := v.Map(ctx, vm.BufferRef{Client: client, Memory: mem}, vm.MapOpts{})
		mem.DecRef()
		switch {
		case errors.Is(err, gmmuerr.ErrOutOfSpace):
			log.Debugf("%s: %v", name, err)
		case err != nil:
			return fmt.Errorf("%s: %w", name, err)
		default:
			live = append(live, addr)
		}

		if rng.Intn(16) == 0 {
			bufs, err := v.GetBuffers()
			if err != nil {
				return err
			}
			v.PutBuffers(bufs)
		}
	}
	for len(live) > 0 {
		if err := unmapOne(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts    stressOpts
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap random buffers from concurrent clients"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-clients=<n>] [-iterations=<n>] [-metrics] - runs concurrent clients that map and unmap random buffers, then prints operation counts.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.clients, "clients", 4, "number of concurrent clients.")
	f.IntVar(&s.opts.iterations, "iterations", 1000, "number of operations per client.")
	f.IntVar(&s.opts.maxPages, "max-pages", 64, "largest buffer, in small pages.")
	f.IntVar(&s.opts.maxLive, "max-live", 32, "largest number of live mappings per client.")
	f.Int64Var(&s.opts.seed, "seed", 1, "random seed.")
	f.BoolVar(&s.metrics, "metrics", false, "print every metric in Prometheus text format.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.opts.clients <= 0 || s.opts.iterations < 0 || s.opts.maxPages <= 0 || s.opts.maxLive <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	dev, m, err := bringUp(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Remove(ctx)

	report, err := runStress(ctx, m, dev, s.opts)
	if err != nil {
		return util.Errorf("stress: %v", err)
	}
	if err := writeReport(os.Stdout, conf.Output, report); err != nil {
		return util.Errorf("writing report: %v", err)
	}
	if s.metrics {
		if err := metric.WritePrometheusText(os.Stdout); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func writeReport(w io.Writer, format string, r stressReport) error {
	if format != "text" {
		return writeOut(w, format, r)
	}
	_, err := fmt.Fprintf(w, "maps: %d small, %d big\nunmaps: %d\nTLB invalidates: %d\nmap errors: %v\n",
		r.Maps["small"], r.Maps["big"], r.Unmaps, r.TLBInvalidate, r.MapErrors)
	return err
}
