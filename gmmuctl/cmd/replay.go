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
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"tegra.dev/nvgpu/gmmuctl/cmd/util"
	"tegra.dev/nvgpu/gmmuctl/config"
	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/nvgpu/mm"
	"tegra.dev/nvgpu/pkg/nvgpu/platform"
	"tegra.dev/nvgpu/pkg/nvgpu/platform/sim"
	"tegra.dev/nvgpu/pkg/nvgpu/vm"
)

// Script is a sequence of address space operations run by "replay".
//
// Example:
//
//	[vm]
//	name = "client"
//
//	[[buffer]]
//	name = "a"
//	size = 0x2000
//
//	[[op]]
//	op = "map"
//	buffer = "a"
//	save = "a0"
//
//	[[op]]
//	op = "unmap"
//	at = "a0"
//	expect = "none"
type Script struct {
	VM      ScriptVM       `toml:"vm"`
	Buffers []ScriptBuffer `toml:"buffer"`
	Ops     []ScriptOp     `toml:"op"`
}

// ScriptVM describes the client address space of a Script.
type ScriptVM struct {
	Name           string `toml:"name"`
	VALimit        uint64 `toml:"va_limit"`
	SmallPagesOnly bool   `toml:"small_pages_only"`
}

// ScriptBuffer describes a buffer allocated before the operations run.
type ScriptBuffer struct {
	Name string `toml:"name"`
	Size uint64 `toml:"size"`

	// Chunk is the largest physically contiguous piece of the buffer. 0
	// makes the buffer contiguous.
	Chunk uint64 `toml:"chunk"`

	// Client owns the buffer. Defaults to "replay".
	Client string `toml:"client"`
}

// ScriptOp is one operation of a Script.
type ScriptOp struct {
	// Op is one of map, unmap, unmap_user, find, translate, alloc_va,
	// free_va, tlb_inval, get_buffers and put_buffers.
	Op string `toml:"op"`

	// Buffer names the buffer to map.
	Buffer string `toml:"buffer"`

	// At names an address saved by an earlier operation. Addr is added to
	// it.
	At   string `toml:"at"`
	Addr uint64 `toml:"addr"`

	// Save names the address returned by map or alloc_va.
	Save string `toml:"save"`

	Align  uint64 `toml:"align"`
	Fixed  bool   `toml:"fixed"`
	Kind   string `toml:"kind"`
	Access string `toml:"access"`
	Class  string `toml:"class"`
	User   bool   `toml:"user"`
	Size   uint64 `toml:"size"`

	// Expect is the expected error reason, as returned by gmmuerr.Reason.
	// "none" expects success. Empty accepts any result.
	Expect string `toml:"expect"`
}

// Result is the outcome of one ScriptOp.
type Result struct {
	Index      int    `json:"index" yaml:"index"`
	Op         string `json:"op" yaml:"op"`
	Addr       uint64 `json:"addr,omitempty" yaml:"addr,omitempty"`
	Detail     string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Reason     string `json:"reason" yaml:"reason"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	Unexpected bool   `json:"unexpected,omitempty" yaml:"unexpected,omitempty"`
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	s := fmt.Sprintf("%3d %-11s", r.Index, r.Op)
	if r.Addr != 0 {
		s += fmt.Sprintf(" %#x", r.Addr)
	}
	if r.Detail != "" {
		s += " " + r.Detail
	}
	s += ": " + r.Reason
	if r.Unexpected {
		s += " (unexpected)"
	}
	return s
}

// ParseScript decodes a TOML script from r.
func ParseScript(r io.Reader) (*Script, error) {
	var s Script
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("parsing script: unknown keys %v", undecoded)
	}
	if s.VM.Name == "" {
		s.VM.Name = "replay"
	}
	return &s, nil
}

// replayer runs a Script against one client address space.
type replayer struct {
	m  *mm.MemoryManager
	vm *vm.VM

	bufs   map[string]vm.BufferRef
	names  map[platform.Memory]string
	labels map[string]gmmu.Addr

	// held is the result of the last get_buffers.
	held []*vm.MappedBuffer
}

// newReplayer creates the address space and buffers of s.
func newReplayer(ctx context.Context, m *mm.MemoryManager, dev *sim.Device, s *Script) (*replayer, error) {
	r := &replayer{
		m:      m,
		bufs:   make(map[string]vm.BufferRef),
		names:  make(map[platform.Memory]string),
		labels: make(map[string]gmmu.Addr),
	}
	v, err := m.NewVM(ctx, s.VM.Name, mm.VMOptions{
		VALimit:        s.VM.VALimit,
		SmallPagesOnly: s.VM.SmallPagesOnly,
	})
	if err != nil {
		return nil, err
	}
	r.vm = v
	for _, b := range s.Buffers {
		if _, ok := r.bufs[b.Name]; ok || b.Name == "" {
			r.release(ctx)
			return nil, fmt.Errorf("buffer name %q is empty or duplicate", b.Name)
		}
		mem, err := dev.NewBuffer(b.Size, b.Chunk)
		if err != nil {
			r.release(ctx)
			return nil, fmt.Errorf("allocating buffer %q: %w", b.Name, err)
		}
		client := b.Client
		if client == "" {
			client = "replay"
		}
		r.bufs[b.Name] = vm.BufferRef{Client: sim.Client(client), Memory: mem}
		r.names[mem] = b.Name
	}
	return r, nil
}

// release drops every reference taken by the replayer.
func (r *replayer) release(ctx context.Context) {
	if r.held != nil {
		r.vm.PutBuffers(r.held)
		r.held = nil
	}
	if err := r.m.ReleaseVM(ctx, r.vm); err != nil {
		log.Warningf("releasing %v: %v", r.vm, err)
	}
	for _, ref := range r.bufs {
		ref.Memory.DecRef()
	}
	clear(r.bufs)
}

// run runs ops in order. It returns an error if an operation is malformed.
// Operations that fail are reported in their Result.
func (r *replayer) run(ctx context.Context, ops []ScriptOp) ([]Result, error) {
	results := make([]Result, 0, len(ops))
	for i, op := range ops {
		res, err := r.step(ctx, op)
		if err != nil {
			return results, fmt.Errorf("op %d (%s): %w", i, op.Op, err)
		}
		res.Index = i
		res.Op = op.Op
		if op.Expect != "" && op.Expect != res.Reason {
			res.Unexpected = true
		}
		log.Debugf("replay: %v", res)
		results = append(results, res)
	}
	return results, nil
}

func (r *replayer) addr(op ScriptOp) (gmmu.Addr, error) {
	if op.At == "" {
		return gmmu.Addr(op.Addr), nil
	}
	base, ok := r.labels[op.At]
	if !ok {
		return 0, fmt.Errorf("no saved address %q", op.At)
	}
	return base + gmmu.Addr(op.Addr), nil
}

func (r *replayer) save(op ScriptOp, addr gmmu.Addr) {
	if op.Save != "" {
		r.labels[op.Save] = addr
	}
}

// step runs a single operation. The returned error reports a malformed
// operation; the operation's own error is in the Result.
func (r *replayer) step(ctx context.Context, op ScriptOp) (Result, error) {
	var (
		res Result
		err error
	)
	switch op.Op {
	case "map":
		ref, ok := r.bufs[op.Buffer]
		if !ok {
			return res, fmt.Errorf("unknown buffer %q", op.Buffer)
		}
		opts, perr := r.mapOpts(op)
		if perr != nil {
			return res, perr
		}
		var addr gmmu.Addr
		addr, err = r.vm.Map(ctx, ref, opts)
		if err == nil {
			res.Addr = uint64(addr)
			r.save(op, addr)
		}

	case "unmap", "unmap_user":
		addr, aerr := r.addr(op)
		if aerr != nil {
			return res, aerr
		}
		res.Addr = uint64(addr)
		if op.Op == "unmap" {
			err = r.vm.Unmap(ctx, addr)
		} else {
			err = r.vm.UnmapUser(ctx, addr)
		}

	case "find":
		addr, aerr := r.addr(op)
		if aerr != nil {
			return res, aerr
		}
		res.Addr = uint64(addr)
		var (
			client platform.Client
			mem    platform.Memory
			off    uint64
		)
		client, mem, off, err = r.vm.FindBuffer(addr)
		if err == nil {
			res.Detail = fmt.Sprintf("buffer %s+%#x client %s", r.names[mem], off, client.Name())
		}

	case "translate":
		addr, aerr := r.addr(op)
		if aerr != nil {
			return res, aerr
		}
		res.Addr = uint64(addr)
		var (
			phys  uint64
			class gmmu.PageSizeClass
		)
		phys, class, err = r.vm.Translate(addr)
		if err == nil {
			res.Detail = fmt.Sprintf("phys %#x %s", phys, class)
		}

	case "alloc_va":
		class, cerr := gmmu.ParsePageSizeClass(op.Class)
		if cerr != nil {
			return res, cerr
		}
		var addr gmmu.Addr
		addr, err = r.vm.AllocVA(op.Size, class)
		if err == nil {
			res.Addr = uint64(addr)
			r.save(op, addr)
		}

	case "free_va":
		class, cerr := gmmu.ParsePageSizeClass(op.Class)
		if cerr != nil {
			return res, cerr
		}
		addr, aerr := r.addr(op)
		if aerr != nil {
			return res, aerr
		}
		res.Addr = uint64(addr)
		err = r.vm.FreeVA(addr, op.Size, class)

	case "tlb_inval":
		err = r.vm.TLBInval(ctx)

	case "get_buffers":
		if r.held != nil {
			return res, fmt.Errorf("get_buffers without put_buffers")
		}
		var bufs []*vm.MappedBuffer
		bufs, err = r.vm.GetBuffers()
		if err == nil {
			r.held = bufs
			res.Detail = fmt.Sprintf("%d buffers", len(bufs))
		}

	case "put_buffers":
		if r.held == nil {
			return res, fmt.Errorf("put_buffers without get_buffers")
		}
		res.Detail = fmt.Sprintf("%d buffers", len(r.held))
		r.vm.PutBuffers(r.held)
		r.held = nil

	default:
		return res, fmt.Errorf("unknown op %q", op.Op)
	}
	res.Reason = gmmuerr.Reason(err)
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

func (r *replayer) mapOpts(op ScriptOp) (vm.MapOpts, error) {
	opts := vm.MapOpts{
		OffsetAlign: op.Align,
		Fixed:       op.Fixed,
		UserMapped:  op.User,
	}
	if op.Fixed {
		addr, err := r.addr(op)
		if err != nil {
			return opts, err
		}
		opts.OffsetAlign = uint64(addr)
	}
	if op.Kind != "" {
		kind, ok := r.m.MMU().KindByName(op.Kind)
		if !ok {
			return opts, fmt.Errorf("unknown kind %q on %s", op.Kind, r.m.MMU().Name())
		}
		opts.Kind = kind
	}
	access, err := gmmu.ParseAccessMode(op.Access)
	if err != nil {
		return opts, err
	}
	opts.Access = access
	if opts.Class, err = vm.ParseClassHint(op.Class); err != nil {
		return opts, err
	}
	return opts, nil
}

// replayOutput is the json and yaml output of "replay".
type replayOutput struct {
	Results []Result `json:"results" yaml:"results"`
	State   mm.State `json:"state" yaml:"state"`
}

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	noDump bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "run a script of address space operations"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [-no-dump] <script.toml> - creates a client address space, runs the map and unmap operations in the script and prints the result of each and the final state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (rp *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&rp.noDump, "no-dump", false, "do not print the final state.")
}

// Execute implements subcommands.Command.Execute.
func (rp *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	file, err := os.Open(f.Arg(0))
	if err != nil {
		return util.Errorf("opening script: %v", err)
	}
	script, err := ParseScript(file)
	file.Close()
	if err != nil {
		return util.Errorf("%s: %v", f.Arg(0), err)
	}

	dev, m, err := bringUp(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Remove(ctx)

	r, err := newReplayer(ctx, m, dev, script)
	if err != nil {
		return util.Errorf("setting up replay: %v", err)
	}
	defer r.release(ctx)

	results, runErr := r.run(ctx, script.Ops)
	unexpected := 0
	for _, res := range results {
		if res.Unexpected {
			unexpected++
		}
	}

	if conf.Output == "text" {
		for _, res := range results {
			fmt.Fprintln(os.Stdout, res)
		}
		if !rp.noDump {
			fmt.Fprintln(os.Stdout)
			err = writeState(os.Stdout, conf.Output, m.Snapshot())
		}
	} else {
		out := replayOutput{Results: results}
		if !rp.noDump {
			out.State = m.Snapshot()
		}
		err = writeOut(os.Stdout, conf.Output, out)
	}
	if err != nil {
		return util.Errorf("writing output: %v", err)
	}
	if runErr != nil {
		return util.Errorf("%s: %v", f.Arg(0), runErr)
	}
	if unexpected != 0 {
		return util.Errorf("%d of %d operations had unexpected results", unexpected, len(results))
	}
	return subcommands.ExitSuccess
}
