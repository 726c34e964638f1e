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
	"fmt"

	"tegra.dev/nvgpu/pkg/errors/gmmuerr"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/nvgpu/vma"
)

// compTagAllocator hands out compression tag lines. Each line is one page of
// an underlying VMA allocator. Line 0 marks uncompressed PTEs and is never
// handed out.
//
// compTagAllocator implements vm.CompTagAllocator.
type compTagAllocator struct {
	lines *vma.Allocator
}

func newCompTagAllocator(lines uint32) (*compTagAllocator, error) {
	if lines < 2 || lines > MaxCompTagLines {
		return nil, fmt.Errorf("%d compression tag lines, want [2, %d]: %w", lines, MaxCompTagLines, gmmuerr.ErrOutOfRange)
	}
	a, err := vma.New("comptags", 1, uint64(lines-1), 1)
	if err != nil {
		return nil, err
	}
	return &compTagAllocator{lines: a}, nil
}

// AllocCompTags implements vm.CompTagAllocator.AllocCompTags.
func (c *compTagAllocator) AllocCompTags(lines uint32) (uint32, error) {
	start, err := c.lines.Alloc(uint64(lines))
	if err != nil {
		return 0, err
	}
	return uint32(start), nil
}

// FreeCompTags implements vm.CompTagAllocator.FreeCompTags.
func (c *compTagAllocator) FreeCompTags(start, lines uint32) {
	if err := c.lines.Free(gmmu.Addr(start), uint64(lines)); err != nil {
		panic(fmt.Sprintf("freeing compression tags [%d, %d): %v", start, start+lines, err))
	}
}

func (c *compTagAllocator) free() uint64 {
	return c.lines.FreePages()
}

func (c *compTagAllocator) destroy() {
	c.lines.Destroy()
}
