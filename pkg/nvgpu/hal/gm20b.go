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

package hal

import (
	"maps"

	"tegra.dev/nvgpu/pkg/gmmu"
)

// gm20b is the GMMU of the GM20B (Maxwell) integrated GPU. The entry layout
// is unchanged from gk20a; gm20b adds 64 KiB big pages and more compressible
// kinds.
type gm20b struct {
	gk20a
}

func newGM20B() MMU {
	kinds := maps.Clone(gk20aKinds)
	kinds[0xce] = kindInfo{name: "zf32_x24s8_2cszv", compressible: true}
	kinds[0xd8] = kindInfo{name: "c64_2c", compressible: true}
	return &gm20b{gk20a{kinds: kinds}}
}

func init() {
	Register("gm20b", newGM20B)
}

// Name implements MMU.Name.
func (*gm20b) Name() string {
	return "gm20b"
}

// BigPageSizes implements MMU.BigPageSizes.
func (*gm20b) BigPageSizes() []uint64 {
	return []uint64{gmmu.BigPageSize64K, gmmu.BigPageSize128K}
}
