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

// Package config provides basic infrastructure to set configuration settings
// for gmmuctl. The configuration is set by flags to the command line, or by a
// TOML file named by --config. Flags set on the command line win over the
// file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"tegra.dev/nvgpu/pkg/gmmu"
	"tegra.dev/nvgpu/pkg/log"
	"tegra.dev/nvgpu/pkg/nvgpu/hal"
	"tegra.dev/nvgpu/pkg/nvgpu/mm"
	"tegra.dev/nvgpu/pkg/refs"
)

// Config holds configuration that is not part of a replay script.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the file key.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the TOML file the configuration was loaded from.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format for the main log: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the path to log debug information to, if not empty.
	// %COMMAND% is replaced by the subcommand name and %PID% by the
	// process ID.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"-"`

	// Device is the name of the simulated device.
	Device string `flag:"device" toml:"device"`

	// Chip selects the MMU HAL.
	Chip string `flag:"chip" toml:"chip"`

	// BigPageSize is the big page size in bytes. 0 uses the chip default.
	BigPageSize uint64 `flag:"big-page-size" toml:"big_page_size"`

	// BigPages enables big pages in client address spaces.
	BigPages bool `flag:"big-pages" toml:"big_pages"`

	// FlushTimeout bounds flush and invalidate waits.
	FlushTimeout time.Duration `flag:"flush-timeout" toml:"flush_timeout"`

	// PollInterval is the flush completion poll interval.
	PollInterval time.Duration `flag:"poll-interval" toml:"poll_interval"`

	// CompTagLines is the size of the compression tag pool.
	CompTagLines uint `flag:"comptag-lines" toml:"comptag_lines"`

	// AckPolls is the number of polls the simulated device takes to
	// acknowledge a flush or invalidate.
	AckPolls int `flag:"ack-polls" toml:"ack_polls"`

	// Output is the dump format: "text", "json" or "yaml".
	Output string `flag:"output" toml:"output"`
}

// defaults holds the values of unset fields.
var defaults = Config{
	LogFormat:     "text",
	ReferenceLeak: refs.NoLeakChecking,
	Device:        "sim0",
	Chip:          "gk20a",
	FlushTimeout:  mm.DefaultFlushTimeout,
	PollInterval:  mm.DefaultPollInterval,
	CompTagLines:  mm.DefaultCompTagLines,
	Output:        "text",
}

// Default returns a new Config with default values.
func Default() *Config {
	return deepcopy.Copy(&defaults).(*Config)
}

// LoadFile overlays the keys present in the TOML file at path onto c.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return fmt.Errorf("loading config %q: unknown keys %v", path, undecoded)
	}
	c.ConfigFile = path
	return nil
}

func (c *Config) validate() error {
	if _, err := log.DebugLogPath(c.DebugLog, ""); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("invalid output format %q, must be 'text', 'json' or 'yaml'", c.Output)
	}
	mmu, err := hal.Lookup(c.Chip)
	if err != nil {
		return err
	}
	if c.BigPageSize != 0 && !hal.SupportsBigPageSize(mmu, c.BigPageSize) {
		return fmt.Errorf("chip %s does not support %#x big pages, want one of %#x", c.Chip, c.BigPageSize, mmu.BigPageSizes())
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("flush timeout must be positive, got %v", c.FlushTimeout)
	}
	if c.PollInterval <= 0 || c.PollInterval > c.FlushTimeout {
		return fmt.Errorf("poll interval must be in (0, %v], got %v", c.FlushTimeout, c.PollInterval)
	}
	if c.CompTagLines < 2 {
		return fmt.Errorf("need at least 2 compression tag lines, got %d", c.CompTagLines)
	}
	if c.CompTagLines > mm.MaxCompTagLines {
		return fmt.Errorf("at most %d compression tag lines fit a PTE, got %d", mm.MaxCompTagLines, c.CompTagLines)
	}
	if c.AckPolls < 0 {
		return fmt.Errorf("ack polls must not be negative, got %d", c.AckPolls)
	}
	return nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	return c.validate()
}

// ToMMOptions returns the memory manager options selected by c.
func (c *Config) ToMMOptions() mm.Options {
	return mm.Options{
		Chip:         c.Chip,
		BigPageSize:  c.BigPageSize,
		BigPages:     c.BigPages,
		FlushTimeout: c.FlushTimeout,
		PollInterval: c.PollInterval,
		CompTagLines: uint32(c.CompTagLines),
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	if c.ConfigFile != "" {
		log.Infof("\t\tFile: %s", c.ConfigFile)
	}
	log.Infof("\t\tDevice: %s (%s), ack polls: %d", c.Device, c.Chip, c.AckPolls)
	bigPageSize := "default"
	if c.BigPageSize != 0 {
		bigPageSize = fmt.Sprintf("%#x", c.BigPageSize)
	}
	log.Infof("\t\tBig pages: %t, size: %s, small page size: %#x", c.BigPages, bigPageSize, gmmu.SmallPageSize)
	log.Infof("\t\tFlush timeout: %v, poll interval: %v", c.FlushTimeout, c.PollInterval)
	log.Infof("\t\tCompression tag lines: %d", c.CompTagLines)
	log.Infof("\t\tDebug: %t, leak mode: %v", c.Debug, c.ReferenceLeak)
}
