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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"tegra.dev/nvgpu/pkg/nvgpu/hal"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()

	flagSet.String("config", "", "path to a TOML file with configuration. Flags set on the command line override it.")

	// Debugging flags.
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.String("debug-log", d.DebugLog, "additional location for logs. %COMMAND% is replaced with the subcommand name and %PID% with the process ID.")
	leakMode := d.ReferenceLeak
	flagSet.Var(&leakMode, "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Memory manager flags.
	flagSet.String("device", d.Device, "name of the simulated device.")
	flagSet.String("chip", d.Chip, fmt.Sprintf("MMU to use: %s.", strings.Join(hal.List(), ", ")))
	flagSet.Uint64("big-page-size", d.BigPageSize, "big page size in bytes. 0 uses the chip default.")
	flagSet.Bool("big-pages", d.BigPages, "use big pages in client address spaces.")
	flagSet.Duration("flush-timeout", d.FlushTimeout, "time to wait for a flush or invalidate to be acknowledged.")
	flagSet.Duration("poll-interval", d.PollInterval, "interval between flush completion polls.")
	flagSet.Uint("comptag-lines", d.CompTagLines, "number of compression tag lines.")
	flagSet.Int("ack-polls", d.AckPolls, "number of polls the simulated device takes to acknowledge a flush.")

	// Output flags.
	flagSet.String("output", d.Output, "dump format: text (default), json or yaml.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, on top of the file named by --config, if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := conf.LoadFile(path); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
