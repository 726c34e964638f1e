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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"tegra.dev/nvgpu/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the user, so they are written to stderr unless set otherwise.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs the same message as Errorf and exits with code 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Errorf logs to stderr and to the error log. It returns
// subcommands.ExitFailure for convenience.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If there is an error log, the message is also written to the debug log.
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, "gmmuctl: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// Infof writes an informational message to stderr and to the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
}
