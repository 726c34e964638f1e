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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Variables recognized in debug log patterns.
const (
	// CommandVar is replaced by the name of the running subcommand.
	CommandVar = "%COMMAND%"

	// PIDVar is replaced by the process ID.
	PIDVar = "%PID%"
)

var unknownVar = regexp.MustCompile(`%[A-Z_]+%`)

// DebugLogPath expands the variables in pattern for the given subcommand.
// Variables other than CommandVar and PIDVar are rejected.
func DebugLogPath(pattern, command string) (string, error) {
	path := strings.NewReplacer(
		CommandVar, command,
		PIDVar, strconv.Itoa(os.Getpid()),
	).Replace(pattern)
	if v := unknownVar.FindString(path); v != "" {
		return "", fmt.Errorf("unknown variable %s in debug log pattern %q", v, pattern)
	}
	return path, nil
}

// OpenDebugLog opens the debug log for command in append mode, creating it
// and its parent directory as needed. An empty pattern yields a nil file.
func OpenDebugLog(pattern, command string) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path, err := DebugLogPath(pattern, command)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating debug log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening debug log: %w", err)
	}
	return f, nil
}
