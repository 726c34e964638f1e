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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestJSONEmitterLine(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{Writer: &Writer{Next: &buf}}
	ts := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	e.Emit(0, Info, ts, "vm %q: mapped %#x bytes at %#x", "client", 0x2000, 0x100000)
	e.Emit(0, Warning, ts, "vm %q: TLB invalidate: %v", "bar1", "timed out")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	var got []jsonLog
	for _, line := range lines {
		var j jsonLog
		if err := json.Unmarshal([]byte(line), &j); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		if !strings.HasPrefix(j.Caller, "json_test.go:") {
			t.Errorf("caller = %q, want json_test.go:<line>", j.Caller)
		}
		got = append(got, j)
	}
	want := []jsonLog{
		{Msg: `vm "client": mapped 0x2000 bytes at 0x100000`, Level: Info, Time: ts},
		{Msg: `vm "bar1": TLB invalidate: timed out`, Level: Warning, Time: ts},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(jsonLog{}, "Caller")); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
		num   string
	}{
		{level: Warning, name: `"warning"`, num: "0"},
		{level: Info, name: `"info"`, num: "1"},
		{level: Debug, name: `"debug"`, num: "2"},
	} {
		t.Run(tc.level.String(), func(t *testing.T) {
			b, err := tc.level.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON: %v", err)
			}
			if string(b) != tc.name {
				t.Errorf("MarshalJSON = %s, want %s", b, tc.name)
			}
			for _, in := range []string{tc.name, tc.num} {
				var l Level
				if err := l.UnmarshalJSON([]byte(in)); err != nil {
					t.Errorf("UnmarshalJSON(%s): %v", in, err)
				} else if l != tc.level {
					t.Errorf("UnmarshalJSON(%s) = %v, want %v", in, l, tc.level)
				}
			}
		})
	}

	var l Level
	if err := l.UnmarshalJSON([]byte(`"fatal"`)); err == nil {
		t.Errorf(`UnmarshalJSON("fatal") succeeded, want error`)
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("Level(7).MarshalJSON succeeded, want error")
	}
}
