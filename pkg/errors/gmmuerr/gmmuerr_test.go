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

package gmmuerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestToErrno(t *testing.T) {
	for _, tc := range []struct {
		err    error
		want   unix.Errno
		wantOK bool
	}{
		{nil, 0, true},
		{ErrOutOfSpace, unix.ENOSPC, true},
		{ErrNoSpace, unix.ENOSPC, true},
		{fmt.Errorf("map 0x1000: %w", ErrOverlap), unix.EEXIST, true},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrNotFound)), unix.ENOENT, true},
		{ErrAllocFailed, unix.ENOMEM, true},
		{ErrBusy, unix.EBUSY, true},
		{ErrTimedOut, unix.ETIMEDOUT, true},
		{errors.New("something else"), 0, false},
	} {
		got, ok := ToErrno(tc.err)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("ToErrno(%v) = (%v, %t), want (%v, %t)", tc.err, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestReason(t *testing.T) {
	known := make(map[string]bool)
	for _, r := range Reasons {
		known[r] = true
	}
	for _, err := range []error{nil, ErrOutOfSpace, ErrInvalidAlignment, ErrOverlap, ErrNotFound, ErrAllocFailed, ErrOutOfRange, ErrTornDown, ErrSuspended, ErrBusy} {
		if r := Reason(err); !known[r] {
			t.Errorf("Reason(%v) = %q, not in Reasons", err, r)
		}
	}
	if got, want := Reason(fmt.Errorf("wrapped: %w", ErrOverlap)), "overlap"; got != want {
		t.Errorf("Reason(wrapped overlap) = %q, want %q", got, want)
	}
}
