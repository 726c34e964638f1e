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

// Package gmmuerr contains the error values reported by the GPU address
// space code, exported as error interface pointers. Each carries the errno
// that a driver ioctl would report for the same condition.
//
// Callers add context with fmt.Errorf("...: %w", err) and match with
// errors.Is.
package gmmuerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"tegra.dev/nvgpu/pkg/errors"
)

var (
	// ErrOutOfSpace is returned when a VMA allocator has no free range
	// large enough for a request.
	ErrOutOfSpace = errors.New(unix.ENOSPC, "virtual address space exhausted")

	// ErrNoSpace is reported by map when no virtual range is available. It
	// is the same condition as ErrOutOfSpace seen from the map path.
	ErrNoSpace = ErrOutOfSpace

	// ErrInvalidAlignment is returned when an address, size or alignment is
	// not a multiple of the page size of its class.
	ErrInvalidAlignment = errors.New(unix.EINVAL, "invalid alignment for page size")

	// ErrInvalidKind is returned when a storage kind is not supported by the
	// GPU generation.
	ErrInvalidKind = errors.New(unix.EINVAL, "unsupported storage kind")

	// ErrOverlap is returned when a range collides with a live mapping or an
	// allocated range.
	ErrOverlap = errors.New(unix.EEXIST, "range overlaps an existing mapping")

	// ErrNotFound is returned when no live mapping or allocation covers an
	// address.
	ErrNotFound = errors.New(unix.ENOENT, "no mapping at address")

	// ErrAllocFailed is returned when backing memory could not be obtained
	// from the external allocator.
	ErrAllocFailed = errors.New(unix.ENOMEM, "backing memory allocation failed")

	// ErrBusy is returned by suspend when an address space operation is in
	// flight.
	ErrBusy = errors.New(unix.EBUSY, "address space operation in flight")

	// ErrOutOfRange is returned when a fixed range lies outside the managed
	// address range.
	ErrOutOfRange = errors.New(unix.ERANGE, "address outside managed range")

	// ErrNotUserMapped is returned by user unmap on a kernel-only mapping.
	ErrNotUserMapped = errors.New(unix.EPERM, "mapping is not user mapped")

	// ErrTornDown is returned by operations on a removed address space.
	ErrTornDown = errors.New(unix.ENODEV, "address space has been torn down")

	// ErrSuspended is returned by mutating operations while the memory
	// manager is suspended.
	ErrSuspended = errors.New(unix.EAGAIN, "memory manager is suspended")

	// ErrTimedOut is returned when the hardware did not acknowledge a flush
	// or invalidate in time.
	ErrTimedOut = errors.New(unix.ETIMEDOUT, "timed out waiting for hardware")
)

var all = []*errors.Error{
	ErrOutOfSpace,
	ErrInvalidAlignment,
	ErrInvalidKind,
	ErrOverlap,
	ErrNotFound,
	ErrAllocFailed,
	ErrBusy,
	ErrOutOfRange,
	ErrNotUserMapped,
	ErrTornDown,
	ErrSuspended,
	ErrTimedOut,
}

// ToErrno translates err to the errno of the first known error in its chain.
// ok is false if err does not wrap one of the errors in this package.
func ToErrno(err error) (unix.Errno, bool) {
	if err == nil {
		return 0, true
	}
	for _, e := range all {
		if goerrors.Is(err, e) {
			return e.Errno(), true
		}
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	return 0, false
}

// Reason returns a short, stable label for err, suitable for metric fields.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case goerrors.Is(err, ErrOutOfSpace):
		return "out_of_space"
	case goerrors.Is(err, ErrInvalidAlignment):
		return "invalid_alignment"
	case goerrors.Is(err, ErrInvalidKind):
		return "invalid_kind"
	case goerrors.Is(err, ErrOverlap):
		return "overlap"
	case goerrors.Is(err, ErrNotFound):
		return "not_found"
	case goerrors.Is(err, ErrAllocFailed):
		return "alloc_failed"
	case goerrors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case goerrors.Is(err, ErrNotUserMapped):
		return "not_user_mapped"
	case goerrors.Is(err, ErrTornDown):
		return "torn_down"
	case goerrors.Is(err, ErrSuspended):
		return "suspended"
	case goerrors.Is(err, ErrBusy):
		return "busy"
	case goerrors.Is(err, ErrTimedOut):
		return "timed_out"
	default:
		return "other"
	}
}

// Reasons lists every label Reason may return.
var Reasons = []string{
	"none",
	"out_of_space",
	"invalid_alignment",
	"invalid_kind",
	"overlap",
	"not_found",
	"alloc_failed",
	"out_of_range",
	"not_user_mapped",
	"torn_down",
	"suspended",
	"busy",
	"timed_out",
	"other",
}
