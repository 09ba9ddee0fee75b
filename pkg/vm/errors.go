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

package vm

import (
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Error kinds returned by this package. Callers test for them with
// errors.Is; returned errors usually wrap one of these with context.
var (
	// ErrInvalidArgument is returned for misaligned addresses or sizes,
	// zero-length ranges and attempts to change the cache policy.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRange is returned when a range is not contained in the region
	// being operated on.
	ErrOutOfRange = errors.New("out of range")

	// ErrAccessDenied is returned when a fault or a permission change is
	// not allowed.
	ErrAccessDenied = errors.New("access denied")

	// ErrBadState is returned for operations on regions that are not alive.
	ErrBadState = errors.New("bad state")

	// ErrNoMemory is returned when a region cannot be allocated or when the
	// hardware address space reports a failure.
	ErrNoMemory = errors.New("no memory")

	// ErrNotPresent is returned by BackingObject.GetPageLocked when
	// FaultNoAllocate is set and the page has not been committed.
	ErrNotPresent = errors.New("page not present")

	// ErrInternal indicates a broken invariant.
	ErrInternal = errors.New("internal error")
)

// FaultError is returned by PageFault. It records the faulting address and
// access type.
type FaultError struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Flags describes the faulting access.
	Flags FaultFlags

	// Err is the reason the fault could not be resolved.
	Err error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("page fault at %v (%v): %v", e.Addr, e.Flags, e.Err)
}

// Unwrap returns the underlying error.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// internalError reports a broken invariant. It panics when invariant checks
// are compiled in.
func internalError(format string, v ...any) error {
	msg := fmt.Sprintf(format, v...)
	if checkInvariants {
		panic(msg)
	}
	return fmt.Errorf("%w: %s", ErrInternal, msg)
}

// hardwareError converts a failure of the hardware address space.
func hardwareError(op string, ar hostarch.AddrRange, err error) error {
	return fmt.Errorf("%w: hardware %s of %v: %w", ErrNoMemory, op, ar, err)
}
