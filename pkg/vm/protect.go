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
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// Protect changes the flags of [base, base+size), which must lie inside the
// mapping. The mapping is split into up to three siblings so that only the
// given range changes. The cache policy cannot be changed; flags must not
// carry cache-policy bits.
//
// If the hardware update fails the new flags are kept: the bookkeeping and
// the hardware then disagree until the range is unmapped or faulted again.
func (m *Mapping) Protect(base hostarch.Addr, size uint64, flags hostarch.MMUFlags) error {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()

	if m.state != RegionAlive {
		return fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state)
	}
	ar, err := m.checkSubrange(base, size)
	if err != nil {
		return err
	}
	newFlags, err := m.checkProtectLocked(ar, flags)
	if err != nil {
		return err
	}
	if newFlags == m.flags {
		return nil
	}
	sr, err := SplitRange(m.rangeLocked(), ar)
	if err != nil {
		return err
	}
	if err := m.aspace.reserveLocked(len(sr.Pieces()) - 1); err != nil {
		return err
	}
	return m.protectLocked(ar, flags)
}

// checkProtectLocked validates flags for a Protect of ar and returns them
// merged with the mapping's cache policy.
//
// Preconditions: m.aspace.mu is locked.
func (m *Mapping) checkProtectLocked(ar hostarch.AddrRange, flags hostarch.MMUFlags) (hostarch.MMUFlags, error) {
	if m.state != RegionAlive {
		return 0, fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state)
	}
	if flags&^hostarch.MMUFlagsValidMask != 0 {
		return 0, fmt.Errorf("%w: flags %#x", ErrInvalidArgument, uint32(flags))
	}
	if flags&hostarch.MMUFlagsCacheMask != 0 {
		return 0, fmt.Errorf("%w: cache policy of %q is fixed at creation", ErrInvalidArgument, m.name)
	}
	if p, ok := m.Parent(); ok && !p.allowed.SupersetOf(flags) {
		return 0, fmt.Errorf("%w: flags %v exceed %v allowed by area %q", ErrAccessDenied, flags, p.allowed, p.name)
	}
	return flags | m.flags&hostarch.MMUFlagsCacheMask, nil
}

// protectLocked implements Protect once ar and flags have been validated.
//
// Preconditions: m.aspace.mu is locked. The quota for the new siblings has
// been reserved.
func (m *Mapping) protectLocked(ar hostarch.AddrRange, flags hostarch.MMUFlags) error {
	newFlags := flags | m.flags&hostarch.MMUFlagsCacheMask
	if newFlags == m.flags {
		return nil
	}
	sr, err := SplitRange(m.rangeLocked(), ar)
	if err != nil {
		return err
	}

	var siblings []hostarch.AddrRange
	if sr.HasLeft {
		siblings = append(siblings, sr.Left)
	}
	if sr.HasRight {
		siblings = append(siblings, sr.Right)
	}
	if !sr.Whole() {
		splits.Increment("protect")
	}
	m.reshapeLocked(sr.Middle, newFlags, siblings...)
	m.aspace.verifyLocked()

	if err := m.applyFlagsLocked(sr.Middle, newFlags); err != nil {
		log.Warningf("vm: %q: flags of %v are %v but hardware update failed: %v", m.aspace.opts.Name, sr.Middle, newFlags, err)
		return err
	}
	return nil
}

// applyFlagsLocked updates existing translations in ar for flags.
//
// Flags without access remove the translations. Write permission is never
// added here: translations installed by read faults may point at shared or
// zero pages, so a write must fault and let the object provide a private
// page first.
//
// Preconditions: m.aspace.mu is locked.
func (m *Mapping) applyFlagsLocked(ar hostarch.AddrRange, flags hostarch.MMUFlags) error {
	if !flags.HasAccess() {
		if _, err := m.aspace.hw.Unmap(ar.Start, ar.Pages()); err != nil {
			return hardwareError("unmap", ar, err)
		}
		return nil
	}
	if err := m.aspace.hw.Protect(ar.Start, ar.Pages(), flags&^hostarch.MMUFlagPermWrite); err != nil {
		return hardwareError("protect", ar, err)
	}
	return nil
}
