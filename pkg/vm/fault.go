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

// PageFault resolves a fault at va, which must lie inside the mapping.
//
// On success a translation for the page containing va is installed with the
// mapping's flags, minus write permission unless the fault was a write. A
// fault that finds the right translation already installed changes nothing.
func (m *Mapping) PageFault(va hostarch.Addr, flags FaultFlags) error {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()

	if m.state != RegionAlive {
		return m.aspace.faultFailed(va, flags, fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state))
	}
	if !m.rangeLocked().Contains(va) {
		return m.aspace.faultFailed(va, flags, fmt.Errorf("%w: %v not in mapping %q", ErrOutOfRange, va, m.name))
	}
	return m.pageFaultLocked(va, flags)
}

// checkAccess returns ErrAccessDenied if the mapping flags do not permit an
// access of the given type.
func checkAccess(mf hostarch.MMUFlags, ff FaultFlags) error {
	switch {
	case ff&FaultUser != 0 && !mf.User():
		return fmt.Errorf("%w: user fault on supervisor mapping", ErrAccessDenied)
	case ff.Write() && !mf.Write():
		return fmt.Errorf("%w: write fault on non-writable mapping", ErrAccessDenied)
	case ff.Read() && !mf.Read():
		return fmt.Errorf("%w: read fault on non-readable mapping", ErrAccessDenied)
	case ff&FaultInstruction != 0 && !mf.Execute():
		return fmt.Errorf("%w: instruction fetch from non-executable mapping", ErrAccessDenied)
	}
	return nil
}

// pageFaultLocked implements PageFault.
//
// Preconditions: m.aspace.mu is locked. m is alive and contains va.
func (m *Mapping) pageFaultLocked(va hostarch.Addr, ff FaultFlags) error {
	res, err := m.resolveLocked(va.RoundDown(), ff)
	if err != nil {
		return m.aspace.faultFailed(va, ff, err)
	}
	pageFaults.Increment(res)
	return nil
}

// resolveLocked installs the translation for the page at va and returns the
// fault result for metrics.
func (m *Mapping) resolveLocked(va hostarch.Addr, ff FaultFlags) (string, error) {
	if err := checkAccess(m.flags, ff); err != nil {
		return "", err
	}
	offset := uint64(va-m.base) + m.objectOffset

	m.object.Lock()
	defer m.object.Unlock()

	if m.currentlyFaulting {
		return "", internalError("recursive fault on mapping %q at %v", m.name, va)
	}
	m.currentlyFaulting = true
	defer func() { m.currentlyFaulting = false }()

	// On failure the object may have replaced the page at offset without
	// invalidating this mapping, so whatever is installed at va can no
	// longer be trusted.
	ar := hostarch.AddrRange{Start: va, End: va + hostarch.PageSize}
	page, err := m.object.GetPageLocked(offset, ff&(FaultWrite|FaultSoftware))
	if err != nil {
		m.dropStaleLocked(ar)
		return "", fmt.Errorf("object %d offset %#x: %w", m.object.ID(), offset, err)
	}
	res, err := m.installLocked(va, ff, offset, page)
	if err != nil {
		m.dropStaleLocked(ar)
		return "", err
	}
	return res, nil
}

// installLocked points the translation at va to page.
//
// Preconditions: the object lock is held and m.currentlyFaulting is set.
func (m *Mapping) installLocked(va hostarch.Addr, ff FaultFlags, offset uint64, page PageLookup) (string, error) {
	flags := m.flags
	if !ff.Write() || !page.Writable {
		// A read fault never installs a writable translation, so that the
		// first write faults again and lets the object copy or track it.
		flags &^= hostarch.MMUFlagPermWrite
	}
	if ff.Write() && !page.Writable {
		return "", internalError("object %d returned a read-only page for a write fault at offset %#x", m.object.ID(), offset)
	}
	if flags.Write() && isZeroPage(page.Paddr) {
		return "", internalError("mapping %q would map the zero page writable at %v", m.name, va)
	}

	ar := hostarch.AddrRange{Start: va, End: va + hostarch.PageSize}
	hw := m.aspace.hw
	if pa, cur, ok := hw.Query(va); ok {
		if pa == page.Paddr {
			if cur == m.flags || cur == flags {
				// Another fault got here first.
				return "spurious", nil
			}
			if err := hw.Protect(va, 1, flags); err != nil {
				return "", hardwareError("protect", ar, err)
			}
			return "upgraded", nil
		}
		if _, err := hw.Unmap(va, 1); err != nil {
			return "", hardwareError("unmap", ar, err)
		}
		if err := mapOne(hw, va, page.Paddr, flags); err != nil {
			return "", err
		}
		return "replaced", nil
	}
	if err := mapOne(hw, va, page.Paddr, flags); err != nil {
		return "", err
	}
	return "mapped", nil
}

// dropStaleLocked removes translations in ar after a failure left the
// object's pages there unknown. Objects skip invalidating a mapping while it
// is faulting, so this is the only way such translations go away.
//
// Preconditions: the object lock is held and m.currentlyFaulting is set.
func (m *Mapping) dropStaleLocked(ar hostarch.AddrRange) {
	if ar.Length() == 0 {
		return
	}
	if _, err := m.aspace.hw.Unmap(ar.Start, ar.Pages()); err != nil {
		log.Warningf("vm: %q: dropping translations in %v failed: %v", m.aspace.opts.Name, ar, err)
	}
}

func mapOne(hw HardwareAddressSpace, va hostarch.Addr, pa hostarch.PhysAddr, flags hostarch.MMUFlags) error {
	ar := hostarch.AddrRange{Start: va, End: va + hostarch.PageSize}
	n, err := hw.MapContiguous(va, pa, 1, flags)
	if err != nil {
		return hardwareError("map", ar, err)
	}
	if n != 1 {
		return internalError("mapped %d pages at %v, want 1", n, va)
	}
	return nil
}
