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
)

// Unmap removes [base, base+size), which must lie inside the mapping.
// Removing the whole range destroys the mapping; removing an interior range
// splits off a new sibling for the part after it.
//
// While the parent area is being destroyed only the whole range may be
// removed.
func (m *Mapping) Unmap(base hostarch.Addr, size uint64) error {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()

	if m.state != RegionAlive {
		return fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state)
	}
	ar, err := m.checkSubrange(base, size)
	if err != nil {
		return err
	}
	return m.unmapLocked(ar)
}

// unmapLocked implements Unmap.
//
// Preconditions: m.aspace.mu is locked. ar is a non-empty page-aligned range
// inside m.
func (m *Mapping) unmapLocked(ar hostarch.AddrRange) error {
	sr, err := SplitRange(m.rangeLocked(), ar)
	if err != nil {
		return err
	}
	if sr.Whole() {
		return m.destroyLocked()
	}
	if p, ok := m.Parent(); !ok || p.state != RegionAlive {
		return fmt.Errorf("%w: partial unmap of %q while its parent is being destroyed", ErrBadState, m.name)
	}

	var siblings []hostarch.AddrRange
	if sr.HasLeft && sr.HasRight {
		if err := m.aspace.reserveLocked(1); err != nil {
			return err
		}
		siblings = append(siblings, sr.Right)
	}
	if _, err := m.aspace.hw.Unmap(ar.Start, ar.Pages()); err != nil {
		return hardwareError("unmap", ar, err)
	}

	keep := sr.Left
	if !sr.HasLeft {
		keep = sr.Right
	}
	splits.Increment("unmap")
	m.reshapeLocked(keep, m.flags, siblings...)
	m.aspace.verifyLocked()
	return nil
}
