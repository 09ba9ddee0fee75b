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

// checkOffsetRange validates [offset, offset+length) relative to the start of
// the mapping and returns the corresponding virtual range.
//
// Preconditions: m.aspace.mu is locked.
func (m *Mapping) checkOffsetRange(offset, length uint64) (hostarch.AddrRange, error) {
	if m.state != RegionAlive {
		return hostarch.AddrRange{}, fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state)
	}
	if length == 0 || !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: offset %#x length %#x", ErrInvalidArgument, offset, length)
	}
	if end := offset + length; end < offset || end > m.size {
		return hostarch.AddrRange{}, fmt.Errorf("%w: offset %#x length %#x in mapping %q of size %#x", ErrOutOfRange, offset, length, m.name, m.size)
	}
	start := m.base + hostarch.Addr(offset)
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(length)}, nil
}

// MapRange installs translations for [offset, offset+length), relative to
// the start of the mapping, without waiting for faults.
//
// With commit, missing pages are allocated and any failure to obtain a page
// fails the whole call. Without it, only pages the object already has are
// mapped and the rest are skipped.
func (m *Mapping) MapRange(offset, length uint64, commit bool) error {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()

	ar, err := m.checkOffsetRange(offset, length)
	if err != nil {
		return err
	}

	pf := FaultSoftware
	if commit {
		if m.flags.Write() {
			pf |= FaultWrite
		}
	} else {
		pf |= FaultNoAllocate
	}

	m.object.Lock()
	defer m.object.Unlock()
	if m.currentlyFaulting {
		return internalError("MapRange on mapping %q while faulting", m.name)
	}
	m.currentlyFaulting = true
	defer func() { m.currentlyFaulting = false }()

	c := newMappingCoalescer(m.aspace.hw, m.aspace.opts.CoalescerPages)
	defer c.close()

	// Pages looked up but not yet flushed may have been replaced in the
	// object without invalidating this mapping. On failure their old
	// translations are dropped; flushed runs are left in place.
	for va := ar.Start; va < ar.End; va += hostarch.PageSize {
		objOff := uint64(va-m.base) + m.objectOffset
		stale := c.unflushedThrough(va)
		page, err := m.object.GetPageLocked(objOff, pf)
		if err != nil {
			if !commit && errors.Is(err, ErrNotPresent) {
				continue
			}
			c.abort()
			m.dropStaleLocked(stale)
			return fmt.Errorf("object %d offset %#x: %w", m.object.ID(), objOff, err)
		}
		flags := m.flags
		if !page.Writable || pf&FaultWrite == 0 {
			flags &^= hostarch.MMUFlagPermWrite
		}
		if err := c.append(va, page.Paddr, flags); err != nil {
			m.dropStaleLocked(stale)
			return err
		}
	}
	stale := c.buffered()
	if err := c.flush(); err != nil {
		m.dropStaleLocked(stale)
		return err
	}
	return nil
}

// DecommitRange releases the object pages behind [offset, offset+length),
// relative to the start of the mapping. Every mapping of those pages,
// including this one, loses its translations. It returns the number of
// pages released.
func (m *Mapping) DecommitRange(offset, length uint64) (uint64, error) {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()

	if _, err := m.checkOffsetRange(offset, length); err != nil {
		return 0, err
	}
	return m.object.DecommitRange(m.objectOffset+offset, length)
}
