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
	"sync"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// PageLookup is the result of BackingObject.GetPageLocked.
type PageLookup struct {
	// Paddr is the page-aligned physical address of the page.
	Paddr hostarch.PhysAddr

	// Writable is true if the page may be mapped writable. Pages shared
	// copy-on-write and the zero page are never writable.
	Writable bool
}

// RangeObserver is notified by a BackingObject when translations for a range
// of its offsets must be removed.
type RangeObserver interface {
	// UnmapObjectRangeLocked removes hardware translations for object
	// offsets [offset, offset+length) that the observer maps.
	//
	// Preconditions: The object's lock is held.
	UnmapObjectRangeLocked(offset, length uint64) error
}

// BackingObject provides physical pages for object offsets.
//
// Lock order: AddressSpace.mu is taken before the object lock. Methods with
// the Locked suffix require the object lock to be held.
type BackingObject interface {
	sync.Locker

	// ID identifies the object in diagnostics.
	ID() uint64

	// Size returns the size of the object in bytes.
	Size() uint64

	// IncRef adds a reference.
	IncRef()

	// DecRef drops a reference.
	DecRef()

	// AddMappingLocked registers an observer for invalidations.
	AddMappingLocked(RangeObserver)

	// RemoveMappingLocked unregisters an observer.
	RemoveMappingLocked(RangeObserver)

	// GetPageLocked returns the page at the given page-aligned offset. It
	// may allocate, or copy when flags include FaultWrite, and may call
	// back into registered observers while doing so. With FaultNoAllocate
	// it returns ErrNotPresent for pages that are not committed.
	GetPageLocked(offset uint64, flags FaultFlags) (PageLookup, error)

	// DecommitRange releases the pages in [offset, offset+length), first
	// removing every observer's translations of them. It returns the number
	// of pages released.
	DecommitRange(offset, length uint64) (uint64, error)

	// AllocatedPagesInRange returns the number of committed pages in
	// [offset, offset+length).
	AllocatedPagesInRange(offset, length uint64) uint64
}

// HardwareAddressSpace installs translations in the page tables of a single
// address space. All addresses are page-aligned and counts are in pages.
type HardwareAddressSpace interface {
	// Map maps pages[i] at va+i*PageSize and returns the number of pages
	// mapped.
	Map(va hostarch.Addr, pages []hostarch.PhysAddr, flags hostarch.MMUFlags) (int, error)

	// MapContiguous maps count physically contiguous pages starting at pa.
	MapContiguous(va hostarch.Addr, pa hostarch.PhysAddr, count int, flags hostarch.MMUFlags) (int, error)

	// Unmap removes count pages of translations and returns the number of
	// translations removed.
	Unmap(va hostarch.Addr, count int) (int, error)

	// Protect changes the flags of existing translations.
	Protect(va hostarch.Addr, count int, flags hostarch.MMUFlags) error

	// Query returns the translation of the page containing va.
	Query(va hostarch.Addr) (hostarch.PhysAddr, hostarch.MMUFlags, bool)
}

// zeroPage is the physical address of the shared zero page, or zero if none
// has been registered.
var zeroPage atomic.Uint64

// SetZeroPage registers the physical address of the shared zero page. The
// fault path refuses to install it writable.
func SetZeroPage(pa hostarch.PhysAddr) {
	zeroPage.Store(uint64(pa))
}

func isZeroPage(pa hostarch.PhysAddr) bool {
	z := zeroPage.Load()
	return z != 0 && hostarch.PhysAddr(z) == pa
}
