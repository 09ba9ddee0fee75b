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

// Package vm implements the region tree of an address space and the
// resolution of page faults against memory objects.
//
// An AddressSpace owns a root Area. Areas contain child regions, which are
// either sub-areas or Mappings. A Mapping binds a virtual range to a range of
// a BackingObject with a set of MMU flags and installs translations into a
// HardwareAddressSpace on demand.
//
// Lock order:
//
//	AddressSpace.mu
//	  BackingObject lock
//	    hardware address space internal locks
//
// BackingObjects call back into mappings with only their own lock held, via
// RangeObserver.UnmapObjectRangeLocked. A mapping that is itself calling into
// the object at that time ignores the callback; see Mapping.PageFault.
package vm

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

const (
	// DefaultSize is the size of the root area when Options.Size is zero.
	DefaultSize = uint64(1) << 47

	// DefaultCoalescerPages is the batch size used by MapRange when
	// Options.CoalescerPages is zero.
	DefaultCoalescerPages = 16
)

// Options configures an AddressSpace.
type Options struct {
	// Name identifies the address space in logs and dumps.
	Name string

	// Base and Size delimit the root area. Size defaults to DefaultSize.
	Base hostarch.Addr
	Size uint64

	// MaxRegions limits the number of live areas and mappings, excluding
	// the root area. Zero means no limit.
	MaxRegions int

	// CoalescerPages is the number of pages MapRange batches into one
	// hardware call.
	CoalescerPages int
}

// AddressSpace is a tree of regions backed by a single hardware address
// space.
type AddressSpace struct {
	hw   HardwareAddressSpace
	opts Options

	// faultLog reports fault failures without flooding the log.
	faultLog log.Logger

	// mu protects the region tree and all region bookkeeping.
	mu sync.Mutex

	root *Area

	// regions is the number of live regions other than root.
	regions int

	dead bool
}

// NewAddressSpace returns an AddressSpace whose root area covers
// [opts.Base, opts.Base+opts.Size) and permits all access.
func NewAddressSpace(hw HardwareAddressSpace, opts Options) (*AddressSpace, error) {
	if hw == nil {
		return nil, fmt.Errorf("%w: nil hardware address space", ErrInvalidArgument)
	}
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.CoalescerPages <= 0 {
		opts.CoalescerPages = DefaultCoalescerPages
	}
	if opts.MaxRegions < 0 {
		return nil, fmt.Errorf("%w: MaxRegions %d", ErrInvalidArgument, opts.MaxRegions)
	}
	if !opts.Base.IsPageAligned() || !hostarch.IsPageAligned(opts.Size) {
		return nil, fmt.Errorf("%w: root range %v+%#x", ErrInvalidArgument, opts.Base, opts.Size)
	}
	if _, ok := opts.Base.AddLength(opts.Size); !ok {
		return nil, fmt.Errorf("%w: root range %v+%#x overflows", ErrInvalidArgument, opts.Base, opts.Size)
	}
	as := &AddressSpace{
		hw:       hw,
		opts:     opts,
		faultLog: log.BasicRateLimitedLogger(time.Second),
	}
	as.root = &Area{
		regionCommon: regionCommon{
			aspace: as,
			name:   "root",
			base:   opts.Base,
			size:   opts.Size,
			state:  RegionAlive,
		},
		allowed:  hostarch.MMUFlagsValidMask,
		children: newRegionTree(),
	}
	log.Debugf("vm: created address space %q %v", opts.Name, as.root.rangeLocked())
	return as, nil
}

// Name returns the name of the address space.
func (as *AddressSpace) Name() string {
	return as.opts.Name
}

// RootArea returns the root area.
func (as *AddressSpace) RootArea() *Area {
	return as.root
}

// Hardware returns the hardware address space.
func (as *AddressSpace) Hardware() HardwareAddressSpace {
	return as.hw
}

// Regions returns the number of live regions, excluding the root area.
func (as *AddressSpace) Regions() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.regions
}

// reserveLocked returns ErrNoMemory if n more regions would exceed the
// quota.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) reserveLocked(n int) error {
	if as.opts.MaxRegions > 0 && as.regions+n > as.opts.MaxRegions {
		return fmt.Errorf("%w: region quota of %d reached", ErrNoMemory, as.opts.MaxRegions)
	}
	return nil
}

// PageFault resolves a fault at va against the mapping that contains it.
func (as *AddressSpace) PageFault(va hostarch.Addr, flags FaultFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return as.faultFailed(va, flags, fmt.Errorf("%w: address space %q destroyed", ErrBadState, as.opts.Name))
	}
	m, ok := as.findMappingLocked(va)
	if !ok {
		return as.faultFailed(va, flags, fmt.Errorf("%w: no mapping at %v", ErrOutOfRange, va))
	}
	return m.pageFaultLocked(va, flags)
}

// findMappingLocked returns the mapping containing va, descending through
// sub-areas.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) findMappingLocked(va hostarch.Addr) (*Mapping, bool) {
	a := as.root
	for {
		r, ok := a.children.find(va)
		if !ok {
			return nil, false
		}
		switch r := r.(type) {
		case *Mapping:
			return r, true
		case *Area:
			a = r
		}
	}
}

// FindRegion returns the innermost region containing va.
func (as *AddressSpace) FindRegion(va hostarch.Addr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var found Region
	a := as.root
	for {
		r, ok := a.children.find(va)
		if !ok {
			break
		}
		found = r
		sub, ok := r.(*Area)
		if !ok {
			break
		}
		a = sub
	}
	return found, found != nil
}

// faultFailed records and logs a failed fault.
func (as *AddressSpace) faultFailed(va hostarch.Addr, flags FaultFlags, err error) error {
	faultResult(err)
	as.faultLog.Debugf("vm: %q: page fault at %v (%v) failed: %v", as.opts.Name, va, flags, err)
	return &FaultError{Addr: va, Flags: flags, Err: err}
}

// Destroy destroys every region and marks the address space dead.
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return fmt.Errorf("%w: address space %q already destroyed", ErrBadState, as.opts.Name)
	}
	if err := as.root.destroyLocked(); err != nil {
		return err
	}
	as.dead = true
	log.Debugf("vm: destroyed address space %q", as.opts.Name)
	return nil
}

// Dump writes a listing of the region tree to w.
func (as *AddressSpace) Dump(w io.Writer) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	state := "alive"
	if as.dead {
		state = "dead"
	}
	if _, err := fmt.Fprintf(w, "aspace %q %s regions %d\n", as.opts.Name, state, as.regions); err != nil {
		return err
	}
	return as.root.dumpLocked(w, 1)
}

// CheckInvariants verifies the structure of the region tree: every child
// lies inside its parent, siblings do not overlap, tree keys match bases and
// every region in a tree is alive.
func (as *AddressSpace) CheckInvariants() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.checkInvariantsLocked()
}

func (as *AddressSpace) checkInvariantsLocked() error {
	count := 0
	var check func(a *Area) error
	check = func(a *Area) error {
		ar := a.rangeLocked()
		var prevEnd hostarch.Addr
		first := true
		var err error
		a.children.ascend(func(base hostarch.Addr, r Region) bool {
			c := r.common()
			cr := c.rangeLocked()
			switch {
			case base != c.base:
				err = fmt.Errorf("%q keyed at %v but based at %v", c.name, base, c.base)
			case c.state != RegionAlive:
				err = fmt.Errorf("%q in tree with state %v", c.name, c.state)
			case !cr.WellFormed() || cr.Length() == 0 || !ar.IsSupersetOf(cr):
				err = fmt.Errorf("%q %v not inside parent %q %v", c.name, cr, a.name, ar)
			case !first && cr.Start < prevEnd:
				err = fmt.Errorf("%q %v overlaps previous sibling ending at %v", c.name, cr, prevEnd)
			}
			if p, ok := c.Parent(); err == nil && (!ok || p != a) {
				err = fmt.Errorf("%q does not point back to parent %q", c.name, a.name)
			}
			if err != nil {
				return false
			}
			first = false
			prevEnd = cr.End
			count++
			if sub, ok := r.(*Area); ok {
				err = check(sub)
			}
			return err == nil
		})
		return err
	}
	if as.dead {
		return nil
	}
	if err := check(as.root); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if count != as.regions {
		return fmt.Errorf("%w: %d regions in tree, %d accounted", ErrInternal, count, as.regions)
	}
	return nil
}

// verifyLocked panics if the tree is inconsistent and invariant checks are
// enabled.
func (as *AddressSpace) verifyLocked() {
	if !checkInvariants {
		return
	}
	if err := as.checkInvariantsLocked(); err != nil {
		panic(err.Error())
	}
}
