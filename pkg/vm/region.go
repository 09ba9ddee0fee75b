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
	"weak"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// RegionState is the lifecycle state of a Region.
type RegionState int

const (
	// RegionNotReady regions have been created but not inserted into their
	// parent.
	RegionNotReady RegionState = iota

	// RegionAlive regions are in their parent's tree.
	RegionAlive

	// RegionDead regions have been destroyed.
	RegionDead
)

// String implements fmt.Stringer.
func (s RegionState) String() string {
	switch s {
	case RegionNotReady:
		return "not-ready"
	case RegionAlive:
		return "alive"
	case RegionDead:
		return "dead"
	default:
		return fmt.Sprintf("RegionState(%d)", int(s))
	}
}

// Region is a node in an address space's region tree: either an *Area or a
// *Mapping.
type Region interface {
	// Base returns the first address of the region.
	Base() hostarch.Addr

	// Size returns the size of the region in bytes.
	Size() uint64

	// Range returns [Base, Base+Size).
	Range() hostarch.AddrRange

	// Parent returns the containing Area. It returns false for the root
	// area and once the parent has been released.
	Parent() (*Area, bool)

	// State returns the lifecycle state.
	State() RegionState

	// Name returns the name given at creation.
	Name() string

	common() *regionCommon
}

// regionCommon holds the state shared by areas and mappings.
type regionCommon struct {
	aspace *AddressSpace

	// parent is a non-owning back reference. Parents own their children
	// through the region tree.
	parent weak.Pointer[Area]

	name string

	// base, size and state are protected by aspace.mu. For mappings, base
	// and size are also protected by the object lock.
	base  hostarch.Addr
	size  uint64
	state RegionState
}

func (r *regionCommon) common() *regionCommon {
	return r
}

// Base implements Region.Base.
func (r *regionCommon) Base() hostarch.Addr {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	return r.base
}

// Size implements Region.Size.
func (r *regionCommon) Size() uint64 {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	return r.size
}

// Range implements Region.Range.
func (r *regionCommon) Range() hostarch.AddrRange {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	return r.rangeLocked()
}

// State implements Region.State.
func (r *regionCommon) State() RegionState {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	return r.state
}

// Name implements Region.Name.
func (r *regionCommon) Name() string {
	return r.name
}

// Parent implements Region.Parent.
func (r *regionCommon) Parent() (*Area, bool) {
	p := r.parent.Value()
	return p, p != nil
}

func (r *regionCommon) rangeLocked() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.base, End: r.base + hostarch.Addr(r.size)}
}

// checkSubrange validates that [base, base+size) is a non-empty, page-aligned
// range inside r.
func (r *regionCommon) checkSubrange(base hostarch.Addr, size uint64) (hostarch.AddrRange, error) {
	if size == 0 || !base.IsPageAligned() || !hostarch.IsPageAligned(size) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: range %v+%#x", ErrInvalidArgument, base, size)
	}
	ar, ok := base.ToRange(size)
	if !ok || !r.rangeLocked().IsSupersetOf(ar) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: %v not in %q %v", ErrOutOfRange, base, r.name, r.rangeLocked())
	}
	return ar, nil
}
