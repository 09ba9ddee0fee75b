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
	"io"
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Mapping is a region that maps a range of a BackingObject.
type Mapping struct {
	regionCommon

	// object is the mapped object. It is set at creation and cleared when
	// the mapping is destroyed. The mapping holds a reference on it while
	// alive.
	object BackingObject

	// objectOffset is the object offset mapped at base. It is protected by
	// aspace.mu and the object lock; holding either is enough to read it.
	objectOffset uint64

	// flags are the MMU flags of the mapping. They are protected by
	// aspace.mu and the object lock.
	flags hostarch.MMUFlags

	// currentlyFaulting is set while the mapping is calling into its object.
	// Invalidations the object delivers to this mapping in that window are
	// ignored. It is protected by the object lock.
	currentlyFaulting bool
}

var _ Region = (*Mapping)(nil)

var _ RangeObserver = (*Mapping)(nil)

// Object returns the mapped object, or nil once the mapping is destroyed.
func (m *Mapping) Object() BackingObject {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.object
}

// ObjectOffset returns the object offset mapped at Base.
func (m *Mapping) ObjectOffset() uint64 {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.objectOffset
}

// Flags returns the MMU flags of the mapping.
func (m *Mapping) Flags() hostarch.MMUFlags {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.flags
}

// String implements fmt.Stringer. It reads fields without locking and is
// only meant for diagnostics.
func (m *Mapping) String() string {
	return fmt.Sprintf("mapping %q %v %v", m.name, m.rangeLocked(), m.flags)
}

// Activate inserts the mapping into its parent and registers it with its
// object. Both happen under the object lock, so invalidations walking the
// object's mappings and faults walking the tree observe the same set.
func (m *Mapping) Activate() error {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()

	if m.state != RegionNotReady {
		return fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state)
	}
	parent, ok := m.Parent()
	if !ok || parent.state != RegionAlive {
		return fmt.Errorf("%w: parent of mapping %q is not alive", ErrBadState, m.name)
	}
	if parent.children.overlaps(m.rangeLocked()) {
		return fmt.Errorf("%w: %v is already in use", ErrNoMemory, m.rangeLocked())
	}
	if err := m.aspace.reserveLocked(1); err != nil {
		return err
	}
	m.activateLocked(parent)
	m.aspace.verifyLocked()
	return nil
}

// activateLocked makes m alive.
//
// Preconditions: m.aspace.mu is locked. m's range is free in parent.
func (m *Mapping) activateLocked(parent *Area) {
	m.object.Lock()
	m.object.AddMappingLocked(m)
	parent.children.insert(m)
	m.state = RegionAlive
	m.object.Unlock()
	m.object.IncRef()
	m.aspace.regions++
	logRegion("activated", m)
}

// Destroy unmaps the whole mapping and removes it from its parent and its
// object.
func (m *Mapping) Destroy() error {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.destroyLocked()
}

// destroyLocked implements Destroy.
//
// Translations are removed before the mapping leaves the object's list, so
// that no invalidation can be missed for a translation that is still
// installed.
//
// Preconditions: m.aspace.mu is locked.
func (m *Mapping) destroyLocked() error {
	if m.state != RegionAlive {
		return fmt.Errorf("%w: mapping %q is %v", ErrBadState, m.name, m.state)
	}
	ar := m.rangeLocked()
	if _, err := m.aspace.hw.Unmap(ar.Start, ar.Pages()); err != nil {
		return hardwareError("unmap", ar, err)
	}

	obj := m.object
	obj.Lock()
	obj.RemoveMappingLocked(m)
	obj.Unlock()
	obj.DecRef()

	if p, ok := m.Parent(); ok {
		p.children.remove(m)
	}
	m.state = RegionDead
	m.object = nil
	m.aspace.regions--
	regionsDestroyed.Increment()
	logRegion("destroyed", m)
	return nil
}

// UnmapObjectRangeLocked implements RangeObserver.UnmapObjectRangeLocked.
//
// It runs without aspace.mu. The mapping is alive since it is on the
// object's list, which the caller's object lock protects; that lock also
// keeps base, size and objectOffset stable.
func (m *Mapping) UnmapObjectRangeLocked(offset, length uint64) error {
	if m.currentlyFaulting {
		// The object is calling back from inside our own fault; the fault
		// fixes up the translation itself.
		return nil
	}
	start, end := offset, offset+length
	if end < start {
		end = ^uint64(0)
	}
	mstart, mend := m.objectOffset, m.objectOffset+m.size
	if start < mstart {
		start = mstart
	}
	if end > mend {
		end = mend
	}
	if start >= end {
		return nil
	}
	va := m.base + hostarch.Addr(start-m.objectOffset)
	ar := hostarch.AddrRange{Start: va, End: va + hostarch.Addr(end-start)}
	if _, err := m.aspace.hw.Unmap(ar.Start, ar.Pages()); err != nil {
		return hardwareError("unmap", ar, err)
	}
	return nil
}

// reshapeLocked shrinks m to keep, sets its flags and creates alive siblings
// with the old flags for each range in siblings. keep and siblings must
// partition a subset of m's current range.
//
// Preconditions: m.aspace.mu is locked. The quota for len(siblings) regions
// has been reserved.
func (m *Mapping) reshapeLocked(keep hostarch.AddrRange, flags hostarch.MMUFlags, siblings ...hostarch.AddrRange) {
	parent, ok := m.Parent()
	if !ok {
		panic(fmt.Sprintf("mapping %q has no parent", m.name))
	}
	oldBase, oldOffset, oldFlags := m.base, m.objectOffset, m.flags

	var created []*Mapping
	for _, s := range siblings {
		created = append(created, &Mapping{
			regionCommon: regionCommon{
				aspace: m.aspace,
				parent: m.parent,
				name:   m.name,
				base:   s.Start,
				size:   s.Length(),
				state:  RegionNotReady,
			},
			object:       m.object,
			objectOffset: oldOffset + uint64(s.Start-oldBase),
			flags:        oldFlags,
		})
	}

	// Shrink m and register the siblings in one object critical section so
	// that invalidations see either the old mapping or all of the new ones.
	m.object.Lock()
	m.base = keep.Start
	m.size = keep.Length()
	m.objectOffset = oldOffset + uint64(keep.Start-oldBase)
	m.flags = flags
	if m.base != oldBase {
		parent.children.rekey(m, oldBase)
	}
	for _, s := range created {
		m.object.AddMappingLocked(s)
		parent.children.insert(s)
		s.state = RegionAlive
	}
	m.object.Unlock()

	for _, s := range created {
		s.object.IncRef()
		m.aspace.regions++
		logRegion("split off", s)
	}
}

func (m *Mapping) dumpLocked(w io.Writer, depth int) error {
	indent := strings.Repeat("  ", depth)
	if m.state != RegionAlive {
		_, err := fmt.Fprintf(w, "%smapping %q %v %v\n", indent, m.name, m.rangeLocked(), m.state)
		return err
	}
	committed := m.object.AllocatedPagesInRange(m.objectOffset, m.size)
	_, err := fmt.Fprintf(w, "%smapping %q %v %v object %d offset %#x committed %d/%d\n",
		indent, m.name, m.rangeLocked(), m.flags, m.object.ID(), m.objectOffset, committed, m.size>>hostarch.PageShift)
	return err
}
