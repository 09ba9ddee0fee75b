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
	"weak"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// Area is a region that only contains other regions.
type Area struct {
	regionCommon

	// allowed is the permission ceiling for regions created under this
	// area. It is immutable.
	allowed hostarch.MMUFlags

	// children is protected by aspace.mu.
	children regionTree
}

var _ Region = (*Area)(nil)

// AllowedFlags returns the permission ceiling of the area.
func (a *Area) AllowedFlags() hostarch.MMUFlags {
	return a.allowed
}

// Children returns the direct children of a in address order.
func (a *Area) Children() []Region {
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()
	return a.children.all()
}

// checkChildLocked validates a new child at offset with the given size and
// flags and returns its range.
//
// Preconditions: a.aspace.mu is locked.
func (a *Area) checkChildLocked(offset, size uint64, flags hostarch.MMUFlags) (hostarch.AddrRange, error) {
	if a.state != RegionAlive {
		return hostarch.AddrRange{}, fmt.Errorf("%w: area %q is %v", ErrBadState, a.name, a.state)
	}
	if size == 0 || !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(size) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: offset %#x size %#x", ErrInvalidArgument, offset, size)
	}
	if flags&^hostarch.MMUFlagsValidMask != 0 || flags.CachePolicy() >= hostarch.NumCachePolicies {
		return hostarch.AddrRange{}, fmt.Errorf("%w: flags %#x", ErrInvalidArgument, uint32(flags))
	}
	if end, ok := hostarch.Addr(offset).AddLength(size); !ok || uint64(end) > a.size {
		return hostarch.AddrRange{}, fmt.Errorf("%w: offset %#x size %#x in area %q of size %#x", ErrOutOfRange, offset, size, a.name, a.size)
	}
	if !a.allowed.SupersetOf(flags) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: flags %v exceed %v allowed by area %q", ErrAccessDenied, flags, a.allowed, a.name)
	}
	ar := hostarch.AddrRange{Start: a.base + hostarch.Addr(offset), End: a.base + hostarch.Addr(offset+size)}
	if a.children.overlaps(ar) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: %v is already in use", ErrNoMemory, ar)
	}
	if err := a.aspace.reserveLocked(1); err != nil {
		return hostarch.AddrRange{}, err
	}
	return ar, nil
}

// CreateSubArea creates an alive sub-area at offset bytes from the start of
// a. The permissions allowed in the sub-area cannot exceed those of a.
func (a *Area) CreateSubArea(offset, size uint64, allowed hostarch.MMUFlags, name string) (*Area, error) {
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()

	ar, err := a.checkChildLocked(offset, size, allowed)
	if err != nil {
		return nil, err
	}
	sub := &Area{
		regionCommon: regionCommon{
			aspace: a.aspace,
			parent: weak.Make(a),
			name:   name,
			base:   ar.Start,
			size:   ar.Length(),
			state:  RegionAlive,
		},
		allowed:  allowed,
		children: newRegionTree(),
	}
	a.children.insert(sub)
	a.aspace.regions++
	a.aspace.verifyLocked()
	return sub, nil
}

// CreateMapping creates a mapping of object at offset bytes from the start of
// a. The mapping covers object offsets [objectOffset, objectOffset+size). It
// is returned in the RegionNotReady state and must be activated.
func (a *Area) CreateMapping(offset, size uint64, flags hostarch.MMUFlags, object BackingObject, objectOffset uint64, name string) (*Mapping, error) {
	if object == nil {
		return nil, fmt.Errorf("%w: nil object", ErrInvalidArgument)
	}
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()

	ar, err := a.checkChildLocked(offset, size, flags)
	if err != nil {
		return nil, err
	}
	if !hostarch.IsPageAligned(objectOffset) {
		return nil, fmt.Errorf("%w: object offset %#x", ErrInvalidArgument, objectOffset)
	}
	if end := objectOffset + size; end < objectOffset || end > object.Size() {
		return nil, fmt.Errorf("%w: object offset %#x size %#x in object %d of size %#x", ErrOutOfRange, objectOffset, size, object.ID(), object.Size())
	}
	return &Mapping{
		regionCommon: regionCommon{
			aspace: a.aspace,
			parent: weak.Make(a),
			name:   name,
			base:   ar.Start,
			size:   ar.Length(),
			state:  RegionNotReady,
		},
		object:       object,
		objectOffset: objectOffset,
		flags:        flags,
	}, nil
}

// Destroy destroys a and everything it contains.
func (a *Area) Destroy() error {
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()
	if a == a.aspace.root {
		return fmt.Errorf("%w: the root area is destroyed with its address space", ErrInvalidArgument)
	}
	return a.destroyLocked()
}

// destroyLocked marks a dead, destroys its children and removes it from its
// parent. Marking a dead first restricts children to whole-range unmaps while
// they are torn down.
//
// Preconditions: a.aspace.mu is locked.
func (a *Area) destroyLocked() error {
	if a.state != RegionAlive {
		return fmt.Errorf("%w: area %q is %v", ErrBadState, a.name, a.state)
	}
	a.state = RegionDead
	for _, r := range a.children.all() {
		var err error
		switch r := r.(type) {
		case *Mapping:
			err = r.destroyLocked()
		case *Area:
			err = r.destroyLocked()
		}
		if err != nil {
			// Leave the area alive so that the destroy can be retried.
			a.state = RegionAlive
			return err
		}
	}
	if a != a.aspace.root {
		if p, ok := a.Parent(); ok {
			p.children.remove(a)
		}
		a.aspace.regions--
		regionsDestroyed.Increment()
	}
	return nil
}

// Unmap removes everything in [base, base+size), destroying or trimming
// mappings and recursing into sub-areas. Sub-areas entirely inside the range
// are destroyed.
func (a *Area) Unmap(base hostarch.Addr, size uint64) error {
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()
	if a.state != RegionAlive {
		return fmt.Errorf("%w: area %q is %v", ErrBadState, a.name, a.state)
	}
	ar, err := a.checkSubrange(base, size)
	if err != nil {
		return err
	}
	return a.unmapLocked(ar)
}

// unmapLocked implements Unmap.
//
// Preconditions: a.aspace.mu is locked. ar is inside a.
func (a *Area) unmapLocked(ar hostarch.AddrRange) error {
	for _, r := range a.children.overlapping(ar) {
		c := r.common()
		sub := c.rangeLocked().Intersect(ar)
		var err error
		switch r := r.(type) {
		case *Mapping:
			err = r.unmapLocked(sub)
		case *Area:
			if sub == r.rangeLocked() {
				err = r.destroyLocked()
			} else {
				err = r.unmapLocked(sub)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Protect changes the flags of every mapping in [base, base+size). The range
// must be covered by mappings without gaps, possibly inside sub-areas.
func (a *Area) Protect(base hostarch.Addr, size uint64, flags hostarch.MMUFlags) error {
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()
	if a.state != RegionAlive {
		return fmt.Errorf("%w: area %q is %v", ErrBadState, a.name, a.state)
	}
	ar, err := a.checkSubrange(base, size)
	if err != nil {
		return err
	}

	type target struct {
		m   *Mapping
		sub hostarch.AddrRange
	}
	var (
		targets []target
		next    = ar.Start
		collect func(a *Area, ar hostarch.AddrRange) error
	)
	collect = func(a *Area, ar hostarch.AddrRange) error {
		for _, r := range a.children.overlapping(ar) {
			sub := r.common().rangeLocked().Intersect(ar)
			switch r := r.(type) {
			case *Mapping:
				if sub.Start != next {
					return fmt.Errorf("%w: %v is not mapped", ErrOutOfRange, hostarch.AddrRange{Start: next, End: sub.Start})
				}
				targets = append(targets, target{r, sub})
				next = sub.End
			case *Area:
				if err := collect(r, sub); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := collect(a, ar); err != nil {
		return err
	}
	if next != ar.End {
		return fmt.Errorf("%w: %v is not mapped", ErrOutOfRange, hostarch.AddrRange{Start: next, End: ar.End})
	}

	// Validate everything before changing anything.
	needed := 0
	for _, t := range targets {
		if _, err := t.m.checkProtectLocked(t.sub, flags); err != nil {
			return err
		}
		sr, _ := SplitRange(t.m.rangeLocked(), t.sub)
		needed += len(sr.Pieces()) - 1
	}
	if err := a.aspace.reserveLocked(needed); err != nil {
		return err
	}
	for _, t := range targets {
		if err := t.m.protectLocked(t.sub, flags); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes a listing of a and its descendants to w.
func (a *Area) Dump(w io.Writer) error {
	a.aspace.mu.Lock()
	defer a.aspace.mu.Unlock()
	return a.dumpLocked(w, 0)
}

func (a *Area) dumpLocked(w io.Writer, depth int) error {
	indent := strings.Repeat("  ", depth)
	if _, err := fmt.Fprintf(w, "%sarea %q %v %v allowed %v children %d\n", indent, a.name, a.rangeLocked(), a.state, a.allowed, a.children.len()); err != nil {
		return err
	}
	for _, r := range a.children.all() {
		var err error
		switch r := r.(type) {
		case *Area:
			err = r.dumpLocked(w, depth+1)
		case *Mapping:
			err = r.dumpLocked(w, depth+1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func logRegion(op string, r Region) {
	if log.IsLogging(log.Debug) {
		c := r.common()
		log.Debugf("vm: %s %q %v", op, c.name, c.rangeLocked())
	}
}
