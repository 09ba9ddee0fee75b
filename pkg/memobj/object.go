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

// Package memobj provides anonymous paged memory objects that can back
// vm.Mappings.
//
// Pages are committed on the first write. Reads of uncommitted pages see the
// shared zero page. Clones share frames copy-on-write with their source.
package memobj

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/pgalloc"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/vm"
)

// nextID is the ID of the next object.
var nextID atomic.Uint64

// page is a committed page of an object.
type page struct {
	off uint64
	pa  hostarch.PhysAddr

	// cow is set while the frame may be shared with a clone. Writes must
	// first copy it unless this object holds the only reference.
	cow bool
}

// Object is an anonymous memory object.
type Object struct {
	refs.Refs[Object]

	id    uint64
	name  string
	size  uint64
	alloc *pgalloc.Allocator

	// mu is the object lock.
	mu sync.Mutex

	// pages is the index of committed pages by offset. It is protected by
	// mu.
	pages *btree.BTreeG[page]

	// mappings are the registered observers. It is protected by mu.
	mappings []vm.RangeObserver
}

var _ vm.BackingObject = (*Object)(nil)

func newPageIndex() *btree.BTreeG[page] {
	return btree.NewG(16, func(a, b page) bool { return a.off < b.off })
}

// New returns an object of the given size, which must be page-aligned, with a
// single reference held by the caller.
func New(alloc *pgalloc.Allocator, size uint64, name string) (*Object, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, fmt.Errorf("%w: object size %#x", vm.ErrInvalidArgument, size)
	}
	vm.SetZeroPage(alloc.ZeroPage())
	o := &Object{
		id:    nextID.Add(1),
		name:  name,
		size:  size,
		alloc: alloc,
		pages: newPageIndex(),
	}
	o.InitRefs()
	return o, nil
}

// ID implements vm.BackingObject.ID.
func (o *Object) ID() uint64 { return o.id }

// Name returns the name given at creation.
func (o *Object) Name() string { return o.name }

// Size implements vm.BackingObject.Size.
func (o *Object) Size() uint64 { return o.size }

// Lock implements sync.Locker.
func (o *Object) Lock() { o.mu.Lock() }

// Unlock implements sync.Locker.
func (o *Object) Unlock() { o.mu.Unlock() }

// DecRef implements vm.BackingObject.DecRef. Frames are released with the
// last reference.
func (o *Object) DecRef() {
	o.Refs.DecRef(o.destroy)
}

func (o *Object) destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.mappings) != 0 {
		panic(fmt.Sprintf("object %d released with %d mappings", o.id, len(o.mappings)))
	}
	o.pages.Ascend(func(p page) bool {
		o.alloc.DecRef(p.pa)
		return true
	})
	o.pages.Clear(false)
	log.Debugf("memobj: released object %d %q", o.id, o.name)
}

// AddMappingLocked implements vm.BackingObject.AddMappingLocked.
func (o *Object) AddMappingLocked(m vm.RangeObserver) {
	o.mappings = append(o.mappings, m)
}

// RemoveMappingLocked implements vm.BackingObject.RemoveMappingLocked.
func (o *Object) RemoveMappingLocked(m vm.RangeObserver) {
	for i, om := range o.mappings {
		if om == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("object %d: removing unknown mapping %v", o.id, m))
}

// Mappings returns the number of registered observers.
func (o *Object) Mappings() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.mappings)
}

// HasMapping returns true if m is registered.
func (o *Object) HasMapping(m vm.RangeObserver) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, om := range o.mappings {
		if om == m {
			return true
		}
	}
	return false
}

// invalidateLocked removes every observer's translations of
// [offset, offset+length).
//
// Preconditions: o.mu is locked.
func (o *Object) invalidateLocked(offset, length uint64) error {
	var errs []error
	for _, m := range o.mappings {
		if err := m.UnmapObjectRangeLocked(offset, length); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Object) checkRange(offset, length uint64) error {
	if !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) {
		return fmt.Errorf("%w: offset %#x length %#x", vm.ErrInvalidArgument, offset, length)
	}
	if end := offset + length; end < offset || end > o.size {
		return fmt.Errorf("%w: offset %#x length %#x in object %d of size %#x", vm.ErrOutOfRange, offset, length, o.id, o.size)
	}
	return nil
}

// GetPageLocked implements vm.BackingObject.GetPageLocked.
func (o *Object) GetPageLocked(offset uint64, flags vm.FaultFlags) (vm.PageLookup, error) {
	if err := o.checkRange(offset, hostarch.PageSize); err != nil {
		return vm.PageLookup{}, err
	}

	p, ok := o.pages.Get(page{off: offset})
	switch {
	case ok && (!p.cow || !flags.Write()):
		return vm.PageLookup{Paddr: p.pa, Writable: !p.cow}, nil

	case ok:
		// Write to a copy-on-write page.
		if o.alloc.Refs(p.pa) == 1 {
			// The clone is gone; the frame is ours.
			p.cow = false
			o.pages.ReplaceOrInsert(p)
			return vm.PageLookup{Paddr: p.pa, Writable: true}, nil
		}
		pa, err := o.allocate()
		if err != nil {
			return vm.PageLookup{}, err
		}
		o.alloc.Copy(pa, p.pa)
		if err := o.invalidateLocked(offset, hostarch.PageSize); err != nil {
			o.alloc.DecRef(pa)
			return vm.PageLookup{}, err
		}
		o.alloc.DecRef(p.pa)
		o.pages.ReplaceOrInsert(page{off: offset, pa: pa})
		return vm.PageLookup{Paddr: pa, Writable: true}, nil

	case flags&vm.FaultNoAllocate != 0:
		return vm.PageLookup{}, fmt.Errorf("object %d offset %#x: %w", o.id, offset, vm.ErrNotPresent)

	case !flags.Write():
		return vm.PageLookup{Paddr: o.alloc.ZeroPage()}, nil

	default:
		pa, err := o.allocate()
		if err != nil {
			return vm.PageLookup{}, err
		}
		// Other mappings may map the zero page here.
		if err := o.invalidateLocked(offset, hostarch.PageSize); err != nil {
			o.alloc.DecRef(pa)
			return vm.PageLookup{}, err
		}
		o.pages.ReplaceOrInsert(page{off: offset, pa: pa})
		return vm.PageLookup{Paddr: pa, Writable: true}, nil
	}
}

func (o *Object) allocate() (hostarch.PhysAddr, error) {
	pa, err := o.alloc.Allocate()
	if err != nil {
		if errors.Is(err, pgalloc.ErrExhausted) {
			return 0, fmt.Errorf("object %d: %w: %w", o.id, vm.ErrNoMemory, err)
		}
		return 0, err
	}
	return pa, nil
}

// DecommitRange implements vm.BackingObject.DecommitRange.
func (o *Object) DecommitRange(offset, length uint64) (uint64, error) {
	if err := o.checkRange(offset, length); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.invalidateLocked(offset, length); err != nil {
		return 0, err
	}
	var victims []page
	o.pages.AscendRange(page{off: offset}, page{off: offset + length}, func(p page) bool {
		victims = append(victims, p)
		return true
	})
	for _, p := range victims {
		o.pages.Delete(p)
		o.alloc.DecRef(p.pa)
	}
	return uint64(len(victims)), nil
}

// AllocatedPagesInRange implements vm.BackingObject.AllocatedPagesInRange.
func (o *Object) AllocatedPagesInRange(offset, length uint64) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	end := offset + length
	if end < offset {
		end = ^uint64(0)
	}
	var n uint64
	o.pages.AscendRange(page{off: offset}, page{off: end}, func(page) bool {
		n++
		return true
	})
	return n
}

// Clone returns a copy-on-write snapshot of o. Both objects share o's
// committed frames until either writes to them. Writable translations of o
// are removed so that the next write through any mapping of o faults.
func (o *Object) Clone(name string) (*Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.invalidateLocked(0, o.size); err != nil {
		return nil, err
	}
	c := &Object{
		id:    nextID.Add(1),
		name:  name,
		size:  o.size,
		alloc: o.alloc,
		pages: newPageIndex(),
	}
	c.InitRefs()
	var shared []page
	o.pages.Ascend(func(p page) bool {
		shared = append(shared, p)
		return true
	})
	for _, p := range shared {
		o.alloc.IncRef(p.pa)
		p.cow = true
		o.pages.ReplaceOrInsert(p)
		c.pages.ReplaceOrInsert(p)
	}
	log.Debugf("memobj: cloned object %d into %d with %d shared pages", o.id, c.id, len(shared))
	return c, nil
}

// Peek returns the byte at offset, reading the zero page for uncommitted
// pages.
func (o *Object) Peek(offset uint64) (byte, error) {
	if offset >= o.size {
		return 0, fmt.Errorf("%w: offset %#x", vm.ErrOutOfRange, offset)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pages.Get(page{off: offset &^ (hostarch.PageSize - 1)})
	if !ok {
		return 0, nil
	}
	return o.alloc.ReadAt(p.pa, offset%hostarch.PageSize), nil
}

// Poke stores b at offset, committing or copying the page first.
func (o *Object) Poke(offset uint64, b byte) error {
	if offset >= o.size {
		return fmt.Errorf("%w: offset %#x", vm.ErrOutOfRange, offset)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	lookup, err := o.GetPageLocked(offset&^(hostarch.PageSize-1), vm.FaultWrite|vm.FaultSoftware)
	if err != nil {
		return err
	}
	o.alloc.WriteAt(lookup.Paddr, offset%hostarch.PageSize, b)
	return nil
}
