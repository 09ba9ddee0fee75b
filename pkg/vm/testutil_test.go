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
	"sync"
	"sync/atomic"
	"testing"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pagetables"
)

var _ HardwareAddressSpace = (*pagetables.PageTables)(nil)

const (
	page = hostarch.PageSize

	ro  = hostarch.MMUFlagsRead
	rw  = hostarch.MMUFlagsReadWrite
	ru  = hostarch.MMUFlagPermRead | hostarch.MMUFlagPermUser
	rwu = hostarch.MMUFlagPermRead | hostarch.MMUFlagPermWrite | hostarch.MMUFlagPermUser

	// fakePhysBase is where fakeObject pages live: offset o is at
	// fakePhysBase+o.
	fakePhysBase hostarch.PhysAddr = 0x40000000
)

var fakeIDs atomic.Uint64

// fakeObject is a BackingObject whose page at offset o is always at
// fakePhysBase+o.
type fakeObject struct {
	mu   sync.Mutex
	id   uint64
	size uint64
	refs atomic.Int64

	// The fields below are protected by mu.
	mappings []RangeObserver
	present  map[uint64]bool
	calls    int

	// getPage, if set, overrides GetPageLocked when it returns handled.
	getPage func(offset uint64, flags FaultFlags) (l PageLookup, err error, handled bool)

	// onRemove is called from RemoveMappingLocked.
	onRemove func(m RangeObserver)
}

func newFakeObject(size uint64) *fakeObject {
	o := &fakeObject{
		id:      fakeIDs.Add(1),
		size:    size,
		present: make(map[uint64]bool),
	}
	o.refs.Store(1)
	return o
}

func (o *fakeObject) Lock()        { o.mu.Lock() }
func (o *fakeObject) Unlock()      { o.mu.Unlock() }
func (o *fakeObject) ID() uint64   { return o.id }
func (o *fakeObject) Size() uint64 { return o.size }
func (o *fakeObject) IncRef()      { o.refs.Add(1) }

func (o *fakeObject) DecRef() {
	if o.refs.Add(-1) < 0 {
		panic("fakeObject refcount underflow")
	}
}

func (o *fakeObject) AddMappingLocked(m RangeObserver) {
	o.mappings = append(o.mappings, m)
}

func (o *fakeObject) RemoveMappingLocked(m RangeObserver) {
	if o.onRemove != nil {
		o.onRemove(m)
	}
	for i, om := range o.mappings {
		if om == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			return
		}
	}
	panic("removing unknown mapping")
}

func (o *fakeObject) hasMapping(m RangeObserver) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, om := range o.mappings {
		if om == m {
			return true
		}
	}
	return false
}

func (o *fakeObject) paddr(offset uint64) hostarch.PhysAddr {
	return fakePhysBase + hostarch.PhysAddr(offset)
}

func (o *fakeObject) GetPageLocked(offset uint64, flags FaultFlags) (PageLookup, error) {
	o.calls++
	if o.getPage != nil {
		if l, err, handled := o.getPage(offset, flags); handled {
			return l, err
		}
	}
	if offset >= o.size {
		return PageLookup{}, ErrOutOfRange
	}
	if !o.present[offset] {
		if flags&FaultNoAllocate != 0 {
			return PageLookup{}, ErrNotPresent
		}
		o.present[offset] = true
	}
	return PageLookup{Paddr: o.paddr(offset), Writable: true}, nil
}

// invalidateLocked notifies every registered mapping.
func (o *fakeObject) invalidateLocked(offset, length uint64) error {
	var errs []error
	for _, m := range o.mappings {
		errs = append(errs, m.UnmapObjectRangeLocked(offset, length))
	}
	return errors.Join(errs...)
}

func (o *fakeObject) DecommitRange(offset, length uint64) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.invalidateLocked(offset, length); err != nil {
		return 0, err
	}
	var n uint64
	for off := offset; off < offset+length; off += page {
		if o.present[off] {
			delete(o.present, off)
			n++
		}
	}
	return n, nil
}

func (o *fakeObject) AllocatedPagesInRange(offset, length uint64) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n uint64
	for off := range o.present {
		if off >= offset && off < offset+length {
			n++
		}
	}
	return n
}

// hwCall is a recorded mutation of the hardware address space.
type hwCall struct {
	op    string
	va    hostarch.Addr
	count int
	flags hostarch.MMUFlags
}

func (c hwCall) String() string {
	return fmt.Sprintf("%s(%v, %d, %v)", c.op, c.va, c.count, c.flags)
}

// recordingHW records every mutating call before passing it on to software
// page tables.
type recordingHW struct {
	*pagetables.PageTables

	mu    sync.Mutex
	calls []hwCall
}

func newRecordingHW(opts pagetables.Opts) *recordingHW {
	return &recordingHW{PageTables: pagetables.New(opts)}
}

func (h *recordingHW) record(op string, va hostarch.Addr, count int, flags hostarch.MMUFlags) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hwCall{op, va, count, flags})
}

func (h *recordingHW) Map(va hostarch.Addr, pages []hostarch.PhysAddr, flags hostarch.MMUFlags) (int, error) {
	h.record("map", va, len(pages), flags)
	return h.PageTables.Map(va, pages, flags)
}

func (h *recordingHW) MapContiguous(va hostarch.Addr, pa hostarch.PhysAddr, count int, flags hostarch.MMUFlags) (int, error) {
	h.record("map_contiguous", va, count, flags)
	return h.PageTables.MapContiguous(va, pa, count, flags)
}

func (h *recordingHW) Unmap(va hostarch.Addr, count int) (int, error) {
	h.record("unmap", va, count, 0)
	return h.PageTables.Unmap(va, count)
}

func (h *recordingHW) Protect(va hostarch.Addr, count int, flags hostarch.MMUFlags) error {
	h.record("protect", va, count, flags)
	return h.PageTables.Protect(va, count, flags)
}

// take returns and clears the recorded calls.
func (h *recordingHW) take() []hwCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	calls := h.calls
	h.calls = nil
	return calls
}

func newTestAspace(t *testing.T, opts Options) (*AddressSpace, *recordingHW) {
	t.Helper()
	hw := newRecordingHW(pagetables.Opts{})
	as, err := NewAddressSpace(hw, opts)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	return as, hw
}

// mustMap creates and activates a mapping under a.
func mustMap(t *testing.T, a *Area, offset, size uint64, flags hostarch.MMUFlags, obj BackingObject, objOffset uint64) *Mapping {
	t.Helper()
	m, err := a.CreateMapping(offset, size, flags, obj, objOffset, "m")
	if err != nil {
		t.Fatalf("CreateMapping(%#x, %#x) failed: %v", offset, size, err)
	}
	if err := m.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return m
}

// regionSummary is the comparable state of a mapping.
type regionSummary struct {
	Range  hostarch.AddrRange
	Flags  hostarch.MMUFlags
	Offset uint64
}

func summarize(a *Area) []regionSummary {
	var s []regionSummary
	for _, r := range a.Children() {
		if m, ok := r.(*Mapping); ok {
			s = append(s, regionSummary{m.Range(), m.Flags(), m.ObjectOffset()})
		}
	}
	return s
}

// translation returns the hardware translation of va.
type translation struct {
	PA    hostarch.PhysAddr
	Flags hostarch.MMUFlags
	OK    bool
}

func lookup(hw HardwareAddressSpace, va hostarch.Addr) translation {
	pa, flags, ok := hw.Query(va)
	return translation{pa, flags, ok}
}

// expectInternal runs fn and checks that it reports a broken invariant: a
// panic when invariant checks are compiled in and ErrInternal otherwise.
func expectInternal(t *testing.T, fn func() error) {
	t.Helper()
	var err error
	panicked := func() (p bool) {
		defer func() {
			if recover() != nil {
				p = true
			}
		}()
		err = fn()
		return false
	}()
	if checkInvariants {
		if !panicked {
			t.Errorf("no panic with invariant checks enabled; err = %v", err)
		}
		return
	}
	if !errors.Is(err, ErrInternal) {
		t.Errorf("got %v, want ErrInternal", err)
	}
}
