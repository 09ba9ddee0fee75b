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

package memobj

import (
	"errors"
	"testing"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/pgalloc"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/vm"
)

const (
	ro = hostarch.MMUFlagsRead
	rw = hostarch.MMUFlagsReadWrite
)

type env struct {
	alloc *pgalloc.Allocator
	pt    *pagetables.PageTables
	as    *vm.AddressSpace
}

func newEnv(t *testing.T, maxFrames uint64) *env {
	t.Helper()
	return newEnvHook(t, maxFrames, nil)
}

// newEnvHook is newEnv with a page table hook for injecting failures.
func newEnvHook(t *testing.T, maxFrames uint64, hook func(pagetables.Op, hostarch.Addr, int) error) *env {
	t.Helper()
	alloc, err := pgalloc.New(pgalloc.Options{MaxFrames: maxFrames})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	pt := pagetables.New(pagetables.Opts{Hook: hook})
	as, err := vm.NewAddressSpace(pt, vm.Options{Name: t.Name()})
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	return &env{alloc: alloc, pt: pt, as: as}
}

func (e *env) newObject(t *testing.T, size uint64) *Object {
	t.Helper()
	o, err := New(e.alloc, size, t.Name())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func (e *env) mapObject(t *testing.T, o *Object, va hostarch.Addr, size uint64, flags hostarch.MMUFlags) *vm.Mapping {
	t.Helper()
	m, err := e.as.RootArea().CreateMapping(uint64(va), size, flags, o, 0, o.Name())
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if err := m.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return m
}

func (e *env) query(va hostarch.Addr) (hostarch.PhysAddr, hostarch.MMUFlags, bool) {
	return e.pt.Query(va)
}

// expectBacked fails t if va translates to anything other than the frame o
// holds at off, or the zero page where o holds nothing.
func (e *env) expectBacked(t *testing.T, o *Object, va hostarch.Addr, off uint64) {
	t.Helper()
	pa, _, ok := e.query(va)
	if !ok {
		return
	}
	o.Lock()
	want, err := o.GetPageLocked(off, vm.FaultSoftware|vm.FaultNoAllocate)
	o.Unlock()
	switch {
	case errors.Is(err, vm.ErrNotPresent):
		if pa != e.alloc.ZeroPage() {
			t.Errorf("%v translates to %v, object has no page at %#x", va, pa, off)
		}
	case err != nil:
		t.Fatalf("GetPageLocked(%#x) failed: %v", off, err)
	case pa != want.Paddr:
		t.Errorf("%v translates to %v, object holds %v at %#x", va, pa, want.Paddr, off)
	}
}

// expectByte faults va in for reading and checks the byte behind it.
func (e *env) expectByte(t *testing.T, va hostarch.Addr, want byte) {
	t.Helper()
	if err := e.as.PageFault(va, 0); err != nil {
		t.Fatalf("read fault at %v failed: %v", va, err)
	}
	pa, _, ok := e.query(va)
	if !ok {
		t.Fatalf("%v not mapped after a read fault", va)
	}
	if got := e.alloc.ReadAt(pa, 0); got != want {
		t.Errorf("byte at %v = %#x, want %#x", va, got, want)
	}
}

func TestNew(t *testing.T) {
	e := newEnv(t, 0)
	for _, size := range []uint64{0, 0x1234} {
		if _, err := New(e.alloc, size, "bad"); !errors.Is(err, vm.ErrInvalidArgument) {
			t.Errorf("New(%#x) = %v, want ErrInvalidArgument", size, err)
		}
	}
	o := e.newObject(t, 0x4000)
	if o.Size() != 0x4000 || o.ReadRefs() != 1 {
		t.Errorf("new object has size %#x and %d refs", o.Size(), o.ReadRefs())
	}
	o.Lock()
	_, err := o.GetPageLocked(0x4000, 0)
	o.Unlock()
	if !errors.Is(err, vm.ErrOutOfRange) {
		t.Errorf("GetPageLocked past the end = %v, want ErrOutOfRange", err)
	}
	o.DecRef()
}

// Reads of untouched memory map the zero page read-only and allocate
// nothing.
func TestReadMapsZeroPage(t *testing.T) {
	e := newEnv(t, 0)
	o := e.newObject(t, 0x4000)
	e.mapObject(t, o, 0x100000, 0x4000, rw)

	if err := e.as.PageFault(0x100000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	pa, flags, ok := e.query(0x100000)
	if !ok || pa != e.alloc.ZeroPage() || flags != ro {
		t.Errorf("translation = %v %v %t, want zero page read-only", pa, flags, ok)
	}
	if got := e.alloc.Allocated(); got != 0 {
		t.Errorf("read allocated %d frames", got)
	}
	if b, err := o.Peek(0x10); err != nil || b != 0 {
		t.Errorf("Peek = %d, %v", b, err)
	}
}

// The first write replaces the zero page everywhere it is mapped.
func TestWriteAfterRead(t *testing.T) {
	e := newEnv(t, 0)
	o := e.newObject(t, 0x1000)
	e.mapObject(t, o, 0x100000, 0x1000, rw)
	e.mapObject(t, o, 0x200000, 0x1000, rw)
	for _, va := range []hostarch.Addr{0x100000, 0x200000} {
		if err := e.as.PageFault(va, 0); err != nil {
			t.Fatalf("read fault at %v failed: %v", va, err)
		}
	}

	if err := e.as.PageFault(0x100000, vm.FaultWrite); err != nil {
		t.Fatalf("write fault failed: %v", err)
	}
	pa, flags, ok := e.query(0x100000)
	if !ok || pa == e.alloc.ZeroPage() || flags != rw {
		t.Fatalf("translation = %v %v %t, want a private writable page", pa, flags, ok)
	}
	if _, _, ok := e.query(0x200000); ok {
		t.Errorf("other mapping still maps the zero page")
	}
	if err := e.as.PageFault(0x200000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	if got, _, _ := e.query(0x200000); got != pa {
		t.Errorf("other mapping sees %v, want %v", got, pa)
	}
	if got := e.alloc.Allocated(); got != 1 {
		t.Errorf("Allocated() = %d, want 1", got)
	}
}

func TestPokePeek(t *testing.T) {
	e := newEnv(t, 0)
	o := e.newObject(t, 0x2000)
	if err := o.Poke(0x1001, 7); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	if b, err := o.Peek(0x1001); err != nil || b != 7 {
		t.Errorf("Peek = %d, %v, want 7", b, err)
	}
	if got := o.AllocatedPagesInRange(0, o.Size()); got != 1 {
		t.Errorf("AllocatedPagesInRange = %d, want 1", got)
	}
	if err := o.Poke(0x2000, 1); !errors.Is(err, vm.ErrOutOfRange) {
		t.Errorf("Poke past the end = %v, want ErrOutOfRange", err)
	}
	if _, err := o.Peek(0x2000); !errors.Is(err, vm.ErrOutOfRange) {
		t.Errorf("Peek past the end = %v, want ErrOutOfRange", err)
	}
}

func TestClone(t *testing.T) {
	e := newEnv(t, 0)
	o := e.newObject(t, 0x2000)
	m := e.mapObject(t, o, 0x100000, 0x2000, rw)
	if err := m.MapRange(0, 0x1000, true); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	if err := o.Poke(0, 1); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	orig, _, _ := e.query(0x100000)

	c, err := o.Clone("clone")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if _, _, ok := e.query(0x100000); ok {
		t.Errorf("writable translation survived the clone")
	}
	if got := e.alloc.Refs(orig); got != 2 {
		t.Errorf("shared frame refs = %d, want 2", got)
	}
	if b, _ := c.Peek(0); b != 1 {
		t.Errorf("clone sees %d, want 1", b)
	}

	// Reads share the frame read-only.
	if err := e.as.PageFault(0x100000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	if pa, flags, _ := e.query(0x100000); pa != orig || flags != ro {
		t.Errorf("translation after read = %v %v", pa, flags)
	}

	// A write through the mapping copies.
	if err := e.as.PageFault(0x100000, vm.FaultWrite); err != nil {
		t.Fatalf("write fault failed: %v", err)
	}
	copied, flags, _ := e.query(0x100000)
	if copied == orig || flags != rw {
		t.Errorf("translation after write = %v %v, want a copy", copied, flags)
	}
	if err := o.Poke(0, 2); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	if b, _ := c.Peek(0); b != 1 {
		t.Errorf("clone sees %d after the source changed, want 1", b)
	}
	if got := e.alloc.Allocated(); got != 2 {
		t.Errorf("Allocated() = %d, want 2", got)
	}

	// The clone is now the only owner and writes in place.
	if err := c.Poke(0, 3); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	if got := e.alloc.Allocated(); got != 2 {
		t.Errorf("Allocated() = %d after writing a sole-owner page, want 2", got)
	}
	if got := e.alloc.ReadAt(orig, 0); got != 3 {
		t.Errorf("clone wrote %d to its frame, want 3", got)
	}

	c.DecRef()
	if got := e.alloc.Allocated(); got != 1 {
		t.Errorf("Allocated() = %d after releasing the clone, want 1", got)
	}
}

func TestDecommit(t *testing.T) {
	e := newEnv(t, 0)
	o := e.newObject(t, 0x4000)
	m := e.mapObject(t, o, 0x100000, 0x4000, rw)
	if err := m.MapRange(0, 0x4000, true); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	if err := o.Poke(0x1000, 9); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}

	n, err := m.DecommitRange(0x1000, 0x2000)
	if err != nil {
		t.Fatalf("DecommitRange failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DecommitRange released %d pages, want 2", n)
	}
	if got := e.alloc.Allocated(); got != 2 {
		t.Errorf("Allocated() = %d, want 2", got)
	}
	if _, _, ok := e.query(0x101000); ok {
		t.Errorf("translation of a decommitted page survived")
	}
	if b, _ := o.Peek(0x1000); b != 0 {
		t.Errorf("decommitted page reads %d, want 0", b)
	}

	// Without commit, only present pages are mapped.
	if err := m.MapRange(0, 0x4000, false); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	for _, test := range []struct {
		va     hostarch.Addr
		mapped bool
	}{
		{0x100000, true},
		{0x101000, false},
		{0x102000, false},
		{0x103000, true},
	} {
		if _, _, ok := e.query(test.va); ok != test.mapped {
			t.Errorf("%v mapped = %t, want %t", test.va, ok, test.mapped)
		}
	}
}

func TestExhaustion(t *testing.T) {
	// The zero page and two more.
	e := newEnv(t, 3)
	o := e.newObject(t, 0x4000)
	m := e.mapObject(t, o, 0x100000, 0x4000, rw)
	err := m.MapRange(0, 0x4000, true)
	if !errors.Is(err, vm.ErrNoMemory) || !errors.Is(err, pgalloc.ErrExhausted) {
		t.Fatalf("MapRange = %v, want ErrNoMemory", err)
	}
	if got := o.AllocatedPagesInRange(0, o.Size()); got != 2 {
		t.Errorf("committed %d pages, want 2", got)
	}
	// Reads still work.
	if err := e.as.PageFault(0x103000, 0); err != nil {
		t.Errorf("read fault failed: %v", err)
	}
}

// A commit that runs out of memory part way must not leave the zero page
// mapped over a page it already allocated.
func TestFailedCommitDropsStaleTranslation(t *testing.T) {
	// The zero page and one more.
	e := newEnv(t, 2)
	o := e.newObject(t, 0x2000)
	m := e.mapObject(t, o, 0x100000, 0x2000, rw)
	if err := e.as.PageFault(0x100000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	if pa, _, _ := e.query(0x100000); pa != e.alloc.ZeroPage() {
		t.Fatalf("read fault mapped %v, want the zero page", pa)
	}

	if err := m.MapRange(0, 0x2000, true); !errors.Is(err, vm.ErrNoMemory) {
		t.Fatalf("MapRange = %v, want ErrNoMemory", err)
	}
	if got := o.AllocatedPagesInRange(0, o.Size()); got != 1 {
		t.Fatalf("committed %d pages, want 1", got)
	}
	e.expectBacked(t, o, 0x100000, 0)
	e.expectBacked(t, o, 0x101000, 0x1000)

	if err := o.Poke(0, 0x5a); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	e.expectByte(t, 0x100000, 0x5a)
}

// A write fault whose hardware update fails after the object allocated a
// page must not leave the zero page mapped in its place.
func TestFailedFaultDropsStaleTranslation(t *testing.T) {
	injected := errors.New("injected")
	failUnmap := false
	e := newEnvHook(t, 0, func(op pagetables.Op, va hostarch.Addr, count int) error {
		if op == pagetables.OpUnmap && failUnmap {
			failUnmap = false
			return injected
		}
		return nil
	})
	o := e.newObject(t, 0x1000)
	e.mapObject(t, o, 0x100000, 0x1000, rw)
	if err := e.as.PageFault(0x100000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}

	failUnmap = true
	err := e.as.PageFault(0x100000, vm.FaultWrite)
	if !errors.Is(err, vm.ErrNoMemory) || !errors.Is(err, injected) {
		t.Fatalf("write fault = %v, want ErrNoMemory wrapping the hardware error", err)
	}
	if got := o.AllocatedPagesInRange(0, o.Size()); got != 1 {
		t.Fatalf("allocated %d pages, want 1", got)
	}
	if _, _, ok := e.query(0x100000); ok {
		t.Errorf("failed write fault left a translation at %v", hostarch.Addr(0x100000))
	}

	if err := o.Poke(0, 0x5a); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	e.expectByte(t, 0x100000, 0x5a)
	if err := e.as.PageFault(0x100000, vm.FaultWrite); err != nil {
		t.Errorf("write fault after recovery failed: %v", err)
	}
	e.expectBacked(t, o, 0x100000, 0)
}

// A failed copy-on-write break must not leave the shared frame mapped.
func TestFailedCopyDropsStaleTranslation(t *testing.T) {
	injected := errors.New("injected")
	failUnmap := false
	e := newEnvHook(t, 0, func(op pagetables.Op, va hostarch.Addr, count int) error {
		if op == pagetables.OpUnmap && failUnmap {
			failUnmap = false
			return injected
		}
		return nil
	})
	o := e.newObject(t, 0x1000)
	if err := o.Poke(0, 0x11); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	c, err := o.Clone("clone")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	defer c.DecRef()
	e.mapObject(t, o, 0x100000, 0x1000, rw)
	if err := e.as.PageFault(0x100000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	shared, _, _ := e.query(0x100000)

	failUnmap = true
	if err := e.as.PageFault(0x100000, vm.FaultWrite); !errors.Is(err, injected) {
		t.Fatalf("write fault = %v, want the injected error", err)
	}
	if pa, _, ok := e.query(0x100000); ok {
		t.Errorf("failed copy left %v mapped, shared frame is %v", pa, shared)
	}
	if err := o.Poke(0, 0x22); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	e.expectByte(t, 0x100000, 0x22)
	e.expectBacked(t, o, 0x100000, 0)
	if got, err := c.Peek(0); err != nil || got != 0x11 {
		t.Errorf("clone Peek = %#x, %v; want 0x11", got, err)
	}
}

// Destroying the last mapping and dropping the creator's reference releases
// every frame and leaves nothing for the leak checker.
func TestRelease(t *testing.T) {
	old := refs.GetLeakMode()
	refs.SetLeakMode(refs.LeaksLogWarning)
	t.Cleanup(func() { refs.SetLeakMode(old) })
	live := refs.LiveObjects()

	e := newEnv(t, 0)
	o := e.newObject(t, 0x2000)
	m := e.mapObject(t, o, 0x100000, 0x2000, rw)
	if err := m.MapRange(0, 0x2000, true); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("refs with one mapping = %d, want 2", got)
	}
	if got := refs.LiveObjects() - live; got != 1 {
		t.Errorf("live objects = %d, want 1", got)
	}

	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if o.HasMapping(m) || o.Mappings() != 0 {
		t.Errorf("object still lists the mapping")
	}
	if got := e.alloc.Allocated(); got != 2 {
		t.Errorf("frames released while the object is referenced")
	}
	o.DecRef()
	if got := e.alloc.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after release, want 0", got)
	}
	if got := refs.LiveObjects() - live; got != 0 {
		t.Errorf("live objects = %d after release, want 0", got)
	}
}
