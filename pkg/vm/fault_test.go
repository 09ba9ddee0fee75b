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
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pagetables"
)

// Scenario: a read fault maps read-only, a later write upgrades in place.
func TestFaultReadThenWrite(t *testing.T) {
	as, hw := newTestAspace(t, Options{})
	obj := newFakeObject(0x4000)
	mustMap(t, as.RootArea(), 0x10000, 0x4000, rw, obj, 0)
	hw.take()

	mapped := pageFaults.Value("mapped")
	if err := as.PageFault(0x11234, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	if diff := cmp.Diff([]hwCall{{"map_contiguous", 0x11000, 1, ro}}, hw.take(), cmp.AllowUnexported(hwCall{})); diff != "" {
		t.Errorf("read fault calls mismatch (-want +got):\n%s", diff)
	}
	if got := pageFaults.Value("mapped") - mapped; got != 1 {
		t.Errorf("mapped faults = %d, want 1", got)
	}

	upgraded := pageFaults.Value("upgraded")
	if err := as.PageFault(0x11234, FaultWrite); err != nil {
		t.Fatalf("write fault failed: %v", err)
	}
	if diff := cmp.Diff([]hwCall{{"protect", 0x11000, 1, rw}}, hw.take(), cmp.AllowUnexported(hwCall{})); diff != "" {
		t.Errorf("write fault calls mismatch (-want +got):\n%s", diff)
	}
	if got := pageFaults.Value("upgraded") - upgraded; got != 1 {
		t.Errorf("upgraded faults = %d, want 1", got)
	}
	if got := lookup(hw, 0x11000); got != (translation{obj.paddr(0x1000), rw, true}) {
		t.Errorf("translation = %+v", got)
	}
}

func TestFaultIdempotent(t *testing.T) {
	as, hw := newTestAspace(t, Options{})
	obj := newFakeObject(0x4000)
	mustMap(t, as.RootArea(), 0x10000, 0x4000, rw, obj, 0)
	if err := as.PageFault(0x10000, FaultWrite); err != nil {
		t.Fatalf("write fault failed: %v", err)
	}
	hw.take()

	spurious := pageFaults.Value("spurious")
	for _, ff := range []FaultFlags{FaultWrite, 0, FaultWrite} {
		if err := as.PageFault(0x10000, ff); err != nil {
			t.Fatalf("refault (%v) failed: %v", ff, err)
		}
	}
	if calls := hw.take(); len(calls) != 0 {
		t.Errorf("refaults issued %v", calls)
	}
	if got := pageFaults.Value("spurious") - spurious; got != 3 {
		t.Errorf("spurious faults = %d, want 3", got)
	}
	if got := lookup(hw, 0x10000); got.Flags != rw {
		t.Errorf("translation flags = %v, want %v", got.Flags, rw)
	}
}

func TestFaultPermissions(t *testing.T) {
	for _, test := range []struct {
		name  string
		flags hostarch.MMUFlags
		fault FaultFlags
		want  error
		// installed is the expected translation flags on success.
		installed hostarch.MMUFlags
	}{
		{"read", ro, 0, nil, ro},
		{"write", rw, FaultWrite, nil, rw},
		{"write to read-only", ro, FaultWrite, ErrAccessDenied, 0},
		{"read from no access", 0, 0, ErrAccessDenied, 0},
		{"user on supervisor", rw, FaultUser, ErrAccessDenied, 0},
		{"user read", rwu, FaultUser, nil, ru},
		{"user write", rwu, FaultUser | FaultWrite, nil, rwu},
		{"exec without execute", rw, FaultInstruction, ErrAccessDenied, 0},
		{"exec", hostarch.MMUFlagsReadExec, FaultInstruction, nil, hostarch.MMUFlagsReadExec},
		{"read from execute only", hostarch.MMUFlagPermExecute, 0, ErrAccessDenied, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			as, hw := newTestAspace(t, Options{})
			obj := newFakeObject(0x1000)
			mustMap(t, as.RootArea(), 0x1000, 0x1000, test.flags, obj, 0)

			err := as.PageFault(0x1000, test.fault)
			if test.want != nil {
				if !errors.Is(err, test.want) {
					t.Fatalf("PageFault = %v, want %v", err, test.want)
				}
				var fe *FaultError
				if !errors.As(err, &fe) || fe.Addr != 0x1000 || fe.Flags != test.fault {
					t.Errorf("PageFault error %v does not describe the fault", err)
				}
				if got := lookup(hw, 0x1000); got.OK {
					t.Errorf("denied fault installed %+v", got)
				}
				if obj.calls != 0 {
					t.Errorf("denied fault called into the object")
				}
				return
			}
			if err != nil {
				t.Fatalf("PageFault failed: %v", err)
			}
			if got := lookup(hw, 0x1000); got != (translation{obj.paddr(0), test.installed, true}) {
				t.Errorf("translation = %+v, want flags %v", got, test.installed)
			}
		})
	}
}

func TestFaultOutsideMapping(t *testing.T) {
	as, _ := newTestAspace(t, Options{})
	m := mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, newFakeObject(0x1000), 0)

	before := pageFaults.Value("out_of_range")
	if err := as.PageFault(0x5000, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("fault on hole = %v, want ErrOutOfRange", err)
	}
	if err := m.PageFault(0x2000, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Mapping.PageFault outside = %v, want ErrOutOfRange", err)
	}
	if got := pageFaults.Value("out_of_range") - before; got != 2 {
		t.Errorf("out_of_range faults = %d, want 2", got)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := m.PageFault(0x1000, 0); !errors.Is(err, ErrBadState) {
		t.Errorf("fault on destroyed mapping = %v, want ErrBadState", err)
	}
}

// A fault that finds a translation to a different page replaces it.
func TestFaultReplacesStalePage(t *testing.T) {
	as, hw := newTestAspace(t, Options{})
	obj := newFakeObject(0x1000)
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, obj, 0)
	if err := as.PageFault(0x1000, 0); err != nil {
		t.Fatalf("PageFault failed: %v", err)
	}

	moved := fakePhysBase + 0x100000
	obj.getPage = func(uint64, FaultFlags) (PageLookup, error, bool) {
		return PageLookup{Paddr: moved, Writable: true}, nil, true
	}
	hw.take()
	replaced := pageFaults.Value("replaced")
	if err := as.PageFault(0x1000, FaultWrite); err != nil {
		t.Fatalf("PageFault failed: %v", err)
	}
	if diff := cmp.Diff([]hwCall{
		{"unmap", 0x1000, 1, 0},
		{"map_contiguous", 0x1000, 1, rw},
	}, hw.take(), cmp.AllowUnexported(hwCall{})); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got := lookup(hw, 0x1000); got != (translation{moved, rw, true}) {
		t.Errorf("translation = %+v", got)
	}
	if got := pageFaults.Value("replaced") - replaced; got != 1 {
		t.Errorf("replaced faults = %d, want 1", got)
	}
}

// The object may invalidate every mapping of a page while the fault that
// asked for it is in progress. The faulting mapping ignores its own
// invalidation and installs the new page; other mappings lose theirs.
func TestFaultReentrantInvalidation(t *testing.T) {
	as, hw := newTestAspace(t, Options{})
	obj := newFakeObject(0x1000)
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, obj, 0)
	mustMap(t, as.RootArea(), 0x8000, 0x1000, rw, obj, 0)
	for _, va := range []hostarch.Addr{0x1000, 0x8000} {
		if err := as.PageFault(va, 0); err != nil {
			t.Fatalf("PageFault(%v) failed: %v", va, err)
		}
	}

	private := fakePhysBase + 0x200000
	obj.getPage = func(offset uint64, flags FaultFlags) (PageLookup, error, bool) {
		if !flags.Write() {
			return PageLookup{}, nil, false
		}
		// Break the sharing: every existing translation goes away.
		if err := obj.invalidateLocked(offset, page); err != nil {
			return PageLookup{}, err, true
		}
		return PageLookup{Paddr: private, Writable: true}, nil, true
	}

	replaced := pageFaults.Value("replaced")
	if err := as.PageFault(0x1000, FaultWrite); err != nil {
		t.Fatalf("write fault failed: %v", err)
	}
	if got := lookup(hw, 0x1000); got != (translation{private, rw, true}) {
		t.Errorf("faulting mapping translation = %+v", got)
	}
	if got := lookup(hw, 0x8000); got.OK {
		t.Errorf("other mapping kept %+v", got)
	}
	if got := pageFaults.Value("replaced") - replaced; got != 1 {
		t.Errorf("replaced faults = %d, want 1", got)
	}
}

func TestFaultZeroPage(t *testing.T) {
	SetZeroPage(fakePhysBase)
	t.Cleanup(func() { SetZeroPage(0) })

	as, hw := newTestAspace(t, Options{})
	obj := newFakeObject(0x1000)
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, obj, 0)

	// Reads may map the zero page.
	obj.getPage = func(uint64, FaultFlags) (PageLookup, error, bool) {
		return PageLookup{Paddr: fakePhysBase}, nil, true
	}
	if err := as.PageFault(0x1000, 0); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	if got := lookup(hw, 0x1000); got != (translation{fakePhysBase, ro, true}) {
		t.Errorf("translation = %+v", got)
	}

	// An object claiming the zero page is writable is broken.
	obj.getPage = func(uint64, FaultFlags) (PageLookup, error, bool) {
		return PageLookup{Paddr: fakePhysBase, Writable: true}, nil, true
	}
	expectInternal(t, func() error { return as.PageFault(0x1000, FaultWrite) })
	if got := lookup(hw, 0x1000); got.Flags.Write() {
		t.Errorf("zero page mapped writable: %+v", got)
	}
}

func TestFaultReadOnlyPageForWrite(t *testing.T) {
	as, _ := newTestAspace(t, Options{})
	obj := newFakeObject(0x1000)
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, obj, 0)
	obj.getPage = func(offset uint64, _ FaultFlags) (PageLookup, error, bool) {
		return PageLookup{Paddr: obj.paddr(offset)}, nil, true
	}
	expectInternal(t, func() error { return as.PageFault(0x1000, FaultWrite) })
}

func TestFaultObjectError(t *testing.T) {
	as, hw := newTestAspace(t, Options{})
	obj := newFakeObject(0x1000)
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, obj, 0)
	obj.getPage = func(uint64, FaultFlags) (PageLookup, error, bool) {
		return PageLookup{}, ErrNoMemory, true
	}
	before := pageFaults.Value("no_memory")
	if err := as.PageFault(0x1000, FaultWrite); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("PageFault = %v, want ErrNoMemory", err)
	}
	if got := pageFaults.Value("no_memory") - before; got != 1 {
		t.Errorf("no_memory faults = %d, want 1", got)
	}
	if got := lookup(hw, 0x1000); got.OK {
		t.Errorf("failed fault installed %+v", got)
	}
	// The mapping is usable again once the object recovers.
	obj.getPage = nil
	if err := as.PageFault(0x1000, FaultWrite); err != nil {
		t.Errorf("PageFault after recovery failed: %v", err)
	}
}

func TestFaultHardwareError(t *testing.T) {
	injected := errors.New("injected")
	hw := pagetables.New(pagetables.Opts{Hook: func(op pagetables.Op, va hostarch.Addr, count int) error {
		if op == pagetables.OpMap {
			return injected
		}
		return nil
	}})
	as, err := NewAddressSpace(hw, Options{})
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, newFakeObject(0x1000), 0)
	if err := as.PageFault(0x1000, 0); !errors.Is(err, ErrNoMemory) || !errors.Is(err, injected) {
		t.Errorf("PageFault = %v, want ErrNoMemory wrapping the hardware error", err)
	}
}

func TestFaultAfterDestroy(t *testing.T) {
	as, _ := newTestAspace(t, Options{})
	mustMap(t, as.RootArea(), 0x1000, 0x1000, rw, newFakeObject(0x1000), 0)
	if err := as.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := as.PageFault(0x1000, 0); !errors.Is(err, ErrBadState) {
		t.Errorf("PageFault = %v, want ErrBadState", err)
	}
}

func TestFaultFlagsString(t *testing.T) {
	for _, test := range []struct {
		flags FaultFlags
		want  string
	}{
		{0, "read"},
		{FaultWrite, "write"},
		{FaultWrite | FaultUser, "write|user"},
		{FaultInstruction | FaultUser, "user|instruction"},
		{FaultSoftware | FaultNoAllocate, "read|software|noalloc"},
		{FaultWrite | 1<<10, "write|0x400"},
	} {
		if got := test.flags.String(); got != test.want {
			t.Errorf("FaultFlags(%#x).String() = %q, want %q", uint32(test.flags), got, test.want)
		}
	}
}

func TestParseFaultFlags(t *testing.T) {
	for _, test := range []struct {
		in   string
		want FaultFlags
	}{
		{"", 0},
		{"read", 0},
		{"write", FaultWrite},
		{"read|user", FaultUser},
		{"write, user", FaultWrite | FaultUser},
		{"exec", FaultInstruction},
		{"software|noalloc", FaultSoftware | FaultNoAllocate},
	} {
		got, err := ParseFaultFlags(test.in)
		if err != nil {
			t.Errorf("ParseFaultFlags(%q) failed: %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseFaultFlags(%q) = %v, want %v", test.in, got, test.want)
		}
	}
	if _, err := ParseFaultFlags("write|bogus"); err == nil {
		t.Errorf("ParseFaultFlags accepted an unknown flag")
	}
}
