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

// Package pgalloc contains the physical frame allocator backing memory
// objects.
//
// Frames are reference counted. The first frame is reserved as the shared
// zero page: it is allocated at construction, is never freed, and must never
// be mapped writable.
package pgalloc

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// chunkFrames is the number of frames by which the allocator grows its
// tracking bitmap.
const chunkFrames = hostarch.HugePageSize / hostarch.PageSize

// DefaultBase is the physical address of the first frame when Options.Base
// is not set.
const DefaultBase hostarch.PhysAddr = 0x100000

// ErrExhausted is returned when the allocator has no free frame left.
var ErrExhausted = errors.New("out of physical frames")

// Options configures an Allocator.
type Options struct {
	// Base is the physical address of frame 0. It must be page-aligned.
	Base hostarch.PhysAddr

	// MaxFrames limits the number of frames, including the zero page. Zero
	// means unlimited.
	MaxFrames uint64
}

// Allocator hands out page-sized physical frames.
type Allocator struct {
	base      hostarch.PhysAddr
	maxFrames uint64

	// mu protects the fields below.
	mu sync.Mutex

	// used tracks allocated frames by index.
	used bitmap.Bitmap

	// refs holds the reference count of every allocated frame.
	refs map[uint64]int32

	// data holds frame contents. Entries are created on first access.
	data map[uint64][]byte

	// hint is where the next search for a free frame starts.
	hint uint64
}

// New returns a new Allocator with the zero page reserved.
func New(opts Options) (*Allocator, error) {
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if !opts.Base.IsPageAligned() {
		return nil, fmt.Errorf("base %v is not page-aligned", opts.Base)
	}
	if opts.MaxFrames == 1 {
		return nil, fmt.Errorf("MaxFrames must leave room beyond the zero page")
	}
	a := &Allocator{
		base:      opts.Base,
		maxFrames: opts.MaxFrames,
		used:      bitmap.New(chunkFrames),
		refs:      make(map[uint64]int32),
		data:      make(map[uint64][]byte),
		hint:      1,
	}
	// Frame 0 is the zero page.
	a.used.Add(0)
	a.refs[0] = 1
	return a, nil
}

// ZeroPage returns the address of the shared zero frame.
func (a *Allocator) ZeroPage() hostarch.PhysAddr {
	return a.base
}

func (a *Allocator) frame(pa hostarch.PhysAddr) uint64 {
	if pa < a.base || !pa.IsPageAligned() {
		panic(fmt.Sprintf("address %v is not a frame of this allocator", pa))
	}
	return uint64(pa-a.base) >> hostarch.PageShift
}

func (a *Allocator) addr(frame uint64) hostarch.PhysAddr {
	return a.base + hostarch.PhysAddr(frame<<hostarch.PageShift)
}

// Allocate returns a new zero-filled frame with a single reference.
func (a *Allocator) Allocate() (hostarch.PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := a.findFreeLocked()
	if err != nil {
		return 0, err
	}
	a.used.Add(f)
	a.refs[f] = 1
	a.hint = f + 1
	return a.addr(f), nil
}

// findFreeLocked returns the index of a free frame, growing the bitmap when
// it is full.
//
// Preconditions: a.mu is locked.
func (a *Allocator) findFreeLocked() (uint64, error) {
	for _, start := range []uint64{a.hint, 1} {
		if start >= a.used.Size() {
			continue
		}
		if f, err := a.used.FirstZero(start); err == nil && a.withinLimit(f) {
			return f, nil
		}
	}
	f := a.used.Size()
	if !a.withinLimit(f) {
		return 0, ErrExhausted
	}
	a.used.Grow(chunkFrames)
	log.Debugf("pgalloc: grew frame bitmap to %d frames", a.used.Size())
	return f, nil
}

func (a *Allocator) withinLimit(f uint64) bool {
	return a.maxFrames == 0 || f < a.maxFrames
}

// IncRef adds a reference to an allocated frame.
func (a *Allocator) IncRef(pa hostarch.PhysAddr) {
	f := a.frame(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs[f] <= 0 {
		panic(fmt.Sprintf("IncRef on free frame %v", pa))
	}
	a.refs[f]++
}

// DecRef drops a reference to a frame, freeing it when the last reference is
// gone. The zero page is never freed.
func (a *Allocator) DecRef(pa hostarch.PhysAddr) {
	f := a.frame(pa)
	if f == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.refs[f]
	if !ok {
		panic(fmt.Sprintf("DecRef on free frame %v", pa))
	}
	if r > 1 {
		a.refs[f] = r - 1
		return
	}
	delete(a.refs, f)
	delete(a.data, f)
	a.used.Remove(f)
	if f < a.hint {
		a.hint = f
	}
}

// Refs returns the reference count of the frame at pa, or zero if it is
// free.
func (a *Allocator) Refs(pa hostarch.PhysAddr) int32 {
	f := a.frame(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[f]
}

// Allocated returns the number of frames in use, not counting the zero page.
func (a *Allocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Count() - 1
}

// ReadAt returns the byte at offset off within the frame at pa.
func (a *Allocator) ReadAt(pa hostarch.PhysAddr, off uint64) byte {
	f := a.frame(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.data[f]; ok {
		return d[off]
	}
	return 0
}

// WriteAt stores b at offset off within the frame at pa. Writing to the zero
// page panics.
func (a *Allocator) WriteAt(pa hostarch.PhysAddr, off uint64, b byte) {
	f := a.frame(pa)
	if f == 0 {
		panic("write to the zero page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.data[f]
	if !ok {
		d = make([]byte, hostarch.PageSize)
		a.data[f] = d
	}
	d[off] = b
}

// Copy copies the contents of frame src into frame dst.
func (a *Allocator) Copy(dst, src hostarch.PhysAddr) {
	df, sf := a.frame(dst), a.frame(src)
	if df == 0 {
		panic("copy into the zero page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.data[sf]
	if !ok {
		delete(a.data, df)
		return
	}
	a.data[df] = append([]byte(nil), s...)
}
