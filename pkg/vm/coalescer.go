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

	"gvisor.dev/vmcore/pkg/hostarch"
)

// mappingCoalescer batches translations for runs of contiguous virtual pages
// into single HardwareAddressSpace.Map calls.
//
// Every coalescer must end with flush or abort followed by close.
type mappingCoalescer struct {
	hw HardwareAddressSpace

	// base is the address of pages[0], or the next expected address once
	// the run has been flushed.
	base  hostarch.Addr
	flags hostarch.MMUFlags
	pages []hostarch.PhysAddr

	aborted bool
}

func newMappingCoalescer(hw HardwareAddressSpace, capacity int) *mappingCoalescer {
	if capacity <= 0 {
		capacity = DefaultCoalescerPages
	}
	return &mappingCoalescer{
		hw:    hw,
		pages: make([]hostarch.PhysAddr, 0, capacity),
	}
}

// next returns the address following the buffered run.
func (c *mappingCoalescer) next() hostarch.Addr {
	return c.base + hostarch.Addr(len(c.pages))<<hostarch.PageShift
}

// buffered returns the range of the buffered run.
func (c *mappingCoalescer) buffered() hostarch.AddrRange {
	return hostarch.AddrRange{Start: c.base, End: c.next()}
}

// unflushedThrough returns the buffered run extended through the page at
// va, or just that page if nothing is buffered.
func (c *mappingCoalescer) unflushedThrough(va hostarch.Addr) hostarch.AddrRange {
	start := va
	if len(c.pages) != 0 {
		start = c.base
	}
	return hostarch.AddrRange{Start: start, End: va + hostarch.PageSize}
}

// append adds the translation va -> pa with the given flags. The buffered
// run is flushed first if va does not extend it, its flags differ or the
// buffer is full.
func (c *mappingCoalescer) append(va hostarch.Addr, pa hostarch.PhysAddr, flags hostarch.MMUFlags) error {
	if c.aborted {
		panic("append to an aborted coalescer")
	}
	if len(c.pages) > 0 && (va != c.next() || flags != c.flags || len(c.pages) == cap(c.pages)) {
		if err := c.flush(); err != nil {
			return err
		}
	}
	if len(c.pages) == 0 {
		c.base = va
		c.flags = flags
	}
	c.pages = append(c.pages, pa)
	return nil
}

// flush installs the buffered run. Runs whose flags grant no access are
// dropped without a hardware call.
func (c *mappingCoalescer) flush() error {
	if len(c.pages) == 0 {
		return nil
	}
	if c.flags.HasAccess() {
		ar := hostarch.AddrRange{Start: c.base, End: c.next()}
		n, err := c.hw.Map(c.base, c.pages, c.flags)
		if err != nil {
			c.abort()
			return hardwareError("map", ar, err)
		}
		if n != len(c.pages) {
			c.abort()
			return internalError("mapped %d of %d pages at %v", n, ar.Pages(), ar)
		}
		coalescerFlushes.Increment()
	}
	c.base = c.next()
	c.pages = c.pages[:0]
	return nil
}

// abort discards the buffered run.
func (c *mappingCoalescer) abort() {
	c.pages = c.pages[:0]
	c.aborted = true
}

// close checks that nothing was left unflushed.
func (c *mappingCoalescer) close() {
	if len(c.pages) != 0 {
		panic(fmt.Sprintf("coalescer closed with %d unflushed pages at %v", len(c.pages), c.base))
	}
}
