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

// Package pagetables provides a software implementation of a four-level
// hardware page table.
//
// It is the translation layer that address spaces install pages into. Every
// operation works on whole pages and validates its arguments the way an MMU
// driver would.
package pagetables

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/vmcore/pkg/hostarch"
)

const (
	// entriesPerNode is the number of entries in a table at any level.
	entriesPerNode = 512

	// levels is the depth of the tree.
	levels = 4

	// entryShift is log2(entriesPerNode).
	entryShift = 9

	// addrBits is the width of a virtual address.
	addrBits = hostarch.PageShift + levels*entryShift
)

// MaxAddr is one past the highest mappable virtual address.
const MaxAddr = hostarch.Addr(1) << addrBits

var (
	// ErrInvalid is returned for misaligned, overflowing or non-canonical
	// arguments.
	ErrInvalid = errors.New("invalid page table argument")

	// ErrLimit is returned when Opts.MaxPages would be exceeded.
	ErrLimit = errors.New("page table limit reached")
)

// Op identifies a page table operation for Opts.Hook.
type Op int

// Operations passed to Opts.Hook.
const (
	OpMap Op = iota
	OpUnmap
	OpProtect
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	case OpProtect:
		return "protect"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Opts configures PageTables.
type Opts struct {
	// MaxPages limits the number of valid leaf entries. Zero means no limit.
	MaxPages int

	// Hook, if set, is called before every operation touches the tables. A
	// non-nil return fails the operation without modifying anything.
	Hook func(op Op, va hostarch.Addr, count int) error
}

// PTE is a leaf entry: a page-aligned physical address combined with
// present and MMU flag bits.
type PTE uint64

const (
	ptePresent PTE = 1 << 11
	pteFlags   PTE = PTE(hostarch.MMUFlagsValidMask)
	pteAddr    PTE = ^PTE(hostarch.PageSize - 1)
)

func makePTE(pa hostarch.PhysAddr, flags hostarch.MMUFlags) PTE {
	return PTE(pa)&pteAddr | ptePresent | PTE(flags)&pteFlags
}

// Valid returns true if the entry maps a page.
func (p PTE) Valid() bool {
	return p&ptePresent != 0
}

// Address returns the physical address of the mapped page.
func (p PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p & pteAddr)
}

// Flags returns the MMU flags of the entry.
func (p PTE) Flags() hostarch.MMUFlags {
	return hostarch.MMUFlags(p & pteFlags)
}

// node is a table at any level. Interior nodes use next; leaves use ptes.
type node struct {
	next []*node
	ptes []PTE

	// used is the number of non-empty entries.
	used int
}

func newNode(leaf bool) *node {
	if leaf {
		return &node{ptes: make([]PTE, entriesPerNode)}
	}
	return &node{next: make([]*node, entriesPerNode)}
}

// Stats describes the size of a PageTables.
type Stats struct {
	// MappedPages is the number of valid leaf entries.
	MappedPages int

	// Nodes is the number of tables, including the root.
	Nodes int
}

// PageTables is a set of page tables.
type PageTables struct {
	opts Opts

	mu sync.Mutex

	// root is the pagetable root.
	root *node

	stats Stats
}

// New returns new PageTables.
func New(opts Opts) *PageTables {
	return &PageTables{
		opts:  opts,
		root:  newNode(false),
		stats: Stats{Nodes: 1},
	}
}

func index(va hostarch.Addr, level int) int {
	return int(va>>(hostarch.PageShift+uint(level)*entryShift)) & (entriesPerNode - 1)
}

// checkRange validates a page range.
func checkRange(va hostarch.Addr, count int) error {
	if !va.IsPageAligned() || count < 0 {
		return fmt.Errorf("%w: va %v count %d", ErrInvalid, va, count)
	}
	end, ok := va.AddLength(uint64(count) << hostarch.PageShift)
	if !ok || end > MaxAddr {
		return fmt.Errorf("%w: range %v+%d pages is not canonical", ErrInvalid, va, count)
	}
	return nil
}

func checkFlags(flags hostarch.MMUFlags) error {
	if flags&^hostarch.MMUFlagsValidMask != 0 || flags.CachePolicy() >= hostarch.NumCachePolicies {
		return fmt.Errorf("%w: flags %#x", ErrInvalid, uint32(flags))
	}
	return nil
}

func (p *PageTables) hook(op Op, va hostarch.Addr, count int) error {
	if p.opts.Hook == nil {
		return nil
	}
	return p.opts.Hook(op, va, count)
}

// lookupLocked returns the leaf entry for va, allocating intermediate tables
// if alloc is set. It returns nil if the entry does not exist.
//
// Preconditions: p.mu must be locked.
func (p *PageTables) lookupLocked(va hostarch.Addr, alloc bool) *PTE {
	n := p.root
	for level := levels - 1; level > 0; level-- {
		i := index(va, level)
		child := n.next[i]
		if child == nil {
			if !alloc {
				return nil
			}
			child = newNode(level == 1)
			n.next[i] = child
			n.used++
			p.stats.Nodes++
		}
		n = child
	}
	return &n.ptes[index(va, 0)]
}

// setLocked installs pte at va.
//
// Preconditions: p.mu must be locked.
func (p *PageTables) setLocked(va hostarch.Addr, pte PTE) {
	e := p.lookupLocked(va, true)
	if !e.Valid() {
		p.leafFor(va).used++
		p.stats.MappedPages++
	}
	*e = pte
}

// leafFor returns the existing leaf table covering va.
func (p *PageTables) leafFor(va hostarch.Addr) *node {
	n := p.root
	for level := levels - 1; level > 0; level-- {
		n = n.next[index(va, level)]
	}
	return n
}

// clearLocked removes the entry at va and prunes tables that become empty.
// It returns true if a valid entry was removed.
//
// Preconditions: p.mu must be locked.
func (p *PageTables) clearLocked(va hostarch.Addr) bool {
	var path [levels]*node
	n := p.root
	for level := levels - 1; level > 0; level-- {
		path[level] = n
		n = n.next[index(va, level)]
		if n == nil {
			return false
		}
	}
	e := &n.ptes[index(va, 0)]
	if !e.Valid() {
		return false
	}
	*e = 0
	n.used--
	p.stats.MappedPages--

	// Prune empty tables bottom-up. The root is never freed.
	for level := 1; level < levels && n.used == 0; level++ {
		parent := path[level]
		parent.next[index(va, level)] = nil
		parent.used--
		p.stats.Nodes--
		n = parent
	}
	return true
}

// newPagesLocked returns how many of the count pages starting at va are not
// currently mapped.
func (p *PageTables) newPagesLocked(va hostarch.Addr, count int) int {
	n := 0
	for i := 0; i < count; i++ {
		if e := p.lookupLocked(va+hostarch.Addr(i)<<hostarch.PageShift, false); e == nil || !e.Valid() {
			n++
		}
	}
	return n
}

func (p *PageTables) checkLimitLocked(added int) error {
	if p.opts.MaxPages > 0 && p.stats.MappedPages+added > p.opts.MaxPages {
		return fmt.Errorf("%w: %d pages mapped, %d more requested", ErrLimit, p.stats.MappedPages, added)
	}
	return nil
}

// Map installs the given pages at consecutive virtual addresses starting at
// va, replacing any existing entries. It returns the number of pages mapped.
func (p *PageTables) Map(va hostarch.Addr, pages []hostarch.PhysAddr, flags hostarch.MMUFlags) (int, error) {
	if err := checkRange(va, len(pages)); err != nil {
		return 0, err
	}
	if err := checkFlags(flags); err != nil {
		return 0, err
	}
	for _, pa := range pages {
		if !pa.IsPageAligned() {
			return 0, fmt.Errorf("%w: physical address %v", ErrInvalid, pa)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hook(OpMap, va, len(pages)); err != nil {
		return 0, err
	}
	if err := p.checkLimitLocked(p.newPagesLocked(va, len(pages))); err != nil {
		return 0, err
	}
	for i, pa := range pages {
		p.setLocked(va+hostarch.Addr(i)<<hostarch.PageShift, makePTE(pa, flags))
	}
	return len(pages), nil
}

// MapContiguous maps count pages of physically contiguous memory starting at
// pa to consecutive virtual addresses starting at va.
func (p *PageTables) MapContiguous(va hostarch.Addr, pa hostarch.PhysAddr, count int, flags hostarch.MMUFlags) (int, error) {
	if err := checkRange(va, count); err != nil {
		return 0, err
	}
	if err := checkFlags(flags); err != nil {
		return 0, err
	}
	if !pa.IsPageAligned() {
		return 0, fmt.Errorf("%w: physical address %v", ErrInvalid, pa)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hook(OpMap, va, count); err != nil {
		return 0, err
	}
	if err := p.checkLimitLocked(p.newPagesLocked(va, count)); err != nil {
		return 0, err
	}
	for i := 0; i < count; i++ {
		off := uint64(i) << hostarch.PageShift
		p.setLocked(va+hostarch.Addr(off), makePTE(pa+hostarch.PhysAddr(off), flags))
	}
	return count, nil
}

// Unmap removes count pages starting at va. Pages that are not mapped are
// skipped. It returns the number of entries removed.
func (p *PageTables) Unmap(va hostarch.Addr, count int) (int, error) {
	if err := checkRange(va, count); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hook(OpUnmap, va, count); err != nil {
		return 0, err
	}
	n := 0
	for i := 0; i < count; i++ {
		if p.clearLocked(va + hostarch.Addr(i)<<hostarch.PageShift) {
			n++
		}
	}
	return n, nil
}

// Protect changes the flags of the mapped pages among the count pages
// starting at va. Flags without any access permission unmap the pages.
func (p *PageTables) Protect(va hostarch.Addr, count int, flags hostarch.MMUFlags) error {
	if err := checkRange(va, count); err != nil {
		return err
	}
	if err := checkFlags(flags); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hook(OpProtect, va, count); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		a := va + hostarch.Addr(i)<<hostarch.PageShift
		if !flags.HasAccess() {
			p.clearLocked(a)
			continue
		}
		if e := p.lookupLocked(a, false); e != nil && e.Valid() {
			*e = makePTE(e.Address(), flags)
		}
	}
	return nil
}

// Query returns the translation for the page containing va.
func (p *PageTables) Query(va hostarch.Addr) (hostarch.PhysAddr, hostarch.MMUFlags, bool) {
	if va >= MaxAddr {
		return 0, 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lookupLocked(va.RoundDown(), false)
	if e == nil || !e.Valid() {
		return 0, 0, false
	}
	return e.Address(), e.Flags(), true
}

// Visit calls fn for every valid entry in [start, end), in address order.
func (p *PageTables) Visit(start, end hostarch.Addr, fn func(va hostarch.Addr, pte PTE)) {
	if end > MaxAddr {
		end = MaxAddr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visit(p.root, levels-1, 0, start, end, fn)
}

func (p *PageTables) visit(n *node, level int, base, start, end hostarch.Addr, fn func(hostarch.Addr, PTE)) {
	span := hostarch.Addr(1) << (hostarch.PageShift + uint(level)*entryShift)
	for i := 0; i < entriesPerNode; i++ {
		s := base + hostarch.Addr(i)*span
		if s+span <= start {
			continue
		}
		if s >= end {
			return
		}
		if level == 0 {
			if n.ptes[i].Valid() {
				fn(s, n.ptes[i])
			}
			continue
		}
		if child := n.next[i]; child != nil {
			p.visit(child, level-1, s, start, end, fn)
		}
	}
}

// Stats returns the current table statistics.
func (p *PageTables) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Release unmaps everything.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = newNode(false)
	p.stats = Stats{Nodes: 1}
}
