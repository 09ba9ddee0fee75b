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
	"github.com/google/btree"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// treeEntry is a region keyed by its base address.
type treeEntry struct {
	base   hostarch.Addr
	region Region
}

// regionTree is the ordered set of an Area's children.
//
// The tree is keyed by base address, which must match the base of the stored
// region. Regions whose base changes must be re-keyed.
//
// regionTree is not thread-safe; it is protected by AddressSpace.mu.
type regionTree struct {
	t *btree.BTreeG[treeEntry]
}

func newRegionTree() regionTree {
	return regionTree{t: btree.NewG(8, func(a, b treeEntry) bool { return a.base < b.base })}
}

func (rt *regionTree) len() int {
	return rt.t.Len()
}

func (rt *regionTree) insert(r Region) {
	c := r.common()
	if _, ok := rt.t.ReplaceOrInsert(treeEntry{base: c.base, region: r}); ok {
		panic(internalError("region %q replaced an existing region at %v", c.name, c.base))
	}
}

func (rt *regionTree) remove(r Region) {
	c := r.common()
	e, ok := rt.t.Delete(treeEntry{base: c.base})
	if !ok || e.region != r {
		panic(internalError("region %q not found at %v", c.name, c.base))
	}
}

// rekey moves r from key oldBase to its current base.
func (rt *regionTree) rekey(r Region, oldBase hostarch.Addr) {
	e, ok := rt.t.Delete(treeEntry{base: oldBase})
	if !ok || e.region != r {
		panic(internalError("region %q not found at %v", r.common().name, oldBase))
	}
	rt.insert(r)
}

// find returns the region containing addr.
func (rt *regionTree) find(addr hostarch.Addr) (Region, bool) {
	var found Region
	rt.t.DescendLessOrEqual(treeEntry{base: addr}, func(e treeEntry) bool {
		if e.region.common().rangeLocked().Contains(addr) {
			found = e.region
		}
		return false
	})
	return found, found != nil
}

// visitOverlapping calls fn, in address order, for every region overlapping
// ar until fn returns false.
func (rt *regionTree) visitOverlapping(ar hostarch.AddrRange, fn func(Region) bool) {
	cont := true
	rt.t.DescendLessOrEqual(treeEntry{base: ar.Start}, func(e treeEntry) bool {
		if e.region.common().rangeLocked().Overlaps(ar) {
			cont = fn(e.region)
		}
		return false
	})
	if !cont {
		return
	}
	rt.t.AscendRange(treeEntry{base: ar.Start + 1}, treeEntry{base: ar.End}, func(e treeEntry) bool {
		return fn(e.region)
	})
}

// overlapping returns the regions overlapping ar in address order.
func (rt *regionTree) overlapping(ar hostarch.AddrRange) []Region {
	var rs []Region
	rt.visitOverlapping(ar, func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// overlaps returns true if any region overlaps ar.
func (rt *regionTree) overlaps(ar hostarch.AddrRange) bool {
	found := false
	rt.visitOverlapping(ar, func(Region) bool {
		found = true
		return false
	})
	return found
}

// ascend calls fn with each key and region in address order until fn
// returns false.
func (rt *regionTree) ascend(fn func(base hostarch.Addr, r Region) bool) {
	rt.t.Ascend(func(e treeEntry) bool {
		return fn(e.base, e.region)
	})
}

// all returns every region in address order.
func (rt *regionTree) all() []Region {
	rs := make([]Region, 0, rt.len())
	rt.ascend(func(_ hostarch.Addr, r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
