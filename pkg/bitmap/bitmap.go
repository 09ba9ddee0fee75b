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

// Package bitmap provides a growable bitmap used to track page frame
// allocation.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of uint64 indices backed by 64-bit words.
//
// Bitmap is not thread-safe.
type Bitmap struct {
	// numOnes is the number of set bits.
	numOnes uint64

	words []uint64
}

// New creates an empty Bitmap with room for at least size bits.
func New(size uint64) Bitmap {
	return Bitmap{words: make([]uint64, (size+63)/64)}
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return uint64(len(b.words)) * 64
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	return b.numOnes
}

// Grow grows the bitmap by at least toGrow bits.
func (b *Bitmap) Grow(toGrow uint64) {
	b.words = append(b.words, make([]uint64, (toGrow+63)/64)...)
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint64) bool {
	w := i / 64
	if w >= uint64(len(b.words)) {
		return false
	}
	return b.words[w]&(1<<(i%64)) != 0
}

// Add sets bit i, extending the bitmap if needed.
func (b *Bitmap) Add(i uint64) {
	w, mask := i/64, uint64(1)<<(i%64)
	if n := uint64(len(b.words)); w >= n {
		b.words = append(b.words, make([]uint64, w-n+1)...)
	}
	if b.words[w]&mask == 0 {
		b.words[w] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint64) {
	w, mask := i/64, uint64(1)<<(i%64)
	if w >= uint64(len(b.words)) {
		return
	}
	if b.words[w]&mask != 0 {
		b.words[w] &^= mask
		b.numOnes--
	}
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint64) (uint64, error) {
	i, n := start/64, uint64(len(b.words))
	if i >= n {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.Size())
	}
	w := b.words[i] | ((1 << (start % 64)) - 1)
	for {
		if w != ^uint64(0) {
			return i*64 + uint64(bits.TrailingZeros64(^w)), nil
		}
		i++
		if i == n {
			return 0, fmt.Errorf("bitmap has no unset bits")
		}
		w = b.words[i]
	}
}

// FirstOne returns the first set bit in [start, Size()).
func (b *Bitmap) FirstOne(start uint64) (uint64, error) {
	i, n := start/64, uint64(len(b.words))
	if i >= n {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.Size())
	}
	w := b.words[i] &^ ((1 << (start % 64)) - 1)
	for {
		if w != 0 {
			return i*64 + uint64(bits.TrailingZeros64(w)), nil
		}
		i++
		if i == n {
			return 0, fmt.Errorf("bitmap has no set bits")
		}
		w = b.words[i]
	}
}

// ForEach calls fn for every set bit in ascending order.
func (b *Bitmap) ForEach(fn func(i uint64)) {
	for wi, w := range b.words {
		for w != 0 {
			t := uint64(bits.TrailingZeros64(w))
			fn(uint64(wi)*64 + t)
			w &^= 1 << t
		}
	}
}

// ToSlice returns the set bits in ascending order.
func (b *Bitmap) ToSlice() []uint64 {
	s := make([]uint64, 0, b.numOnes)
	b.ForEach(func(i uint64) { s = append(s, i) })
	return s
}
