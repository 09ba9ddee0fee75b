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

// SplitResult is the decomposition of a range around a sub-range.
type SplitResult struct {
	// Left is the part before the sub-range. It is valid iff HasLeft.
	Left    hostarch.AddrRange
	HasLeft bool

	// Middle is the sub-range itself.
	Middle hostarch.AddrRange

	// Right is the part after the sub-range. It is valid iff HasRight.
	Right    hostarch.AddrRange
	HasRight bool
}

// Whole returns true if the sub-range covers the entire range.
func (s SplitResult) Whole() bool {
	return !s.HasLeft && !s.HasRight
}

// Pieces returns the non-empty parts in address order.
func (s SplitResult) Pieces() []hostarch.AddrRange {
	var ps []hostarch.AddrRange
	if s.HasLeft {
		ps = append(ps, s.Left)
	}
	ps = append(ps, s.Middle)
	if s.HasRight {
		ps = append(ps, s.Right)
	}
	return ps
}

// SplitRange splits r into the parts before, inside and after sub. sub must
// be a non-empty sub-range of r.
//
// Protect and Unmap both derive their new regions from the result, so the
// union of the parts is always exactly r.
func SplitRange(r, sub hostarch.AddrRange) (SplitResult, error) {
	if !r.WellFormed() || !sub.WellFormed() || sub.Length() == 0 {
		return SplitResult{}, fmt.Errorf("%w: split of %v at %v", ErrInvalidArgument, r, sub)
	}
	if !r.IsSupersetOf(sub) {
		return SplitResult{}, fmt.Errorf("%w: %v not in %v", ErrOutOfRange, sub, r)
	}
	s := SplitResult{Middle: sub}
	if sub.Start > r.Start {
		s.Left = hostarch.AddrRange{Start: r.Start, End: sub.Start}
		s.HasLeft = true
	}
	if sub.End < r.End {
		s.Right = hostarch.AddrRange{Start: sub.End, End: r.End}
		s.HasRight = true
	}
	return s, nil
}
